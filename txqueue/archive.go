package txqueue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type archiveRow struct {
	ID        string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainID   string `parquet:"name=chain_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FromAddr  string `parquet:"name=from_addr, type=BYTE_ARRAY, convertedtype=UTF8"`
	ToAddr    string `parquet:"name=to_addr, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value     string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	Nonce     int64  `parquet:"name=nonce, type=INT64"`
	TxHash    string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts  int32  `parquet:"name=attempts, type=INT32"`
	LastError string `parquet:"name=last_error, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ArchiveTerminal exports CONFIRMED and FAILED entries whose last update is
// older than keepFor into a timestamped parquet file under dir, then drops
// them from the queue and its store. It returns the file path and the row
// count; with nothing eligible no file is written. FAILED entries archived
// here give up their retry option, which is why keepFor exists.
func (q *Queue) ArchiveTerminal(dir string, keepFor time.Duration) (string, int, error) {
	cutoff := q.now().Add(-keepFor)
	eligible := make([]*QueuedTransaction, 0)
	for _, tx := range q.List(StatusConfirmed, StatusFailed) {
		if tx.UpdatedAt.After(cutoff) {
			continue
		}
		eligible = append(eligible, tx)
	}
	if len(eligible) == 0 {
		return "", 0, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("txqueue: create archive dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("txqueue-%s.parquet", q.now().UTC().Format("20060102T150405Z")))
	if err := writeArchive(path, eligible); err != nil {
		return "", 0, err
	}

	q.mu.Lock()
	removed := 0
	for _, snap := range eligible {
		current := q.txs[snap.ID]
		if current == nil || current.Status != snap.Status {
			// Retried or otherwise moved while the file was written; keep it.
			continue
		}
		delete(q.txs, snap.ID)
		if current.TxHash != "" {
			delete(q.byHash, hashKey(current.ChainID, current.TxHash))
		}
		if q.cfg.Store != nil {
			if err := q.cfg.Store.Delete(snap.ID); err != nil {
				q.log.Warn("delete archived entry",
					slog.String("tx_id", snap.ID.String()),
					slog.String("error", err.Error()))
			}
		}
		removed++
	}
	q.metrics.RecordArchived(removed)
	q.updateDepthLocked()
	q.mu.Unlock()

	q.log.Info("archived terminal transactions",
		slog.String("path", path),
		slog.Int("rows", len(eligible)),
		slog.Int("removed", removed))
	return path, len(eligible), nil
}

func writeArchive(path string, txs []*QueuedTransaction) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("txqueue: create archive: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(archiveRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("txqueue: archive schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, tx := range txs {
		row := &archiveRow{
			ID:        tx.ID.String(),
			ChainID:   tx.ChainID,
			FromAddr:  tx.From,
			ToAddr:    tx.To,
			Nonce:     int64(tx.Nonce),
			TxHash:    tx.TxHash,
			Status:    string(tx.Status),
			Attempts:  int32(tx.Attempts),
			LastError: tx.LastError,
			CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: tx.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if tx.Value != nil {
			row.Value = tx.Value.Hex()
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("txqueue: archive write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("txqueue: archive flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("txqueue: close archive: %w", err)
	}
	return nil
}
