package txqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"walletmesh/observability"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultMaxAttempts   = 5

	// sweepTimeout bounds one sweep pass so a hung endpoint cannot stall the
	// next scheduled pass.
	sweepTimeout = 25 * time.Second
)

// Broadcaster pushes one signed transaction toward its chain and returns the
// transaction hash reported by the endpoint.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, tx *QueuedTransaction) (string, error)
}

// MeshPublisher relays a signed transaction through gossip peers when no
// chain endpoint is reachable directly.
type MeshPublisher interface {
	PublishTransaction(ctx context.Context, tx *QueuedTransaction) error
}

// Config tunes the offline queue. Zero values fall back to defaults.
type Config struct {
	// Store persists entries across restarts when set.
	Store *Store
	// Broadcaster is the direct chain path tried first during sweeps.
	Broadcaster Broadcaster
	// Mesh is the gossip fallback tried when the chain path fails or is
	// absent.
	Mesh MeshPublisher
	// SweepInterval spaces broadcast passes while online. Default 30s.
	SweepInterval time.Duration
	// MaxAttempts is the broadcast budget before an entry fails. Default 5.
	MaxAttempts int
	// Logger receives queue events. Defaults to slog.Default.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SweepStats summarises one broadcast pass.
type SweepStats struct {
	Broadcasted int
	Relayed     int
	Failed      int
	Remaining   int
}

// Queue holds wallet transactions while the node rides out connectivity
// gaps. Entries move PENDING -> SIGNED -> BROADCASTED -> CONFIRMED, with
// FAILED reachable from the two broadcast states and retryable back to
// SIGNED. Every mutation is written through to the store before it is
// acknowledged.
type Queue struct {
	cfg     Config
	log     *slog.Logger
	metrics *observability.QueueMetrics

	mu     sync.RWMutex
	txs    map[uuid.UUID]*QueuedTransaction
	byHash map[string]uuid.UUID
	online bool

	now func() time.Time

	sweepCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a queue, rehydrating any entries the store carried across the
// restart. The caller keeps ownership of the store and closes it after Stop.
func New(cfg Config) (*Queue, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	q := &Queue{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "txqueue")),
		metrics: observability.Queue(),
		txs:     make(map[uuid.UUID]*QueuedTransaction),
		byHash:  make(map[string]uuid.UUID),
		now:     cfg.Now,
		sweepCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	if cfg.Store != nil {
		restored, errs := cfg.Store.All()
		for _, err := range errs {
			q.log.Warn("discarding unreadable queue record", slog.String("error", err.Error()))
		}
		for _, tx := range restored {
			q.txs[tx.ID] = tx
			if tx.TxHash != "" {
				q.byHash[hashKey(tx.ChainID, tx.TxHash)] = tx.ID
			}
		}
		if len(restored) > 0 {
			q.log.Info("restored queued transactions", slog.Int("count", len(restored)))
		}
	}
	q.mu.Lock()
	q.updateDepthLocked()
	q.mu.Unlock()
	return q, nil
}

// Start launches the periodic sweep loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.sweepLoop()
}

// Stop halts the sweep loop. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

// SetOnline flips the connectivity flag. Coming back online triggers an
// immediate sweep instead of waiting out the interval.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()
	if online == was {
		return
	}
	q.log.Info("connectivity changed", slog.Bool("online", online))
	if online {
		select {
		case q.sweepCh <- struct{}{}:
		default:
		}
	}
}

// Online reports the current connectivity flag.
func (q *Queue) Online() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.online
}

// SetMeshPublisher installs the gossip fallback after construction. The relay
// is built around an existing queue, so the two are wired in this order.
func (q *Queue) SetMeshPublisher(p MeshPublisher) {
	q.mu.Lock()
	q.cfg.Mesh = p
	q.mu.Unlock()
}

func (q *Queue) meshPublisher() MeshPublisher {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg.Mesh
}

func (q *Queue) stopped() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

// Enqueue accepts a draft transaction as PENDING and persists it. Entries
// already queued keep moving after Stop, but new work is refused.
func (q *Queue) Enqueue(draft Draft) (*QueuedTransaction, error) {
	if q.stopped() {
		return nil, ErrClosed
	}
	if draft.ChainID == "" {
		return nil, fmt.Errorf("txqueue: chain id required")
	}
	if draft.From == "" || draft.To == "" {
		return nil, fmt.Errorf("txqueue: from and to addresses required")
	}
	now := q.now()
	tx := &QueuedTransaction{
		ID:        uuid.New(),
		ChainID:   draft.ChainID,
		From:      draft.From,
		To:        draft.To,
		Value:     draft.Value,
		Nonce:     draft.Nonce,
		Data:      append([]byte(nil), draft.Data...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persistLocked(tx); err != nil {
		return nil, err
	}
	q.txs[tx.ID] = tx
	q.metrics.RecordTransition("NEW", string(StatusPending))
	q.updateDepthLocked()
	q.log.Info("transaction enqueued",
		slog.String("tx_id", tx.ID.String()),
		slog.String("chain_id", tx.ChainID))
	return tx.Clone(), nil
}

// MarkSigned attaches the raw signed bytes and moves the entry to SIGNED.
// The hash is the signer's precomputed transaction hash; it may be empty for
// chains where the hash is only known after submission.
func (q *Queue) MarkSigned(id uuid.UUID, rawTx []byte, txHash string) error {
	if len(rawTx) == 0 {
		return ErrMissingRawTx
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.txs[id]
	if tx == nil {
		return ErrNotFound
	}
	if err := checkTransition(tx.Status, StatusSigned); err != nil {
		return err
	}
	tx.RawTx = append([]byte(nil), rawTx...)
	q.rehashLocked(tx, txHash)
	return q.applyLocked(tx, StatusSigned)
}

// MarkBroadcasted records a successful submission, with the hash reported by
// the endpoint when available.
func (q *Queue) MarkBroadcasted(id uuid.UUID, txHash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.txs[id]
	if tx == nil {
		return ErrNotFound
	}
	if err := checkTransition(tx.Status, StatusBroadcasted); err != nil {
		return err
	}
	q.rehashLocked(tx, txHash)
	return q.applyLocked(tx, StatusBroadcasted)
}

// Confirm marks a broadcasted entry as observed in a block.
func (q *Queue) Confirm(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.txs[id]
	if tx == nil {
		return ErrNotFound
	}
	return q.confirmLocked(tx)
}

// ConfirmByHash confirms whichever entry carries the given chain and hash.
// Confirming an already confirmed entry is a no-op, so redundant block
// notices are harmless.
func (q *Queue) ConfirmByHash(chainID, txHash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byHash[hashKey(chainID, txHash)]
	if !ok {
		return ErrNotFound
	}
	tx := q.txs[id]
	if tx == nil {
		return ErrNotFound
	}
	return q.confirmLocked(tx)
}

// confirmLocked walks the entry to CONFIRMED. A confirmation arriving for a
// SIGNED entry proves a mesh relay got it to the chain, so the intermediate
// BROADCASTED step is applied on the way.
func (q *Queue) confirmLocked(tx *QueuedTransaction) error {
	if tx.Status == StatusConfirmed {
		return nil
	}
	if tx.Status == StatusSigned {
		if err := q.applyLocked(tx, StatusBroadcasted); err != nil {
			return err
		}
	}
	if err := checkTransition(tx.Status, StatusConfirmed); err != nil {
		return err
	}
	return q.applyLocked(tx, StatusConfirmed)
}

// Fail force-fails a signed or broadcasted entry.
func (q *Queue) Fail(id uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.txs[id]
	if tx == nil {
		return ErrNotFound
	}
	if err := checkTransition(tx.Status, StatusFailed); err != nil {
		return err
	}
	tx.LastError = reason
	q.metrics.RecordFailure("explicit")
	return q.applyLocked(tx, StatusFailed)
}

// Retry re-arms a failed entry. It keeps its signed bytes and re-enters the
// sweep as SIGNED with a fresh attempt budget.
func (q *Queue) Retry(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.txs[id]
	if tx == nil {
		return ErrNotFound
	}
	if err := checkTransition(tx.Status, StatusSigned); err != nil {
		return err
	}
	if len(tx.RawTx) == 0 {
		return ErrMissingRawTx
	}
	tx.Attempts = 0
	tx.LastError = ""
	return q.applyLocked(tx, StatusSigned)
}

// Get returns a copy of one entry.
func (q *Queue) Get(id uuid.UUID) (*QueuedTransaction, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	tx := q.txs[id]
	if tx == nil {
		return nil, false
	}
	return tx.Clone(), true
}

// List returns copies of entries in the given statuses, oldest first. With no
// statuses it returns everything.
func (q *Queue) List(statuses ...Status) []*QueuedTransaction {
	wanted := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}
	q.mu.RLock()
	out := make([]*QueuedTransaction, 0, len(q.txs))
	for _, tx := range q.txs {
		if len(wanted) > 0 {
			if _, ok := wanted[tx.Status]; !ok {
				continue
			}
		}
		out = append(out, tx.Clone())
	}
	q.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Depth counts entries still travelling the happy path. Health beacons report
// this number to peers.
func (q *Queue) Depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, tx := range q.txs {
		switch tx.Status {
		case StatusPending, StatusSigned, StatusBroadcasted:
			n++
		}
	}
	return n
}

// StatusCounts tallies entries per status.
func (q *Queue) StatusCounts() map[Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.statusCountsLocked()
}

func (q *Queue) statusCountsLocked() map[Status]int {
	counts := map[Status]int{
		StatusPending:     0,
		StatusSigned:      0,
		StatusBroadcasted: 0,
		StatusConfirmed:   0,
		StatusFailed:      0,
	}
	for _, tx := range q.txs {
		counts[tx.Status]++
	}
	return counts
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.scheduledSweep()
		case <-q.sweepCh:
			q.scheduledSweep()
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) scheduledSweep() {
	if !q.Online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	q.Sweep(ctx)
}

// Sweep pushes every SIGNED entry toward its chain, oldest first: the direct
// broadcaster is tried before the mesh relay, and repeated failures burn the
// attempt budget down to FAILED. Offline sweeps are recorded and skipped.
func (q *Queue) Sweep(ctx context.Context) SweepStats {
	start := q.now()
	var stats SweepStats
	if !q.Online() {
		q.metrics.ObserveSweep("offline_skip", q.now().Sub(start))
		return stats
	}
	for _, snap := range q.List(StatusSigned) {
		select {
		case <-ctx.Done():
			stats.Remaining++
			continue
		default:
		}
		q.sweepOne(ctx, snap, &stats)
	}
	outcome := "ok"
	if stats.Failed > 0 {
		outcome = "partial"
	}
	q.metrics.ObserveSweep(outcome, q.now().Sub(start))
	if stats.Broadcasted+stats.Relayed+stats.Failed > 0 {
		q.log.Info("queue sweep finished",
			slog.Int("broadcasted", stats.Broadcasted),
			slog.Int("relayed", stats.Relayed),
			slog.Int("failed", stats.Failed),
			slog.Int("remaining", stats.Remaining))
	}
	return stats
}

func (q *Queue) sweepOne(ctx context.Context, snap *QueuedTransaction, stats *SweepStats) {
	var lastErr error
	if q.cfg.Broadcaster != nil {
		hash, err := q.cfg.Broadcaster.BroadcastTransaction(ctx, snap)
		if err == nil {
			if q.MarkBroadcasted(snap.ID, hash) == nil {
				stats.Broadcasted++
			}
			return
		}
		lastErr = err
	}
	if mesh := q.meshPublisher(); mesh != nil {
		err := mesh.PublishTransaction(ctx, snap)
		if err == nil {
			if q.MarkBroadcasted(snap.ID, snap.TxHash) == nil {
				stats.Relayed++
			}
			return
		}
		if lastErr == nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		// No broadcast path configured; the entry waits for one.
		stats.Remaining++
		return
	}
	q.recordAttempt(snap.ID, lastErr, stats)
}

func (q *Queue) recordAttempt(id uuid.UUID, cause error, stats *SweepStats) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx := q.txs[id]
	if tx == nil || tx.Status != StatusSigned {
		return
	}
	tx.Attempts++
	tx.LastError = cause.Error()
	tx.UpdatedAt = q.now()
	q.metrics.RecordFailure("broadcast_error")
	if tx.Attempts >= q.cfg.MaxAttempts {
		if err := q.applyLocked(tx, StatusFailed); err == nil {
			stats.Failed++
			q.log.Warn("transaction failed after max attempts",
				slog.String("tx_id", tx.ID.String()),
				slog.Int("attempts", tx.Attempts),
				slog.String("error", cause.Error()))
			return
		}
	}
	if err := q.persistLocked(tx); err != nil {
		q.log.Warn("persist attempt count",
			slog.String("tx_id", tx.ID.String()),
			slog.String("error", err.Error()))
	}
	stats.Remaining++
}

// applyLocked moves the entry to its next status and writes it through. A
// persist failure rolls the in-memory status back so memory never runs ahead
// of disk.
func (q *Queue) applyLocked(tx *QueuedTransaction, to Status) error {
	from := tx.Status
	tx.Status = to
	tx.UpdatedAt = q.now()
	if err := q.persistLocked(tx); err != nil {
		tx.Status = from
		return err
	}
	q.metrics.RecordTransition(string(from), string(to))
	q.updateDepthLocked()
	q.log.Debug("transaction transition",
		slog.String("tx_id", tx.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

func (q *Queue) persistLocked(tx *QueuedTransaction) error {
	if q.cfg.Store == nil {
		return nil
	}
	return q.cfg.Store.Put(tx)
}

// rehashLocked swaps the entry's hash index entry. Empty hashes leave the
// existing mapping alone.
func (q *Queue) rehashLocked(tx *QueuedTransaction, txHash string) {
	if txHash == "" || txHash == tx.TxHash {
		return
	}
	if tx.TxHash != "" {
		delete(q.byHash, hashKey(tx.ChainID, tx.TxHash))
	}
	tx.TxHash = txHash
	q.byHash[hashKey(tx.ChainID, txHash)] = tx.ID
}

func (q *Queue) updateDepthLocked() {
	for status, n := range q.statusCountsLocked() {
		q.metrics.SetDepth(string(status), n)
	}
}

func hashKey(chainID, txHash string) string {
	return chainID + "|" + txHash
}
