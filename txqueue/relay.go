package txqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"walletmesh/mesh"
)

// TxAnnouncement is the gossip payload for a relayed wallet transaction.
type TxAnnouncement struct {
	ID      string `json:"id"`
	ChainID string `json:"chainId"`
	TxHash  string `json:"txHash,omitempty"`
	RawTx   []byte `json:"rawTx"`
}

// MeshRelay binds the queue to a gossip engine: signed transactions go out as
// TRANSACTION envelopes, and BLOCK_SYNC notices from peers confirm entries by
// hash. It satisfies MeshPublisher.
type MeshRelay struct {
	engine *mesh.Engine
	queue  *Queue
	log    *slog.Logger
}

// NewMeshRelay wires the relay: it subscribes to block notices and feeds the
// queue depth into the engine's health beacons.
func NewMeshRelay(engine *mesh.Engine, queue *Queue, logger *slog.Logger) (*MeshRelay, error) {
	if engine == nil || queue == nil {
		return nil, fmt.Errorf("txqueue: relay requires an engine and a queue")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &MeshRelay{
		engine: engine,
		queue:  queue,
		log:    logger.With(slog.String("component", "tx-relay")),
	}
	engine.Handle(mesh.MsgBlockSync, mesh.HandlerFunc(r.handleBlockSync))
	engine.SetQueueDepthFunc(queue.Depth)
	return r, nil
}

// PublishTransaction gossips the signed transaction so peers with chain
// access can hand it on.
func (r *MeshRelay) PublishTransaction(ctx context.Context, tx *QueuedTransaction) error {
	if tx == nil || len(tx.RawTx) == 0 {
		return ErrMissingRawTx
	}
	payload, err := mesh.EncodePayload(TxAnnouncement{
		ID:      tx.ID.String(),
		ChainID: tx.ChainID,
		TxHash:  tx.TxHash,
		RawTx:   tx.RawTx,
	})
	if err != nil {
		return err
	}
	env, err := r.engine.BuildAndSign(mesh.MsgTransaction, payload)
	if err != nil {
		return err
	}
	return r.engine.Broadcast(ctx, env)
}

func (r *MeshRelay) handleBlockSync(ctx context.Context, env *mesh.Envelope, from mesh.PeerInfo) error {
	var notice mesh.BlockSyncNotice
	if err := mesh.DecodePayload(env.Payload, &notice); err != nil {
		return err
	}
	confirmed := 0
	for _, hash := range notice.Confirmed {
		err := r.queue.ConfirmByHash(notice.ChainID, hash)
		switch {
		case err == nil:
			confirmed++
		case errors.Is(err, ErrNotFound):
			// A hash we never queued; most notices are about other wallets.
		default:
			r.log.Warn("confirm from block notice",
				slog.String("tx_hash", hash),
				slog.String("error", err.Error()))
		}
	}
	if confirmed > 0 {
		r.log.Info("confirmed transactions from block notice",
			slog.Int("count", confirmed),
			slog.String("chain_id", notice.ChainID),
			slog.Uint64("height", notice.Height))
	}
	return nil
}
