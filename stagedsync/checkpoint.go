package stagedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ethsync/stagesync/storage"
)

// CheckpointStore persists the checkpoint of each stage. Checkpoints are read
// and written through the caller's transaction, so a new checkpoint becomes
// durable exactly when the stage's work is committed.
type CheckpointStore interface {
	// Get returns the checkpoint of the stage, or 0 if none was recorded.
	Get(ctx context.Context, tx storage.Tx, id StageID) (uint64, error)

	// Set records the checkpoint of the stage.
	Set(ctx context.Context, tx storage.RwTx, id StageID, height uint64) error
}

// checkpointRecord is the stored form of a checkpoint.
type checkpointRecord struct {
	Height    uint64 `cbor:"1,keyasint"`
	UpdatedAt int64  `cbor:"2,keyasint,omitempty"` // unix seconds
}

// KVCheckpointStore stores CBOR-encoded checkpoints in the
// storage.TableStageCheckpoints table.
type KVCheckpointStore struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

var _ CheckpointStore = (*KVCheckpointStore)(nil)

// Get implements CheckpointStore.
func (s *KVCheckpointStore) Get(ctx context.Context, tx storage.Tx, id StageID) (uint64, error) {
	raw, err := tx.Get(ctx, storage.TableStageCheckpoints, []byte(id))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint of %s: %w", id, err)
	}
	var rec checkpointRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("decoding checkpoint of %s: %w", id, err)
	}
	return rec.Height, nil
}

// Set implements CheckpointStore.
func (s *KVCheckpointStore) Set(ctx context.Context, tx storage.RwTx, id StageID, height uint64) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	raw, err := cbor.Marshal(checkpointRecord{Height: height, UpdatedAt: now().Unix()})
	if err != nil {
		return fmt.Errorf("encoding checkpoint of %s: %w", id, err)
	}
	if err := tx.Put(ctx, storage.TableStageCheckpoints, []byte(id), raw); err != nil {
		return fmt.Errorf("writing checkpoint of %s: %w", id, err)
	}
	return nil
}
