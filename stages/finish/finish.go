// Package finish implements the last stage of the pipeline, which records
// the height up to which all stages completed.
package finish

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethsync/stagesync/stagedsync"
	"github.com/ethsync/stagesync/storage"
)

// ID of the finish stage.
const ID stagedsync.StageID = "Finish"

var (
	finishedKey     = []byte("finished")
	finishedHashKey = []byte("finished_hash")
)

// Stage marks the sync as finished up to its target.
type Stage struct{}

var _ stagedsync.Stage = Stage{}

// ID implements stagedsync.Stage.
func (Stage) ID() stagedsync.StageID {
	return ID
}

// Execute implements stagedsync.Stage.
func (Stage) Execute(ctx context.Context, tx storage.RwTx, in stagedsync.ExecInput) (stagedsync.ExecOutput, error) {
	if err := markFinished(ctx, tx, in.Target); err != nil {
		return stagedsync.ExecOutput{}, err
	}
	return stagedsync.ExecOutput{
		BlockReached:    in.Target,
		Done:            true,
		ReachedChainTip: in.Target >= in.Tip,
	}, nil
}

// Rollback implements stagedsync.Stage.
func (Stage) Rollback(ctx context.Context, tx storage.RwTx, in stagedsync.RollbackInput) (stagedsync.RollbackOutput, error) {
	if err := markFinished(ctx, tx, in.TargetBlock); err != nil {
		return stagedsync.RollbackOutput{}, err
	}
	return stagedsync.RollbackOutput{BlockReached: in.TargetBlock}, nil
}

func markFinished(ctx context.Context, tx storage.RwTx, height uint64) error {
	if err := tx.Put(ctx, storage.TableSyncStatus, finishedKey, storage.HeightKey(height)); err != nil {
		return err
	}
	hash, err := tx.Get(ctx, storage.TableCanonicalHashes, storage.HeightKey(height))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return tx.Delete(ctx, storage.TableSyncStatus, finishedHashKey)
	case err != nil:
		return err
	}
	return tx.Put(ctx, storage.TableSyncStatus, finishedHashKey, hash)
}

// Finished returns the height up to which the sync finished, or 0.
func Finished(ctx context.Context, tx storage.Tx) (uint64, error) {
	raw, err := tx.Get(ctx, storage.TableSyncStatus, finishedKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	height, err := storage.ParseHeightKey(raw)
	if err != nil {
		return 0, fmt.Errorf("decoding finished height: %w", err)
	}
	return height, nil
}

// FinishedHash returns the canonical hash of the finished block, if known.
func FinishedHash(ctx context.Context, tx storage.Tx) ([]byte, error) {
	return tx.Get(ctx, storage.TableSyncStatus, finishedHashKey)
}
