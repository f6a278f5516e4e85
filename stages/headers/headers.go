// Package headers implements the stage downloading block headers from an
// Ethereum JSON-RPC endpoint.
package headers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/stagedsync"
	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/tip"
)

// ID of the headers stage.
const ID stagedsync.StageID = "Headers"

// DefaultBatchSize is the number of headers downloaded per transaction.
const DefaultBatchSize = 1000

// Stage downloads headers in batches, checks that they link to the stored
// canonical chain and stores them by height.
type Stage struct {
	source    tip.HeaderSource
	batchSize uint64
	logger    *log.Logger
}

var _ stagedsync.Stage = (*Stage)(nil)

// New creates the stage. A zero batchSize means DefaultBatchSize.
func New(source tip.HeaderSource, batchSize uint64, logger *log.Logger) *Stage {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &Stage{
		source:    source,
		batchSize: batchSize,
		logger:    logger.WithModule("headers"),
	}
}

// ID implements stagedsync.Stage.
func (s *Stage) ID() stagedsync.StageID {
	return ID
}

// Execute implements stagedsync.Stage.
func (s *Stage) Execute(ctx context.Context, tx storage.RwTx, in stagedsync.ExecInput) (stagedsync.ExecOutput, error) {
	if in.Checkpoint == 0 {
		if err := s.ensureGenesis(ctx, tx); err != nil {
			return stagedsync.ExecOutput{}, err
		}
	}

	to := min(in.Target, in.Checkpoint+s.batchSize)
	for height := in.NextBlock(); height <= to; height++ {
		header, err := s.fetch(ctx, height)
		if err != nil {
			return stagedsync.ExecOutput{}, err
		}
		parent, err := CanonicalHash(ctx, tx, height-1)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return stagedsync.ExecOutput{}, err
		case parent != header.ParentHash:
			s.logger.Warn("header does not extend the canonical chain",
				"height", height,
				"parent_hash", header.ParentHash,
				"stored_parent_hash", parent,
			)
			if height == 1 {
				return stagedsync.ExecOutput{}, fmt.Errorf("header 1 does not extend the stored genesis %s", parent)
			}
			return stagedsync.ExecOutput{}, stagedsync.NewInvalidStateError(height-1,
				fmt.Errorf("header %d has parent %s, stored block %d is %s", height, header.ParentHash, height-1, parent))
		}
		if err := WriteHeader(ctx, tx, header); err != nil {
			return stagedsync.ExecOutput{}, err
		}
	}

	s.logger.Debug("downloaded headers", "from", in.NextBlock(), "to", to)
	return stagedsync.ExecOutput{
		BlockReached:    to,
		Done:            to >= in.Target,
		ReachedChainTip: to >= in.Tip,
	}, nil
}

// Rollback implements stagedsync.Stage.
func (s *Stage) Rollback(ctx context.Context, tx storage.RwTx, in stagedsync.RollbackInput) (stagedsync.RollbackOutput, error) {
	for height := in.CurrentBlock; height > in.TargetBlock; height-- {
		key := storage.HeightKey(height)
		if err := tx.Delete(ctx, storage.TableHeaders, key); err != nil {
			return stagedsync.RollbackOutput{}, err
		}
		if err := tx.Delete(ctx, storage.TableCanonicalHashes, key); err != nil {
			return stagedsync.RollbackOutput{}, err
		}
	}
	return stagedsync.RollbackOutput{BlockReached: in.TargetBlock}, nil
}

func (s *Stage) ensureGenesis(ctx context.Context, tx storage.RwTx) error {
	_, err := CanonicalHash(ctx, tx, 0)
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	genesis, err := s.fetch(ctx, 0)
	if err != nil {
		return err
	}
	s.logger.Info("storing genesis header", "hash", genesis.Hash())
	return WriteHeader(ctx, tx, genesis)
}

func (s *Stage) fetch(ctx context.Context, height uint64) (*types.Header, error) {
	header, err := s.source.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("fetching header %d: %w", height, err)
	}
	if header == nil || header.Number == nil || !header.Number.IsUint64() || header.Number.Uint64() != height {
		return nil, fmt.Errorf("fetching header %d: node returned a different block", height)
	}
	return header, nil
}

// WriteHeader stores the header and marks it canonical at its height.
func WriteHeader(ctx context.Context, tx storage.RwTx, header *types.Header) error {
	raw, err := rlp.EncodeToBytes(header)
	if err != nil {
		return fmt.Errorf("encoding header %d: %w", header.Number, err)
	}
	key := storage.HeightKey(header.Number.Uint64())
	if err := tx.Put(ctx, storage.TableHeaders, key, raw); err != nil {
		return err
	}
	return tx.Put(ctx, storage.TableCanonicalHashes, key, header.Hash().Bytes())
}

// ReadHeader returns the canonical header at height, or storage.ErrNotFound.
func ReadHeader(ctx context.Context, tx storage.Tx, height uint64) (*types.Header, error) {
	raw, err := tx.Get(ctx, storage.TableHeaders, storage.HeightKey(height))
	if err != nil {
		return nil, err
	}
	var header types.Header
	if err := rlp.Decode(bytes.NewReader(raw), &header); err != nil {
		return nil, fmt.Errorf("decoding header %d: %w", height, err)
	}
	return &header, nil
}

// CanonicalHash returns the canonical block hash at height, or storage.ErrNotFound.
func CanonicalHash(ctx context.Context, tx storage.Tx, height uint64) (ethCommon.Hash, error) {
	raw, err := tx.Get(ctx, storage.TableCanonicalHashes, storage.HeightKey(height))
	if err != nil {
		return ethCommon.Hash{}, err
	}
	return ethCommon.BytesToHash(raw), nil
}
