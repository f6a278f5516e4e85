package headers

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/stagedsync"
	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/storage/memdb"
	"github.com/ethsync/stagesync/tip"
)

// makeChain returns headers 0..length-1. Headers at or above forkAt are
// marked with tag, so chains with different tags share only the blocks below
// forkAt.
func makeChain(base []*types.Header, length int, forkAt uint64, tag byte) []*types.Header {
	chain := make([]*types.Header, 0, length)
	for i := 0; i < length; i++ {
		h := uint64(i)
		if h < forkAt && i < len(base) {
			chain = append(chain, base[i])
			continue
		}
		header := &types.Header{
			Number:     new(big.Int).SetUint64(h),
			Difficulty: big.NewInt(1),
			GasLimit:   30_000_000,
			Time:       1_700_000_000 + h*12,
			Extra:      []byte{tag},
		}
		if i > 0 {
			header.ParentHash = chain[i-1].Hash()
		}
		chain = append(chain, header)
	}
	return chain
}

type fakeSource struct {
	mu    sync.Mutex
	chain []*types.Header
	calls int
}

func (f *fakeSource) setChain(chain []*types.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chain = chain
}

func (f *fakeSource) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if number == nil {
		return f.chain[len(f.chain)-1], nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(f.chain)) {
		return nil, errors.New("not found")
	}
	return f.chain[number.Uint64()], nil
}

func execute(t *testing.T, db storage.Database, s *Stage, in stagedsync.ExecInput) (stagedsync.ExecOutput, error) {
	t.Helper()
	var out stagedsync.ExecOutput
	err := storage.Update(context.Background(), db, func(tx storage.RwTx) error {
		var err error
		out, err = s.Execute(context.Background(), tx, in)
		return err
	})
	return out, err
}

func TestExecuteInBatches(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()
	chain := makeChain(nil, 11, 0, 'a')
	s := New(&fakeSource{chain: chain}, 4, log.NewNopLogger())

	out, err := execute(t, db, s, stagedsync.ExecInput{Checkpoint: 0, Target: 10, Tip: 10})
	require.NoError(t, err)
	require.Equal(t, stagedsync.ExecOutput{BlockReached: 4}, out)

	out, err = execute(t, db, s, stagedsync.ExecInput{Checkpoint: 4, Target: 10, Tip: 10})
	require.NoError(t, err)
	require.Equal(t, stagedsync.ExecOutput{BlockReached: 8}, out)

	out, err = execute(t, db, s, stagedsync.ExecInput{Checkpoint: 8, Target: 10, Tip: 10})
	require.NoError(t, err)
	require.Equal(t, stagedsync.ExecOutput{BlockReached: 10, Done: true, ReachedChainTip: true}, out)

	require.NoError(t, storage.View(ctx, db, func(tx storage.Tx) error {
		for h := uint64(0); h <= 10; h++ {
			hash, err := CanonicalHash(ctx, tx, h)
			require.NoError(t, err)
			require.Equal(t, chain[h].Hash(), hash)

			header, err := ReadHeader(ctx, tx, h)
			require.NoError(t, err)
			require.Equal(t, chain[h].Hash(), header.Hash())
		}
		_, err := ReadHeader(ctx, tx, 11)
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestExecuteRejectsWrongNumber(t *testing.T) {
	db := memdb.New()
	chain := makeChain(nil, 4, 0, 'a')
	chain[2] = chain[3]
	s := New(&fakeSource{chain: chain}, 0, log.NewNopLogger())

	_, err := execute(t, db, s, stagedsync.ExecInput{Checkpoint: 0, Target: 3, Tip: 3})
	require.ErrorContains(t, err, "fetching header 2")
	require.False(t, stagedsync.IsInvalidState(err))
}

func TestExecuteDetectsReorg(t *testing.T) {
	db := memdb.New()
	chainA := makeChain(nil, 6, 0, 'a')
	source := &fakeSource{chain: chainA}
	s := New(source, 0, log.NewNopLogger())

	_, err := execute(t, db, s, stagedsync.ExecInput{Checkpoint: 0, Target: 5, Tip: 5})
	require.NoError(t, err)

	source.setChain(makeChain(chainA, 9, 4, 'b'))
	_, err = execute(t, db, s, stagedsync.ExecInput{Checkpoint: 5, Target: 8, Tip: 8})
	require.True(t, stagedsync.IsInvalidState(err))

	var ise *stagedsync.InvalidStateError
	require.ErrorAs(t, err, &ise)
	require.EqualValues(t, 5, *ise.BadBlock)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()
	chain := makeChain(nil, 6, 0, 'a')
	s := New(&fakeSource{chain: chain}, 0, log.NewNopLogger())

	_, err := execute(t, db, s, stagedsync.ExecInput{Checkpoint: 0, Target: 5, Tip: 5})
	require.NoError(t, err)

	require.NoError(t, storage.Update(ctx, db, func(tx storage.RwTx) error {
		out, err := s.Rollback(ctx, tx, stagedsync.RollbackInput{CurrentBlock: 5, TargetBlock: 2})
		require.Equal(t, stagedsync.RollbackOutput{BlockReached: 2}, out)
		return err
	}))

	require.NoError(t, storage.View(ctx, db, func(tx storage.Tx) error {
		_, err := CanonicalHash(ctx, tx, 2)
		require.NoError(t, err)
		for h := uint64(3); h <= 5; h++ {
			_, err := CanonicalHash(ctx, tx, h)
			require.ErrorIs(t, err, storage.ErrNotFound)
			_, err = ReadHeader(ctx, tx, h)
			require.ErrorIs(t, err, storage.ErrNotFound)
		}
		return nil
	}))
}

func TestPipelineRecoversFromReorg(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()
	chainA := makeChain(nil, 6, 0, 'a')
	source := &fakeSource{chain: chainA}

	p := stagedsync.New(stagedsync.Config{}, db, tip.Fixed(5), log.NewNopLogger()).
		PushStage(New(source, 0, log.NewNopLogger()), false)
	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	chainB := makeChain(chainA, 9, 4, 'b')
	source.setChain(chainB)
	stop := uint64(8)
	p2 := stagedsync.New(stagedsync.Config{StopSyncAfterReachingBlock: &stop, ExitAfterSync: true}, db, tip.Fixed(8), log.NewNopLogger()).
		PushStage(New(source, 0, log.NewNopLogger()), false)
	require.NoError(t, p2.Run(ctx))

	require.NoError(t, storage.View(ctx, db, func(tx storage.Tx) error {
		for h := uint64(0); h <= 8; h++ {
			hash, err := CanonicalHash(ctx, tx, h)
			require.NoError(t, err)
			require.Equal(t, chainB[h].Hash(), hash, "height %d", h)
		}
		return nil
	}))
}
