package shard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/itempool"
	"github.com/Voskan/embedshard/internal/optimizer"
	"github.com/Voskan/embedshard/internal/shard"
	"github.com/Voskan/embedshard/internal/variable"
	"github.com/Voskan/embedshard/internal/voltable"
)

func newTestVariable(t *testing.T, id uint32) variable.AnyVariable {
	t.Helper()
	opt, err := optimizer.New[float32]("default", optimizer.Config{"learning_rate": 1})
	require.NoError(t, err)
	init, err := optimizer.NewInitializer[float32]("constant", nil)
	require.NoError(t, err)
	tbl := voltable.New[float32](100, 2, itempool.NewBudget(0))
	meta := variable.Meta{EmbeddingDim: 2, VocabularySize: 100}
	return variable.New[float32](id, meta, tbl, opt, init, itempool.NewBudget(0))
}

func TestAddVariableAndLookup(t *testing.T) {
	s := shard.New(0)
	v := newTestVariable(t, 1)
	s.AddVariable(v)

	got, ok := s.Variable(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), got.VariableID())

	_, ok = s.Variable(2)
	require.False(t, ok)
}

func TestPullRunsImmediatelyAtCurrentBatch(t *testing.T) {
	s := shard.New(0)
	ran := false
	err := s.Pull(0, func() error { ran = true; return nil })
	require.NoError(t, err)
	require.True(t, ran)
}

func TestPullAheadOfBatchIsDeferredUntilStore(t *testing.T) {
	s := shard.New(0)
	s.AddVariable(newTestVariable(t, 1))

	done := make(chan error, 1)
	go func() {
		done <- s.Pull(1, func() error { return nil })
	}()

	select {
	case <-done:
		t.Fatal("pull for a future batch must not run before Store advances the batch")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Store(nil, nil))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("deferred pull never replayed after Store")
	}
	require.Equal(t, int64(1), s.BatchID())
}

func TestPullTooFarAheadIsRejected(t *testing.T) {
	s := shard.New(0)
	err := s.Pull(2000, func() error { return nil })
	require.Error(t, err)
}

func TestStoreRunsEarlyReturnUnderWriteLock(t *testing.T) {
	s := shard.New(0)
	s.AddVariable(newTestVariable(t, 1))
	calledEarly := false
	require.NoError(t, s.Store(nil, func() { calledEarly = true }))
	require.True(t, calledEarly)
}

func TestVariablesListsEveryRegisteredVariable(t *testing.T) {
	s := shard.New(0)
	s.AddVariable(newTestVariable(t, 1))
	s.AddVariable(newTestVariable(t, 2))
	require.Len(t, s.Variables(), 2)
}
