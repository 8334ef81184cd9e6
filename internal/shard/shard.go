// Package shard implements the per-shard batch scheduler: the ordering
// rule that defers a pull arriving ahead of the shard's current batch until
// Store catches up, and the Store procedure itself (drain async admission,
// lock, update every variable, advance the batch, replay deferred pulls).
// Ports EmbeddingStorage / EmbeddingPullOperator::apply_request /
// EmbeddingStoreOperator from the reference server's server/ package.
//
// © 2025 embedshard authors. MIT License.
package shard

import (
	"sync"
	"sync/atomic"

	"github.com/Voskan/embedshard/internal/asynctask"
	"github.com/Voskan/embedshard/internal/perrors"
	"github.com/Voskan/embedshard/internal/variable"
)

// maxPendingLookahead bounds how many batches ahead of the shard's current
// batch a pull may be buffered for, matching
// EmbeddingPullOperator::apply_request's `delta < 1024` check.
const maxPendingLookahead = 1024

type deferredPull struct {
	work func() error
	done chan error
}

// Shard owns one slice of the key space: a batch counter, the variables
// registered on it, and the queue of pulls waiting for a future batch.
type Shard struct {
	ID int32

	mu      sync.RWMutex // guards variables and serializes Store against Pull/Push
	batchID atomic.Int64

	pendingMu sync.Mutex
	pending   [][]deferredPull

	holdersMu sync.Mutex
	holders   [][]byte

	variables map[uint32]variable.AnyVariable
}

// New constructs an empty shard at batch 0.
func New(id int32) *Shard {
	return &Shard{ID: id, variables: make(map[uint32]variable.AnyVariable)}
}

// BatchID reports the shard's current batch.
func (s *Shard) BatchID() int64 { return s.batchID.Load() }

// AddVariable registers v under its own VariableID.
func (s *Shard) AddVariable(v variable.AnyVariable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[v.VariableID()] = v
}

// Variable looks up a registered variable by id.
func (s *Shard) Variable(id uint32) (variable.AnyVariable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[id]
	return v, ok
}

// Hold retains buf until the next Store call, standing in for the
// reference server's push-buffer holders that keep zero-copy request
// payloads alive until the batch that consumes them commits.
func (s *Shard) Hold(buf []byte) {
	s.holdersMu.Lock()
	s.holders = append(s.holders, buf)
	s.holdersMu.Unlock()
}

// Pull runs work once the shard's batch reaches batchID. If the shard is
// still behind, work is deferred and replayed by a future Store call; Pull
// blocks the caller until the deferred work actually runs. Requests more
// than maxPendingLookahead batches ahead of the shard are rejected.
func (s *Shard) Pull(batchID int64, work func() error) error {
	s.pendingMu.Lock()
	cur := s.batchID.Load()
	if cur < batchID {
		delta := batchID - cur - 1
		if delta >= maxPendingLookahead {
			s.pendingMu.Unlock()
			return perrors.InvalidConfig("request too large version")
		}
		for int64(len(s.pending)) <= delta {
			s.pending = append(s.pending, nil)
		}
		done := make(chan error, 1)
		s.pending[delta] = append(s.pending[delta], deferredPull{work: work, done: done})
		s.pendingMu.Unlock()
		return <-done
	}
	s.pendingMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return work()
}

// Store runs one store/update cycle: wait for in-flight async admission
// work to drain, take the write lock, run an optional early-return hook
// (the server's chance to ack the client before the potentially slow
// per-variable update loop runs), fold every variable's pushed gradients
// in, advance the batch counter, and replay whatever pulls were waiting on
// this batch.
func (s *Shard) Store(pool *asynctask.Pool, earlyReturn func()) error {
	if pool != nil {
		pool.Wait()
	}

	s.mu.Lock()
	if earlyReturn != nil {
		earlyReturn()
	}
	var firstErr error
	for _, v := range s.variables {
		if err := v.UpdateWeights(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()

	s.holdersMu.Lock()
	s.holders = nil
	s.holdersMu.Unlock()

	s.batchID.Add(1)

	s.pendingMu.Lock()
	var replay []deferredPull
	if len(s.pending) > 0 {
		replay = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.pendingMu.Unlock()

	next := s.batchID.Load()
	for _, d := range replay {
		d := d
		go func() {
			d.done <- s.Pull(next, d.work)
		}()
	}
	return firstErr
}

// Variables returns every registered variable, used by checkpoint dump and
// by the HTTP debug snapshot endpoint.
func (s *Shard) Variables() []variable.AnyVariable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]variable.AnyVariable, 0, len(s.variables))
	for _, v := range s.variables {
		out = append(out, v)
	}
	return out
}
