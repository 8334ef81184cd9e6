package pserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Voskan/embedshard/internal/perrors"
	"github.com/Voskan/embedshard/internal/variable"
	"github.com/Voskan/embedshard/pkg/checkpoint"
	"github.com/Voskan/embedshard/pkg/config"
)

// PullRequest asks for the current (or lazily-initialized) weights of Keys
// under VariableID, deferred until the shard's batch reaches BatchID.
type PullRequest struct {
	VariableID uint32
	Keys       []uint64
	BatchID    int64
	ClientMeta variable.Meta
}

// PullResponse carries EmbeddingDim-wide rows concatenated in request order.
type PullResponse struct {
	Weights []float64
}

func (s *Storage) lookupVariable(sh interface {
	Variable(id uint32) (variable.AnyVariable, bool)
}, variableID uint32) (variable.AnyVariable, error) {
	v, ok := sh.Variable(variableID)
	if !ok {
		return nil, perrors.InvalidID(fmt.Sprintf("unknown variable %d", variableID))
	}
	return v, nil
}

// ReadOnlyPull (§6.2 "read_only_pull") returns whatever is currently
// resident for req.Keys without side effects: keys never seen before come
// back as a zero vector instead of being materialized.
func (s *Storage) ReadOnlyPull(shardID int32, req PullRequest) (*PullResponse, error) {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return nil, err
	}
	v, err := s.lookupVariable(sh, req.VariableID)
	if err != nil {
		return nil, err
	}
	if err := v.Meta().CheckEqual(req.ClientMeta); err != nil {
		return nil, err
	}
	s.metrics.IncPullHit(shardID)
	return &PullResponse{Weights: v.ReadOnlyPullF64(req.Keys)}, nil
}

// Pull (§6.2 "pull") runs the variable's full PullWeights cycle (lazily
// initializing unseen keys) once the shard's batch reaches req.BatchID,
// deferring via the shard scheduler's pending queue otherwise.
func (s *Storage) Pull(shardID int32, req PullRequest) (*PullResponse, error) {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return nil, err
	}
	v, err := s.lookupVariable(sh, req.VariableID)
	if err != nil {
		return nil, err
	}
	if err := v.Meta().CheckEqual(req.ClientMeta); err != nil {
		return nil, err
	}

	var resp *PullResponse
	err = sh.Pull(req.BatchID, func() error {
		weights, err := v.PullWeightsF64(req.Keys)
		if err != nil {
			return err
		}
		resp = &PullResponse{Weights: weights}
		return nil
	})
	if err != nil {
		s.metrics.IncPullMiss(shardID)
		return nil, err
	}
	s.metrics.IncPullHit(shardID)
	return resp, nil
}

// PushRequest enqueues one reduced-gradient block for a variable, to be
// folded in by the next Store call on its shard.
type PushRequest struct {
	VariableID uint32
	Keys       []uint64
	Gradients  []float64
	Counts     []uint64
	BatchID    int64
	Payload    []byte // held via Shard.Hold until Store; zero-copy wire buffer
}

// Push (§6.2 "push") enqueues req's gradients against their variable's MPSC
// reducer; they are applied on the shard's next Store call.
func (s *Storage) Push(shardID int32, req PushRequest) error {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return err
	}
	v, err := s.lookupVariable(sh, req.VariableID)
	if err != nil {
		return err
	}
	if req.Payload != nil {
		s.mu.RLock()
		codec := ""
		if vcfg, ok := s.varConfig[req.VariableID]; ok {
			codec = vcfg.MessageCompress
		}
		s.mu.RUnlock()
		payload, err := decodePayload(req.Payload, codec)
		if err != nil {
			return err
		}
		sh.Hold(payload)
	}
	return v.PushGradientsF64(req.Keys, req.Gradients, req.Counts)
}

// Store (§6.2 "store") runs one store/update cycle on shardID: drains async
// admission, folds every variable's pushed gradients, advances the batch,
// and replays deferred pulls. earlyReturn (optional) runs under the
// shard's write lock before the (potentially slow) per-variable update
// loop, letting a transport ack the client early.
func (s *Storage) Store(shardID int32, earlyReturn func()) error {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return err
	}
	return sh.Store(s.asyncPool, earlyReturn)
}

// PersistDue reports, per variable on shardID, whether it has DRAM-resident
// rows waiting on a checkpoint flush, used by a scheduler deciding when to
// call PersistCheckpoint.
func (s *Storage) PersistDue(shardID int32) (map[uint32]bool, error) {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]bool)
	for _, v := range sh.Variables() {
		out[v.VariableID()] = v.ShouldPersist()
	}
	return out, nil
}

// PersistCheckpoint drives one checkpoint commit/flush cycle for variableID
// on shardID, a no-op returning (0, nil) for volatile variables.
func (s *Storage) PersistCheckpoint(shardID int32, variableID uint32) (int, error) {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return 0, err
	}
	v, err := s.lookupVariable(sh, variableID)
	if err != nil {
		return 0, err
	}
	return v.PersistCheckpoint()
}

// Dump (§6.2 "dump") writes one checkpoint file per shard this node owns
// under dir, each containing every variable's rows, plus a model_meta.json
// manifest. Matches spec.md §6's "<uri>/model_<node_id>_<file_id>" naming,
// one file per shard (file_id == shard id).
func (s *Storage) Dump(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perrors.Internal("create dump dir", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]string, len(s.shards))
	var g errgroup.Group
	for i, sh := range s.shards {
		i, sh := i, sh
		name := checkpoint.ShardFileName(s.cfg.NodeID, int(sh.ID))
		files[i] = name
		g.Go(func() error {
			return dumpShard(filepath.Join(dir, name), sh)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return checkpoint.WriteModelMeta(dir, files)
}

func dumpShard(path string, sh interface {
	Variables() []variable.AnyVariable
}) error {
	f, err := os.Create(path)
	if err != nil {
		return perrors.Internal("create shard dump file", err)
	}
	defer f.Close()

	for _, v := range sh.Variables() {
		meta := v.Meta()
		cfgStr, _ := config.DumpVariable(&config.Variable{
			EmbeddingDim:   meta.EmbeddingDim,
			VocabularySize: meta.VocabularySize,
		})
		sm := checkpoint.ShardMeta{
			VariableID:   v.VariableID(),
			EmbeddingDim: int32(meta.EmbeddingDim),
			StateDim:     int32(v.LineSize() - meta.EmbeddingDim),
			VocabularySize: meta.VocabularySize,
			Config:       cfgStr,
		}
		src := &rowBuffer{}
		v.DumpRowsF64(func(key uint64, line []float64) {
			src.keys = append(src.keys, key)
			src.rows = append(src.rows, line)
		})
		sm.NumItems = int64(len(src.keys))
		if err := checkpoint.WriteShard(f, sm, src); err != nil {
			return perrors.Internal("write shard checkpoint", err)
		}
	}
	return nil
}

type rowBuffer struct {
	keys []uint64
	rows [][]float64
	pos  int
}

func (r *rowBuffer) ReadItem() (uint64, []float64, bool) {
	if r.pos >= len(r.keys) {
		return 0, nil, false
	}
	k, row := r.keys[r.pos], r.rows[r.pos]
	r.pos++
	return k, row, true
}

// Load (§6.2 "load") reads back every shard file Dump wrote from dir,
// writing rows into the matching already-initialized variable on each
// shard. Variables must already exist (via Init) with matching ids; rows
// for unknown variable ids are skipped silently, not an error, so a
// partial restore onto a smaller variable set still succeeds.
func (s *Storage) Load(dir string) error {
	meta, err := checkpoint.ReadModelMeta(dir)
	if err != nil {
		return perrors.Internal("read model meta", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var g errgroup.Group
	for i, name := range meta.Files {
		if i >= len(s.shards) {
			break
		}
		i, name := i, name
		g.Go(func() error {
			return loadShardFile(filepath.Join(dir, name), s.shards[i])
		})
	}
	return g.Wait()
}

func loadShardFile(path string, sh interface {
	Variable(id uint32) (variable.AnyVariable, bool)
}) error {
	f, err := os.Open(path)
	if err != nil {
		return perrors.Internal("open shard dump file", err)
	}
	defer f.Close()

	for {
		meta, err := checkpoint.ReadMeta(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return perrors.Internal("read shard checkpoint meta", err)
		}
		v, ok := sh.Variable(meta.VariableID)
		err = checkpoint.ReadBlocks[float64](f, meta, func(key uint64, line []float64) error {
			if ok {
				v.LoadRowF64(key, line)
			}
			return nil
		})
		if err != nil {
			return perrors.Internal("read shard checkpoint blocks", err)
		}
	}
}

// Restore (§6.2 "restore") is Load scoped to a single variable id, used to
// reload one variable from a Dump directory without replaying the whole
// node's dump.
func (s *Storage) Restore(shardID int32, variableID uint32, dir string) error {
	sh, err := s.shardAt(shardID)
	if err != nil {
		return err
	}
	v, err := s.lookupVariable(sh, variableID)
	if err != nil {
		return err
	}
	name := checkpoint.ShardFileName(s.cfg.NodeID, int(shardID))
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return perrors.Internal("open shard dump file", err)
	}
	defer f.Close()
	for {
		meta, err := checkpoint.ReadMeta(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return perrors.Internal("read shard checkpoint meta", err)
		}
		match := meta.VariableID == variableID
		err = checkpoint.ReadBlocks[float64](f, meta, func(key uint64, line []float64) error {
			if match {
				v.LoadRowF64(key, line)
			}
			return nil
		})
		if err != nil {
			return perrors.Internal("read shard checkpoint blocks", err)
		}
		if match {
			return nil
		}
	}
}
