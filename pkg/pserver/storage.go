// Package pserver exposes the transport-agnostic server surface: the
// read_only_pull/pull/push/store/init/dump/load/restore operations as
// methods on Storage, plus the client-shaping helpers (ShapePullRequest/
// ShapePushRequest) a real transport (gRPC, net/rpc, the bundled
// pkg/httpapi) wires up. Every method here takes and returns plain Go
// structs, never a concrete transport type, matching how the teacher keeps
// examples/disk_eject's net/http handlers thin wrappers around a
// transport-free cache.
//
// © 2025 embedshard authors. MIT License.
package pserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/embedshard/internal/asynctask"
	"github.com/Voskan/embedshard/internal/itempool"
	"github.com/Voskan/embedshard/internal/numeric"
	"github.com/Voskan/embedshard/internal/optimizer"
	"github.com/Voskan/embedshard/internal/perrors"
	"github.com/Voskan/embedshard/internal/ptable"
	"github.com/Voskan/embedshard/internal/shard"
	"github.com/Voskan/embedshard/internal/variable"
	"github.com/Voskan/embedshard/internal/voltable"
	"github.com/Voskan/embedshard/pkg/config"
	"github.com/Voskan/embedshard/pkg/metrics"
)

// Storage owns every shard of one node: the batch schedulers, the async
// admission pool they share, and the parsed configuration of every
// variable initialized on this node.
type Storage struct {
	cfg       *config.Server
	metrics   metrics.Sink
	asyncPool *asynctask.Pool

	mu        sync.RWMutex
	shards    []*shard.Shard
	varConfig map[uint32]*config.Variable

	// initGroup collapses concurrent Init calls for the same variable id
	// into one build, the same way the reference server's config-driven
	// startup only ever constructs a variable's tables once even when
	// several shard-init RPCs race in.
	initGroup singleflight.Group
}

// Open constructs a Storage with cfg.ShardNum empty shards.
func Open(cfg *config.Server) *Storage {
	shards := make([]*shard.Shard, cfg.ShardNum)
	for i := range shards {
		shards[i] = shard.New(int32(i))
	}
	return &Storage{
		cfg:       cfg,
		metrics:   metrics.New(cfg.Registry),
		asyncPool: asynctask.NewPool(cfg.AsyncWorkers),
		shards:    shards,
		varConfig: make(map[uint32]*config.Variable),
	}
}

// ShardNum reports how many shards this node owns.
func (s *Storage) ShardNum() int32 { return int32(len(s.shards)) }

// Close stops the async pool and every persistent table's badger store.
func (s *Storage) Close() error {
	s.asyncPool.Close()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var firstErr error
	for _, sh := range s.shards {
		for _, v := range sh.Variables() {
			if err := v.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Storage) shardAt(id int32) (*shard.Shard, error) {
	if id < 0 || int(id) >= len(s.shards) {
		return nil, perrors.InvalidID(fmt.Sprintf("unknown shard %d", id))
	}
	return s.shards[id], nil
}

// Init (§6.2 "init") parses a variable's opaque YAML configuration and
// creates its table/optimizer/initializer on every shard this node owns.
// Re-initializing an existing variable id is rejected with InvalidConfig;
// use a category-migration path (not modeled at the RPC boundary) instead.
func (s *Storage) Init(variableID uint32, rawConfig string) error {
	key := strconv.FormatUint(uint64(variableID), 10)
	_, err, _ := s.initGroup.Do(key, func() (any, error) {
		return nil, s.doInit(variableID, rawConfig)
	})
	return err
}

func (s *Storage) doInit(variableID uint32, rawConfig string) error {
	vcfg, err := config.ParseVariable(rawConfig)
	if err != nil {
		return perrors.InvalidConfigf("parse variable config: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.varConfig[variableID]; exists {
		return perrors.InvalidConfigf("variable %d already initialized", variableID)
	}

	for _, sh := range s.shards {
		v, err := newVariable(variableID, vcfg, s.cfg, sh.ID)
		if err != nil {
			return err
		}
		sh.AddVariable(v)
	}
	s.varConfig[variableID] = vcfg
	s.cfg.Logger.Info("variable initialized",
		zap.Uint32("variable_id", variableID),
		zap.String("table", vcfg.Table),
		zap.String("optimizer", vcfg.Optimizer),
		zap.Int("embedding_dim", vcfg.EmbeddingDim))
	return nil
}

// newVariable dispatches on the parsed dtype to instantiate the right
// generic Variable[float32]/Variable[float64] behind the AnyVariable
// boundary the shard scheduler holds.
func newVariable(id uint32, vcfg *config.Variable, scfg *config.Server, shardID int32) (variable.AnyVariable, error) {
	if vcfg.IsFloat64() {
		return buildVariable[float64](id, vcfg, scfg, shardID)
	}
	return buildVariable[float32](id, vcfg, scfg, shardID)
}

func buildVariable[T numeric.Float](id uint32, vcfg *config.Variable, scfg *config.Server, shardID int32) (variable.AnyVariable, error) {
	opt, err := optimizer.New[T](vcfg.Optimizer, vcfg.OptimizerConfig())
	if err != nil {
		return nil, err
	}
	init, err := optimizer.NewInitializer[T](vcfg.Initializer, vcfg.InitializerConfig())
	if err != nil {
		return nil, err
	}
	lineSize := vcfg.Meta.EmbeddingDim + opt.StateDim(vcfg.Meta.EmbeddingDim)

	var tbl variable.Table[T]
	if vcfg.IsPersistent() {
		dir := vcfg.PmemPoolPath
		if dir == "" {
			dir = filepath.Join(scfg.DataDir, fmt.Sprintf("shard-%d", shardID), fmt.Sprintf("variable-%d", id))
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, perrors.Internal("create pool dir", err)
		}
		dramBudget := itempool.NewBudget(scfg.DRAMBudget)
		persistBudget := itempool.NewBudget(0)
		t, err := ptable.Open[T](dir, lineSize, dramBudget, persistBudget)
		if err != nil {
			return nil, err
		}
		tbl = t
	} else {
		budget := itempool.NewBudget(scfg.DRAMBudget)
		tbl = voltable.New[T](vcfg.Meta.VocabularySize, lineSize, budget)
	}

	newWeightsBudget := itempool.NewBudget(scfg.DRAMBudget)
	return variable.New[T](id, vcfg.Meta, tbl, opt, init, newWeightsBudget), nil
}
