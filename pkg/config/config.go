// Package config holds the functional-option configuration surface for a
// Storage and the YAML-backed parser for a variable's opaque configuration
// string. The option shape (a generic-free Option func(*Server)) follows
// the teacher's pkg/config.go pattern: all fields default sensibly,
// options only capture pointers to external collaborators (registry,
// logger), and validation happens once in Build rather than scattered
// across setters.
//
// © 2025 embedshard authors. MIT License.
package config

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Voskan/embedshard/internal/optimizer"
	"github.com/Voskan/embedshard/internal/variable"
)

// Server bundles every knob that influences a Storage's behavior. Callers
// normally shape it through Option.
type Server struct {
	ShardNum    int32
	DataDir     string
	DRAMBudget  int64
	Registry    *prometheus.Registry
	Logger      *zap.Logger
	AsyncWorkers int
	NodeID      int

	// PersistPendingWindow mirrors PmemEmbeddingOptimizerVariable::
	// persist_config's persist_pending_window parameter. It is stored only:
	// no component reads it, and persistent tables never force a flush
	// based on it.
	PersistPendingWindow int
}

// Option mutates a Server under construction.
type Option func(*Server)

// WithShardNum sets the number of shards the storage will own.
func WithShardNum(n int32) Option { return func(s *Server) { s.ShardNum = n } }

// WithDataDir sets the root directory persistent tables create their
// badger stores under.
func WithDataDir(dir string) Option { return func(s *Server) { s.DataDir = dir } }

// WithDRAMBudget sets the DRAM byte budget given to each variable's table
// pool and, separately, to its new-weights side table on every shard. It is
// not a total: every such pool gets its own budget of this size.
func WithDRAMBudget(bytes int64) Option { return func(s *Server) { s.DRAMBudget = bytes } }

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (default).
func WithMetrics(reg *prometheus.Registry) Option { return func(s *Server) { s.Registry = reg } }

// WithLogger plugs an external zap.Logger; the engine only logs variable
// initialization, never the hot path.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.Logger = l
		}
	}
}

// WithAsyncWorkers overrides the async admission pool's worker count
// (default: GOMAXPROCS).
func WithAsyncWorkers(n int) Option { return func(s *Server) { s.AsyncWorkers = n } }

// WithPersistPendingWindow sets Server.PersistPendingWindow, which no
// component reads.
func WithPersistPendingWindow(n int) Option { return func(s *Server) { s.PersistPendingWindow = n } }

// WithNodeID sets this node's id, used to name checkpoint dump files.
func WithNodeID(id int) Option { return func(s *Server) { s.NodeID = id } }

func defaultServer() *Server {
	return &Server{
		ShardNum:             1,
		DataDir:              "./embedshard-data",
		DRAMBudget:           1 << 30,
		Logger:               zap.NewNop(),
		PersistPendingWindow: 2,
	}
}

var (
	errInvalidShardNum = errors.New("shard num must be > 0")
	errInvalidDataDir  = errors.New("data dir must not be empty")
)

// Build applies opts over the defaults and validates the result.
func Build(opts ...Option) (*Server, error) {
	s := defaultServer()
	for _, opt := range opts {
		opt(s)
	}
	if s.ShardNum <= 0 {
		return nil, errInvalidShardNum
	}
	if s.DataDir == "" {
		return nil, errInvalidDataDir
	}
	return s, nil
}

// Variable is the typed, parsed form of a variable's opaque YAML
// configuration string (spec §6's "treat variable_config as an opaque
// key/value map").
type Variable struct {
	Table       string             `yaml:"table"`
	Optimizer   string             `yaml:"optimizer"`
	Initializer string             `yaml:"initializer"`
	Meta        variable.Meta      `yaml:"-"`
	DType          string          `yaml:"dtype"`
	EmbeddingDim   int             `yaml:"embedding_dim"`
	VocabularySize uint64          `yaml:"vocabulary_size"`
	OptimizerParams   map[string]float64 `yaml:"optimizer_params"`
	InitializerParams map[string]float64 `yaml:"initializer_params"`
	MessageCompress   string             `yaml:"message_compress"`
	PmemPoolPath      string             `yaml:"pmem_pool_path"`
	Checkpoint        int64              `yaml:"checkpoint"`
}

// ParseVariable decodes a variable's opaque configuration string.
func ParseVariable(raw string) (*Variable, error) {
	var v Variable
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	dt := variable.Float32
	if v.DType == "float64" || v.DType == "double" {
		dt = variable.Float64
	}
	v.Meta = variable.Meta{DataType: dt, EmbeddingDim: v.EmbeddingDim, VocabularySize: v.VocabularySize}
	return &v, nil
}

// IsFloat64 reports whether the variable was configured for float64 weights.
func (v *Variable) IsFloat64() bool { return v.Meta.DataType == variable.Float64 }

// DumpVariable re-serializes v, used by persist_config/dump_config to
// round-trip the configuration alongside a checkpoint.
func DumpVariable(v *Variable) (string, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OptimizerConfig converts the parsed optimizer_params map into the loose
// Config type internal/optimizer.New consumes.
func (v *Variable) OptimizerConfig() optimizer.Config { return optimizer.Config(v.OptimizerParams) }

// InitializerConfig converts the parsed initializer_params map into the
// loose Config type internal/optimizer.NewInitializer consumes.
func (v *Variable) InitializerConfig() optimizer.Config { return optimizer.Config(v.InitializerParams) }

// IsPersistent reports whether Table names a persistent backend.
func (v *Variable) IsPersistent() bool { return v.Table == "pmem" || v.Table == "persistent" }
