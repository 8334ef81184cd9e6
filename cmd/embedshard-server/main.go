package main

// cmd/embedshard-server/main.go boots one node: a pserver.Storage plus its
// HTTP control plane, adapted from the teacher's examples/basic main.go
// (Prometheus registry + net/http.ServeMux, no framework).
//
// Run:
//   go run ./cmd/embedshard-server -addr :7070 -shards 4 -data ./data
// Then:
//   curl -X POST localhost:7070/models -d '{"variable_id":1,"config":"table: dram\noptimizer: adam\ninitializer: uniform\nembedding_dim: 16\nvocabulary_size: 100000\n"}'
//   curl localhost:7070/debug/embedshard/snapshot
//
// © 2025 embedshard authors. MIT License.

import (
	"flag"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Voskan/embedshard/pkg/config"
	"github.com/Voskan/embedshard/pkg/httpapi"
	"github.com/Voskan/embedshard/pkg/pserver"
)

func main() {
	addr := flag.String("addr", ":7070", "HTTP listen address")
	shards := flag.Int("shards", 4, "number of shards this node owns")
	dataDir := flag.String("data", "./embedshard-data", "persistent table data directory")
	dramBudget := flag.Int64("dram-budget", 1<<30, "DRAM budget in bytes")
	nodeID := flag.Int("node-id", 0, "this node's id, used to name checkpoint files")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	cfg, err := config.Build(
		config.WithShardNum(int32(*shards)),
		config.WithDataDir(*dataDir),
		config.WithDRAMBudget(*dramBudget),
		config.WithMetrics(reg),
		config.WithLogger(logger),
		config.WithNodeID(*nodeID),
	)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	storage := pserver.Open(cfg)
	defer storage.Close()

	api := httpapi.New(storage, logger)
	mux := http.NewServeMux()
	mux.Handle("/", api)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *addr, Handler: mux}
	logger.Info("embedshard-server listening", zap.String("addr", *addr), zap.Int("shards", *shards))
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
