package main

// cmd/embedshard-ctl/main.go is the inspector CLI for an embedshard-server
// node: it polls /debug/embedshard/snapshot and either pretty-prints it or
// emits raw JSON, with an optional watch loop. Ported from
// cmd/arena-cache-inspect/main.go's shape (flag parsing, periodic fetch,
// SIGINT/SIGTERM handling); the pprof download flags are dropped since
// embedshard-server does not register net/http/pprof.
//
// © 2025 embedshard authors. MIT License.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.target, "target", "http://localhost:7070", "embedshard-server base URL")
	flag.BoolVar(&o.json, "json", false, "emit raw JSON instead of a pretty summary")
	flag.BoolVar(&o.watch, "watch", false, "poll continuously")
	flag.DurationVar(&o.interval, "interval", 2*time.Second, "poll interval in watch mode")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	snap, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}
	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (map[string]any, error) {
	url := base + "/debug/embedshard/snapshot"
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func prettyPrint(data map[string]any) error {
	fmt.Printf("Shards: %v\n", data["shard_num"])
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "embedshard-ctl:", err)
	os.Exit(1)
}
