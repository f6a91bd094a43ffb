// parhash is a command line front end for a parhash.Store.
//
// Usage:
//
//	parhash [flags]                  Start an interactive session
//	parhash [flags] <command> [args] Run one command and exit
//
// Integer keys and values are stored little endian, truncated or zero
// padded to the configured sizes. Type 'help' in a session for commands.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thepudds/parhash"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parhash:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("parhash", flag.ContinueOnError)
	fs.SetInterspersed(false)
	configPath := fs.StringP("config", "c", "", "JSONC config file")
	fs.Uint32P("max-keys", "n", 0, "slot capacity and largest batch")
	fs.Uint32P("key-size", "k", 0, "key size in bytes, a multiple of 4")
	fs.Uint32P("value-size", "v", 0, "value size in bytes")
	fs.Uint32("kv-pair-size", 0, "slot size in bytes (0 = key+value)")
	fs.Uint32("keys-per-bucket", 0, "expected keys per bucket")
	fs.Float32("occupancy", 0, "expected occupancy per bucket")
	fs.Uint32("num-buckets", 0, "bucket count override")
	fs.String("device", "", "execution device")
	fs.Int("workers", 0, "worker pool size")
	fs.Int("grain", 0, "keys per worker task")
	snapshot := fs.String("snapshot", "", "load this snapshot instead of creating an empty store")
	save := fs.String("save", "", "write a snapshot here on exit")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var store *parhash.Store
	if *snapshot != "" {
		store, err = parhash.LoadSnapshot(*snapshot, parhash.WithLogger(logger))
	} else {
		var cfg parhash.Config
		if cfg, err = loadConfig(*configPath, fs); err != nil {
			return err
		}
		store, err = parhash.New(cfg, parhash.WithLogger(logger))
	}
	if err != nil {
		return err
	}
	defer store.Close()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := parhash.RegisterMetrics(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	r := &repl{store: store, out: os.Stdout}
	if fs.NArg() > 0 {
		_, err = r.exec(strings.Join(fs.Args(), " "))
	} else {
		err = r.Run()
	}
	if err != nil {
		return err
	}

	if *save != "" {
		return store.WriteSnapshot(*save)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
