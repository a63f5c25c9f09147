package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"cowkv/compression"
	"cowkv/engine"
	"cowkv/files"
)

// backendFlag and the other flag types let pflag validate names at parse
// time.
type backendFlag struct{ v files.Backend }

func (f *backendFlag) String() string { return f.v.String() }
func (f *backendFlag) Type() string   { return "backend" }
func (f *backendFlag) Set(s string) error {
	b, err := files.ParseBackend(s)
	if err != nil {
		return err
	}
	f.v = b
	return nil
}

type compressionFlag struct{ v compression.Strategy }

func (f *compressionFlag) String() string { return f.v.String() }
func (f *compressionFlag) Type() string   { return "strategy" }
func (f *compressionFlag) Set(s string) error {
	c, err := compression.Parse(s)
	if err != nil {
		return err
	}
	f.v = c
	return nil
}

type levelFlag struct{ v slog.Level }

func (f *levelFlag) String() string { return strings.ToLower(f.v.String()) }
func (f *levelFlag) Type() string   { return "level" }
func (f *levelFlag) Set(s string) error {
	return f.v.UnmarshalText([]byte(s))
}

var (
	_ pflag.Value = (*backendFlag)(nil)
	_ pflag.Value = (*compressionFlag)(nil)
	_ pflag.Value = (*levelFlag)(nil)
)

type options struct {
	dir         string
	backend     backendFlag
	compression compressionFlag
	level       levelFlag
	noSync      bool
}

var opts options

func defaultOptions() options {
	return options{
		backend:     backendFlag{files.Disk},
		compression: compressionFlag{compression.Snappy},
		level:       levelFlag{slog.LevelWarn},
	}
}

// config maps the persistent flags onto an engine configuration. dir
// overrides --dir when set.
func (o *options) config(dir string) *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Dir = o.dir
	if dir != "" {
		cfg.Dir = dir
	}
	cfg.Backend = o.backend.v
	cfg.Compression = o.compression.v
	cfg.SyncWrites = !o.noSync
	// One-shot commands compact explicitly.
	cfg.DisableCompactor = true
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: o.level.v}))
	return cfg
}

func (o *options) open() (*engine.DB, error) {
	if o.dir == "" && o.backend.v != files.Memory {
		return nil, errors.New("--dir is required")
	}
	if o.dir != "" {
		if err := os.MkdirAll(o.dir, 0755); err != nil {
			return nil, errors.Wrap(err, "cannot create data directory")
		}
	}
	return engine.Open(o.config(""))
}

// withDB opens the store for the duration of fn.
func withDB(fn func(db *engine.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		db, err := opts.open()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := db.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(db, args)
	}
}

func newRootCmd() *cobra.Command {
	opts = defaultOptions()
	root := &cobra.Command{
		Use:           "cowkv-cli",
		Short:         "CLI for a copy-on-write B-tree key-value store",
		Long:          "cowkv-cli reads and writes a cowkv store, compacts and verifies it, or runs an interactive shell.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.dir, "dir", "d", "", "store directory")
	pf.Var(&opts.backend, "backend", "segment backend: disk, mmap or memory")
	pf.Var(&opts.compression, "compression", "blob compression for a new store: none, zlib, snappy or zstd")
	pf.Var(&opts.level, "log-level", "log level: debug, info, warn or error")
	pf.BoolVar(&opts.noSync, "no-sync", false, "skip fsync on commit")

	root.AddCommand(
		putCmd(),
		getCmd(),
		deleteCmd(),
		scanCmd(),
		countCmd(),
		compactCmd(),
		verifyCmd(),
		statsCmd(),
		shellCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
