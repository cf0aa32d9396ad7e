// Command pagestore_cli inspects and drives a page store directory.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sushant-115/pagestore/config"
	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/storage_engine/pagefile"
	"github.com/sushant-115/pagestore/core/storage_engine/store"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
	"go.uber.org/zap"
)

const version = "0.1.0"

// CLI defines the command-line interface.
var CLI struct {
	Config string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	Dir    string `name:"dir" short:"d" help:"Store directory, overrides the configuration" type:"path"`

	Stats      StatsCmd      `cmd:"" help:"Print page file and destination statistics"`
	Compact    CompactCmd    `cmd:"" help:"Flush, compact and checkpoint, then remove unreferenced journal files"`
	Checkpoint CheckpointCmd `cmd:"" help:"Flush and checkpoint the page file"`
	Backup     BackupCmd     `cmd:"" help:"Checkpoint and copy the store files to another directory"`
	Shell      ShellCmd      `cmd:"" help:"Interactive shell over the store"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// env is what every command runs against.
type env struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *store.Store
	shutdown telemetry.ShutdownFunc
}

func openEnv(overrides ...func(*config.Config)) (*env, error) {
	cfg := config.Default()
	if CLI.Config != "" {
		loaded, err := config.Load(CLI.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if CLI.Dir != "" {
		cfg.Directory = CLI.Dir
	}
	// A one-shot command has nothing to do in the background.
	cfg.CheckpointInterval = 0
	cfg.CleanupInterval = 0
	for _, o := range overrides {
		o(&cfg)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	metrics, err := internaltelemetry.NewPageFileMetrics(tel.Meter)
	if err != nil {
		shutdown(context.Background())
		return nil, err
	}
	s, err := store.Open(cfg, log, pagefile.WithMetrics(metrics), pagefile.WithTracer(tel.Tracer))
	if err != nil {
		shutdown(context.Background())
		return nil, err
	}
	return &env{cfg: cfg, logger: log, store: s, shutdown: shutdown}, nil
}

func (e *env) close() error {
	err := e.store.Close()
	if serr := e.shutdown(context.Background()); serr != nil && err == nil {
		err = serr
	}
	e.logger.Sync()
	return err
}

func printStats(s *store.Store) error {
	pf := s.PageFile()
	st := pf.Stats()
	fmt.Printf("state:       %s\n", pf.State())
	fmt.Printf("page size:   %d\n", pf.PageSize())
	fmt.Printf("pages:       %d\n", st.PageCount)
	fmt.Printf("free pages:  %d\n", st.FreePageCount)
	fmt.Printf("disk size:   %d\n", st.DiskSize)
	fmt.Printf("journal:     %v\n", s.Journal().FileIDs())
	names, err := s.Destinations()
	if err != nil {
		return err
	}
	for _, name := range names {
		n, err := s.Count(name)
		if err != nil {
			return err
		}
		fmt.Printf("destination %s: %d messages\n", name, n)
	}
	return nil
}

type StatsCmd struct{}

func (c *StatsCmd) Run() error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	// Make pending frees visible before reporting.
	if err := e.store.Checkpoint(); err != nil {
		return err
	}
	return printStats(e.store)
}

type CompactCmd struct{}

func (c *CompactCmd) Run() error {
	e, err := openEnv(func(cfg *config.Config) { cfg.EnableCompaction = true })
	if err != nil {
		return err
	}
	defer e.close()
	pf := e.store.PageFile()
	if err := pf.Flush(); err != nil {
		return err
	}
	before := pf.Stats()
	start := time.Now()
	if err := e.store.CheckpointCleanup(true); err != nil {
		return err
	}
	after := pf.Stats()
	fmt.Printf("pages %d -> %d, free %d -> %d, disk %d -> %d bytes in %s\n",
		before.PageCount, after.PageCount,
		before.FreePageCount, after.FreePageCount,
		before.DiskSize, after.DiskSize, time.Since(start).Round(time.Millisecond))
	return nil
}

type CheckpointCmd struct{}

func (c *CheckpointCmd) Run() error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	return e.store.Checkpoint()
}

type BackupCmd struct {
	Out         string `arg:"" help:"Destination directory" type:"path"`
	BytesPerSec int64  `name:"rate" help:"Copy rate limit in bytes per second, 0 for unlimited" default:"0"`
}

func (c *BackupCmd) Run() error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	dir := e.cfg.Directory
	// Close unloads cleanly so the copied data file needs no recovery.
	if err := e.close(); err != nil {
		return err
	}

	var files []string
	for _, pattern := range []string{"db.data", "db.free", "db-*.log"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		files = append(files, matches...)
	}
	if err := os.MkdirAll(c.Out, 0755); err != nil {
		return err
	}
	ctx := context.Background()
	for _, src := range files {
		dst := filepath.Join(c.Out, filepath.Base(src))
		sum, err := common.CopyThrottled(ctx, src, dst, c.BytesPerSec)
		if err != nil {
			return fmt.Errorf("copying %s: %w", src, err)
		}
		fmt.Printf("%s  %s\n", hex.EncodeToString(sum), dst)
	}
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("pagestore_cli %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pagestore_cli"),
		kong.Description("Inspect and maintain a page store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
