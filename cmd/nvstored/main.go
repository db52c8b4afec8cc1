// nvstored simulates a device that keeps its settings in one flash page.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/nvstore/internal/errors"
	"github.com/xtxerr/nvstore/internal/logging"
	"github.com/xtxerr/nvstore/internal/radio"
	"github.com/xtxerr/nvstore/internal/storage/config"
	"github.com/xtxerr/nvstore/internal/storage/flash"
	"github.com/xtxerr/nvstore/internal/storage/image"
	"github.com/xtxerr/nvstore/internal/storage/store"
)

// Version is set at build time via ldflags
var Version = "dev"

// statsInterval is how often the poll loop logs store statistics.
const statsInterval = 30 * time.Second

// device is a page simulator: queued I/O plus whole-page access.
type device interface {
	flash.Device
	image.Pages
}

func main() {
	// CLI flags
	var sets assignments
	cfgPath := flag.String("config", "nvstore.yaml", "config file path")
	devPath := flag.String("device", "", "page file path (overrides config)")
	memory := flag.Bool("memory", false, "use an in-memory device")
	reset := flag.Bool("reset", false, "clear all non-permanent values")
	force := flag.Bool("force", false, "force -set past the lock and auto-commit")
	flag.Var(&sets, "set", "update a field, name=value (repeatable)")
	dump := flag.Bool("dump", false, "print committed values and exit")
	exportPath := flag.String("export", "", "write a compressed page image and exit")
	importPath := flag.String("import", "", "restore a page image before boot")
	wear := flag.Float64("wear", 0, "print projected flash wear for N commits/day and exit")
	run := flag.Bool("run", false, "keep running the poll loop after one-shot actions")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *devPath != "" {
		cfg.Device.Kind = config.KindFile
		cfg.Device.Path = *devPath
	}
	if *memory {
		cfg.Device.Kind = config.KindMemory
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.Init(level, cfg.Logging.JSON)
	log := logging.Component("nvstored")
	log.Info("starting", "version", Version, "device", cfg.Device.Kind, "block_size", deviceLayout.BlockSize())

	if *wear > 0 {
		w := cfg.EstimateWear(deviceLayout.BlockSize(), *wear)
		fmt.Print(w.Format())
		return
	}

	// =========================================================================
	// Open device
	// =========================================================================

	dev, err := openDevice(cfg)
	if err != nil {
		log.Error("open device", "error", err)
		os.Exit(1)
	}

	if *importPath != "" {
		if err := importImage(*importPath, dev); err != nil {
			log.Error("import image", "error", err)
			dev.Close()
			os.Exit(1)
		}
		log.Info("image imported", "path", *importPath)
	}

	// =========================================================================
	// Boot store
	// =========================================================================

	r := radio.NewSim()
	r.StartDiscovery()

	s, err := store.New(dev, deviceLayout, store.Options{
		AutoCommit:          cfg.Store.AutoCommit,
		Locked:              cfg.Store.Locked,
		CompletionQueueSize: cfg.Store.CompletionQueueSize,
		Radio:               r,
	})
	if err != nil {
		log.Error("create store", "error", err)
		dev.Close()
		os.Exit(1)
	}
	defer s.Close()

	if err := s.Init(); err != nil {
		log.Error("init store", "error", err)
		s.Close()
		os.Exit(1)
	}

	boots := store.NewField[uint32](deviceLayout, "boot_count", 0)
	boots.Init(s)
	boots.Set(s, boots.Get()+1, false)

	ctx := logging.ContextWithDevice(context.Background(), cfg.Device.Path)
	ctx = logging.ContextWithBoot(ctx, uint64(boots.Get()))
	log = logging.WithContext(ctx).With("component", "nvstored")

	// =========================================================================
	// One-shot actions
	// =========================================================================

	oneShot := *reset || len(sets) > 0 || *dump || *exportPath != ""

	if *reset {
		s.ClearAll()
		log.Info("non-permanent values cleared")
	}

	for _, a := range sets {
		f, buf, err := encodeAssignment(deviceLayout, a)
		if err != nil {
			log.Error("set", "error", err)
			s.Close()
			os.Exit(2)
		}
		if !s.UpdateValue(f.Addr, buf, *force) {
			log.Warn("update rejected, store locked", "field", f.Name)
			continue
		}
		log.Info("field updated", "field", f.Name)
	}

	if err := s.Tasks(); err != nil {
		fatal(s, err)
	}

	if *dump {
		printDump(s)
	}

	if *exportPath != "" {
		if err := s.AwaitIdle(ctx); err != nil {
			log.Error("await idle", "error", err)
		}
		if err := exportImage(*exportPath, dev); err != nil {
			log.Error("export image", "error", err)
			s.Close()
			os.Exit(1)
		}
		log.Info("image exported", "path", *exportPath)
	}

	if oneShot && !*run {
		return
	}

	// =========================================================================
	// Poll loop and signal handling
	// =========================================================================

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Store.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Tasks(); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st := s.Stats()
				log.Info("store stats", "state", s.State(), "commits", st.Commits,
					"skipped", st.SkippedWrites, "commit_p99", st.CommitP99, "failures", st.Failures,
					"queued_events", st.QueuedEvents, "dropped_events", st.DroppedEvents)
			}
		}
	})

	log.Info("running", "poll_interval", cfg.Store.PollInterval)
	if err := g.Wait(); err != nil {
		fatal(s, err)
	}

	log.Info("shutting down")
	if err := s.AwaitIdle(context.Background()); err != nil {
		log.Warn("await idle", "error", err)
	}
}

func openDevice(cfg *config.Config) (device, error) {
	opts := flash.Options{
		QueueSize:    cfg.Device.QueueSize,
		WriteLatency: cfg.Device.WriteLatency,
		FailAfter:    cfg.Device.FailAfter,
	}

	switch cfg.Device.Kind {
	case config.KindMemory:
		return flash.NewMemory(deviceLayout.BlockSize(), opts)
	default:
		return flash.OpenFile(cfg.Device.Path, deviceLayout.BlockSize(), opts)
	}
}

// fatal persists err in the error_message field with an emergency write
// and exits. The record bypasses the checksum, so the next boot falls back
// to the swap image.
func fatal(s *store.Store, err error) {
	logging.Error("fatal", "error", err)

	f := deviceLayout.MustField("error_message")
	record := make([]byte, f.Size)
	copy(record, err.Error())
	if werr := s.EmergencyWrite(f.Addr, record); werr != nil {
		logging.Error("emergency write failed", "error", werr)
	}
	os.Exit(1)
}

func printDump(s *store.Store) {
	st := s.Stats()
	fmt.Printf("state: %s  block: %d bytes  commits: %d  recoveries: %d  cold starts: %d\n\n",
		s.State(), deviceLayout.BlockSize(), st.Commits, st.Recoveries, st.ColdStarts)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tFIELD\tREGION\tSIZE\tVALUE\tRAW")
	for _, f := range deviceLayout.Fields() {
		raw := s.Peek(f.Addr, f.Size)
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%x\n", f.Addr, f.Name, f.Region, f.Size, formatValue(f, raw), raw)
	}
	w.Flush()
}

func exportImage(path string, dev device) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := image.Export(f, dev); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func importImage(path string, dev device) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return image.Import(f, dev)
}
