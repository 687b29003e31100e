// SeqGet downloads numbered file sequences such as img001.jpg ... img999.jpg
// with a bounded pool of concurrent transfers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/seqget-project/seqget/internal/config"
	"github.com/seqget-project/seqget/internal/download"
	"github.com/seqget-project/seqget/internal/logger"
	"github.com/seqget-project/seqget/internal/monitor"
	"github.com/seqget-project/seqget/internal/netutil"
	"github.com/seqget-project/seqget/internal/sequence"
	"github.com/seqget-project/seqget/internal/server"
	"github.com/seqget-project/seqget/internal/shutdown"
	"github.com/seqget-project/seqget/internal/state"
	"github.com/seqget-project/seqget/internal/storage"
	"github.com/seqget-project/seqget/internal/transfer"
	"github.com/seqget-project/seqget/internal/version"
)

const configWatchInterval = 2 * time.Second

type cliOptions struct {
	configPath   string
	sample       string
	sequenceFile string
	out          string
	threads      int
	serve        bool
	save         string
	showVersion  bool
}

func parseFlags(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("seqget", flag.ContinueOnError)
	opts := &cliOptions{}
	fs.StringVar(&opts.configPath, "config", "", "config file (default config/seqget.config.yaml)")
	fs.StringVar(&opts.sample, "sample", "", "sample URL; every digit run becomes a counter")
	fs.StringVar(&opts.sequenceFile, "sequence", "", "sequence file to run")
	fs.StringVar(&opts.out, "out", "", "target directory (default download.directory)")
	fs.IntVar(&opts.threads, "threads", 0, "max concurrent transfers, 1-12")
	fs.BoolVar(&opts.serve, "serve", false, "run the HTTP API alongside")
	fs.StringVar(&opts.save, "save", "", "write the sequence to FILE and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.sample != "" && opts.sequenceFile != "" {
		return nil, errors.New("-sample and -sequence are mutually exclusive")
	}
	if opts.threads < 0 {
		return nil, errors.New("-threads cannot be negative")
	}
	return opts, nil
}

// loadSequence builds the sequence from the flags or the configured sequence file.
// It returns nil when no source is given.
func loadSequence(opts *cliOptions, cfg *config.Config) (*sequence.Sequence, error) {
	var (
		seq *sequence.Sequence
		err error
	)
	switch {
	case opts.sample != "":
		seq = sequence.Parse(opts.sample)
		seq.SetMaxConcurrency(cfg.Download.MaxConcurrent)
	case opts.sequenceFile != "":
		seq, err = sequence.LoadFile(opts.sequenceFile)
	case cfg.Download.SequenceFile != "":
		seq, err = sequence.LoadFile(cfg.Download.SequenceFile)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if opts.threads > 0 {
		seq.SetMaxConcurrency(opts.threads)
	}
	return seq, nil
}

func targetDir(opts *cliOptions, cfg *config.Config) string {
	target := opts.out
	if target == "" {
		target = cfg.Download.Directory
	}
	if abs, err := filepath.Abs(target); err == nil {
		return abs
	}
	return target
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if opts.showVersion {
		fmt.Println(version.GetVersionInfo().FullString())
		return 0
	}

	configMgr := config.NewManager()
	if opts.configPath != "" {
		configMgr = config.NewManagerWithPath(opts.configPath)
	}
	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot load config, using defaults: %v\n", err)
		cfg = config.DefaultConfig()
	}
	serve := opts.serve || cfg.Server.Enabled

	mode := "cli"
	if serve {
		mode = "serve"
	}
	if err := logger.InitLogger(&cfg.Log, mode); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot initialize logger: %v\n", err)
	}
	defer logger.Close()

	seq, err := loadSequence(opts, cfg)
	if err != nil {
		logger.WithError(err).Error("Cannot load sequence")
		return 1
	}

	if opts.save != "" {
		if seq == nil {
			fmt.Fprintln(os.Stderr, "Error: -save needs -sample or -sequence")
			return 2
		}
		if err := sequence.SaveFile(opts.save, seq); err != nil {
			logger.WithError(err).Error("Cannot save sequence")
			return 1
		}
		fmt.Printf("Sequence saved to %s\n", opts.save)
		return 0
	}

	if seq == nil && !serve {
		fmt.Fprintln(os.Stderr, "Error: nothing to do; give -sample, -sequence or -serve")
		return 2
	}

	logger.Infof("SeqGet %s starting", version.GetVersionInfo())
	logger.Infof("Config file: %s", configMgr.GetConfigPath())

	storageMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Cannot open run history")
		return 1
	}
	store := storageMgr.GetStore()

	tr := transfer.NewHTTPTransferer(transfer.Options{
		Timeout:   cfg.Download.TransferTimeout(),
		UserAgent: cfg.Download.UserAgent,
		ChunkSize: cfg.Download.ChunkSize,
	})
	orch := download.NewOrchestrator(tr, download.Options{
		PollInterval:      cfg.Download.PollInterval(),
		DisableRecycling:  !cfg.Download.RecycleSlots,
		RecycleFailed:     cfg.Download.RecycleFailedSlots,
		RequestsPerSecond: cfg.Download.RequestsPerSecond,
		Store:             store,
	})

	target := targetDir(opts, cfg)
	minFree := uint64(cfg.Download.MinFreeMB) * humanize.MiByte
	checkDiskSpace(target, minFree)

	mon := monitor.NewMonitor(monitor.Config{Path: target, MinFree: minFree})
	mon.OnLowSpace(func(usage monitor.DiskUsage) {
		if err := orch.Pause(); err == nil {
			logger.Warnf("Run paused: only %s free on %s", usage.FreeHuman(), usage.Path)
		}
	})

	var srv *server.Server
	if serve {
		srv = server.NewServer(&server.Config{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			DownloadDir:  target,
			SequenceDir:  cfg.Download.SequenceDir,
			SequenceFile: cfg.Download.SequenceFile,
			MinFree:      minFree,
			LogDir:       cfg.Log.Directory,

			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, orch, store, mon)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.NewManager(10 * time.Second)
	shutdownMgr.OnInterrupt(func(count int) {
		if orch.State().IsActive() {
			if count == 1 {
				logger.Info("Cancelling run, press Ctrl+C again to abort")
			} else {
				logger.Warn("Aborting in-flight transfers")
			}
			if err := orch.Cancel(); err == nil {
				return
			}
		}
		cancel()
	})
	if srv != nil {
		shutdownMgr.Register("http-server", srv.Shutdown, shutdown.PriorityCritical)
	}
	shutdownMgr.Register("orchestrator", func(ctx context.Context) error {
		return orch.Close()
	}, shutdown.PriorityHigh)
	shutdownMgr.Register("monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	}, shutdown.PriorityHigh)
	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return storageMgr.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Start()

	if err := mon.Start(); err != nil {
		logger.WithError(err).Warn("Resource monitor not started")
	}

	var progress *progressView
	if seq != nil {
		progress = newProgressView(os.Stderr)
		orch.AddListener(progress.OnEvent)
		if err := orch.Start(seq, target); err != nil {
			shutdownMgr.Shutdown()
			return 1
		}
		fmt.Fprintf(os.Stderr, "Downloading %s into %s with up to %d transfers\n",
			seq.Template(), target, seq.MaxConcurrency())
	}

	if srv != nil {
		if err := srv.Start(); err != nil {
			logger.WithError(err).Error("Cannot start HTTP API")
			orch.Cancel()
			orch.Cancel()
			shutdownMgr.Shutdown()
			return 1
		}
		fmt.Printf("HTTP API: http://%s/api\n", netutil.DisplayAddr(srv.Addr()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		configMgr.WatchConfig(gctx, configWatchInterval, func(c *config.Config, err error) {
			if err != nil {
				logger.WithError(err).Warn("Config reload failed")
				return
			}
			if !orch.State().IsActive() {
				return
			}
			if applied, err := orch.SetMaxConcurrency(c.Download.MaxConcurrent); err == nil {
				logger.Infof("Concurrency set to %d from config", applied)
			}
		})
		return nil
	})

	if seq != nil {
		g.Go(func() error {
			if err := orch.Wait(gctx); err != nil {
				return nil
			}
			progress.Finish()
			if !serve {
				cancel()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("SeqGet stopped with error")
	}

	// interrupted without a graceful cancel: drop whatever is still running
	if orch.State().IsActive() {
		orch.Cancel()
		orch.Cancel()
	}
	shutdownMgr.Shutdown()

	if seq == nil {
		return 0
	}
	return summarize(orch.Status())
}

func checkDiskSpace(target string, minFree uint64) {
	usage, err := monitor.DiskSpace(target)
	if err != nil {
		logger.WithError(err).Warn("Cannot read free disk space")
		return
	}
	if minFree > 0 && usage.Free < minFree {
		logger.Warnf("Only %s free on %s, below the configured minimum of %s",
			usage.FreeHuman(), usage.Path, humanize.IBytes(minFree))
		return
	}
	logger.Debugf("%s free on %s", usage.FreeHuman(), usage.Path)
}

func summarize(st download.Status) int {
	fmt.Fprintf(os.Stderr, "Run %s: %d downloaded, %d failed, %d empty, %d cancelled, %s\n",
		st.StateName, st.Done, st.Failed, st.Empty, st.Cancelled,
		humanize.IBytes(uint64(st.BytesReceived)))

	if st.State == state.StateStoppedDueErrors {
		return 1
	}
	return 0
}
