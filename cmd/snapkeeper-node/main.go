package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/yndnr/snapkeeper/internal/infra/buildinfo"
	"github.com/yndnr/snapkeeper/internal/infra/confloader"
	"github.com/yndnr/snapkeeper/internal/infra/shutdown"
	"github.com/yndnr/snapkeeper/internal/node"
	"github.com/yndnr/snapkeeper/internal/server/config"
	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

const (
	shutdownTimeout = 30 * time.Second

	// peerClientTimeout bounds a whole request, snapshot downloads included.
	peerClientTimeout = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		dataDir     = flag.String("data-dir", "", "Override storage.data_dir")
		rpcAddr     = flag.String("rpc-addr", "", "Override rpc.addr")
		bootstrap   = flag.Bool("bootstrap", false, "Install the agreed snapshot before serving")
		force       = flag.Bool("force-bootstrap", false, "Bootstrap even if the node holds state")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String("snapkeeper-node"))
		return nil
	}

	overrides := map[string]any{}
	if *dataDir != "" {
		overrides["storage.data_dir"] = *dataDir
	}
	if *rpcAddr != "" {
		overrides["rpc.addr"] = *rpcAddr
	}
	if *bootstrap || *force {
		overrides["node.bootstrap"] = true
	}

	loader := newLoader(*configFile, overrides)
	cfg, err := loadConfig(loader)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	log.Info("starting snapkeeper-node",
		"version", buildinfo.Version,
		"config", *configFile,
		"effective", config.Sanitize(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := node.NewPeerClient(cfg, peerClientTimeout)
	if err != nil {
		return fmt.Errorf("peer client: %w", err)
	}

	metrics := metric.NewRegistry()
	n, err := node.Open(ctx, cfg, node.Options{
		Logger:     log,
		Metrics:    metrics,
		HTTPClient: client,
	})
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}

	sh := shutdown.NewHandler(shutdownTimeout, log)
	// hooks run in reverse: stores close after the RPC server drained
	sh.OnShutdown("stores", func(context.Context) error {
		return n.Close()
	})

	if cfg.Node.Bootstrap {
		if _, err := n.Bootstrap(ctx, *force); err != nil {
			n.Close()
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.RPC.Addr)
	if err != nil {
		n.Close()
		return fmt.Errorf("listen %s: %w", cfg.RPC.Addr, err)
	}
	sh.OnShutdown("rpc", n.Shutdown)
	go func() {
		if err := n.Serve(ln); err != nil {
			log.Error("peer rpc server failed", "error", err)
			sh.Trigger("rpc server failed")
		}
	}()

	if stop := watchConfig(loader, log); stop != nil {
		defer stop()
	}

	log.Info("node started, press Ctrl+C to stop", "head", n.Head())
	if err := sh.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("node stopped gracefully")
	return nil
}

func newLoader(configFile string, overrides map[string]any) *confloader.Loader {
	opts := []confloader.Option{confloader.WithOverrides(overrides)}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	return confloader.NewLoader(opts...)
}

// loadConfig loads configuration from file, environment and flags.
func loadConfig(loader *confloader.Loader) (*config.NodeConfig, error) {
	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchConfig applies log level changes from the configuration file
// without a restart. Other settings need a restart.
func watchConfig(loader *confloader.Loader, log *slog.Logger) func() {
	path := loader.FilePath()
	if path == "" {
		return nil
	}
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return nil
	}
	if err := w.Watch(path); err != nil {
		log.Warn("config watcher unavailable", "error", err)
		w.Stop()
		return nil
	}

	w.OnChange(func(string) {
		cfg := config.Default()
		if err := loader.Reload(cfg); err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			log.Warn("config reload: bad log level", "level", cfg.Log.Level, "error", err)
			return
		}
		log.Info("config reloaded", "log_level", cfg.Log.Level)
	})
	w.StartAsync()
	return func() { w.Stop() }
}
