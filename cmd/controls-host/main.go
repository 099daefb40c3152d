package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("controls-host v%s\n", version)
	fmt.Println("Remote-control client: applies server commands as local input and volume changes")
}

func printUsage(flagSet *pflag.FlagSet) {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  controls-host [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Keeps a connection to the command server, requests commands one at a")
	fmt.Println("  time and applies them: media keys, keyboard and mouse injection through")
	fmt.Println("  uinput, and volume changes through CamillaDSP or PulseAudio.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Print(flagSet.FlagUsages())
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Printf("  %s - server address when server.address is not set\n", envServerAddress)
	fmt.Printf("  %s              - identity when server.identity is not set\n", envHostName)
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run with a config file")
	fmt.Println("  controls-host --config /etc/controls-host/config.yaml")
	fmt.Println()
	fmt.Println("  # Dry run: log input instead of injecting it, keep volume in memory")
	fmt.Println("  controls-host --address 127.0.0.1:7000 --identity desk --input-backend log --volume-backend memory")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The uinput backend needs write access to /dev/uinput")
	fmt.Println("  - A second SIGINT/SIGTERM exits immediately without a clean disconnect")
	fmt.Println()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     string
		address        string
		identity       string
		frameKind      string
		pollIntervalMS int
		volumeBackend  string
		minDB          float64
		maxDB          float64
		camillaWsURL   string
		pulseSink      string
		inputBackend   string
		ipcSocket      string
		metricsListen  string
		logLevelStr    string
		logFormatStr   string
		showVersion    bool
		showHelp       bool
	)

	flagSet := pflag.NewFlagSet("controls-host", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or TOML config file")
	flagSet.StringVar(&address, "address", "", "command server address host:port")
	flagSet.StringVar(&identity, "identity", "", "host identity sent in the handshake")
	flagSet.StringVar(&frameKind, "frame-kind", string(FrameJSON), "response framing: json|fixed")
	flagSet.IntVar(&pollIntervalMS, "poll-interval-ms", 0, "sleep between empty polls in ms")
	flagSet.StringVar(&volumeBackend, "volume-backend", VolumeBackendCamillaDSP, "volume backend: camilladsp|pulse|memory")
	flagSet.Float64Var(&minDB, "min-db", -65.0, "volume range floor in dB")
	flagSet.Float64Var(&maxDB, "max-db", 0.0, "volume range ceiling in dB")
	flagSet.StringVar(&camillaWsURL, "camilladsp-ws-url", "ws://127.0.0.1:1234", "CamillaDSP websocket URL")
	flagSet.StringVar(&pulseSink, "pulse-sink", "", "PulseAudio sink name (default sink when empty)")
	flagSet.StringVar(&inputBackend, "input-backend", InputBackendUinput, "input backend: uinput|log")
	flagSet.StringVar(&ipcSocket, "ipc-socket", "/tmp/controls-host.sock", "Unix domain socket path for IPC")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "metrics/health listen address (disabled when empty)")
	flagSet.StringVar(&logLevelStr, "log-level", "info", "log level: error, warn, info, debug")
	flagSet.StringVar(&logFormatStr, "log-format", "text", "log format: text|json")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "print this help message")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flagSet)
			return nil
		}
		return err
	}
	if showHelp {
		printUsage(flagSet)
		return nil
	}
	if showVersion {
		printVersion()
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	// Defaults -> file -> env -> flags -> validate.
	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)

	var o FlagOverrides
	if flagSet.Changed("address") {
		o.ServerAddress = &address
	}
	if flagSet.Changed("identity") {
		o.ServerIdentity = &identity
	}
	if flagSet.Changed("frame-kind") {
		o.ServerFrameKind = &frameKind
	}
	if flagSet.Changed("poll-interval-ms") {
		o.PollIntervalMS = &pollIntervalMS
	}
	if flagSet.Changed("volume-backend") {
		o.VolumeBackend = &volumeBackend
	}
	if flagSet.Changed("min-db") {
		o.VolumeMinDB = &minDB
	}
	if flagSet.Changed("max-db") {
		o.VolumeMaxDB = &maxDB
	}
	if flagSet.Changed("camilladsp-ws-url") {
		o.CamillaWsURL = &camillaWsURL
	}
	if flagSet.Changed("pulse-sink") {
		o.PulseSink = &pulseSink
	}
	if flagSet.Changed("input-backend") {
		o.InputBackend = &inputBackend
	}
	if flagSet.Changed("ipc-socket") {
		o.IPCSocketPath = &ipcSocket
	}
	if flagSet.Changed("metrics-listen") {
		o.MetricsListen = &metricsListen
	}
	if flagSet.Changed("log-level") {
		o.LogLevel = &logLevelStr
	}
	if flagSet.Changed("log-format") {
		o.LogFormat = &logFormatStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logFormat, _ := parseLogFormat(cfg.Logging.Format)
	logger := setupLogger(os.Stdout, logLevel, logFormat)

	return runDaemon(cfg, logger)
}

// runDaemon owns every long-lived resource and returns once the reconnect
// loop has stopped and the local servers have shut down.
func runDaemon(cfg Config, logger *slog.Logger) error {
	logger.Debug("starting controls-host", "version", version)

	endpoint, rng, err := openEndpoint(cfg.Volume, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := endpoint.Close(); err != nil {
			logger.Warn("close volume endpoint", "error", err)
		}
	}()

	if db, err := endpoint.GetLevel(); err != nil {
		logger.Warn("could not read current volume", "error", err)
	} else {
		logger.Info("current volume", "db", db, "fraction", ToFraction(VolumeLog(db), rng))
	}

	injector, err := openInjector(cfg.Input, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := injector.Close(); err != nil {
			logger.Warn("close input injector", "error", err)
		}
	}()

	metrics := NewMetrics()
	tracker := NewStatusTracker()
	dispatcher := NewDispatcher(injector, endpoint, rng, logger, metrics)
	canceller := NewCanceller()

	// First signal requests a clean disconnect; the second exits immediately.
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		sig := <-sigc
		logger.Info("shutting down", "signal", sig.String())
		canceller.Cancel()
		sig = <-sigc
		logger.Warn("forced exit", "signal", sig.String())
		os.Exit(130)
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// A failing local server takes the daemon down too.
	go func() {
		<-gctx.Done()
		canceller.Cancel()
	}()

	loop := NewReconnectLoop(cfg.Server.SessionConfig(), cfg.Reconnect.Backoff(), canceller, dispatcher, tracker, logger, metrics)
	g.Go(func() error {
		defer stop()
		return loop.Run()
	})

	if cfg.IPC.Enabled {
		ipc := NewIPCServer(cfg.Server.Identity, dispatcher, tracker, logger, metrics)
		socketPath := ExpandPath(cfg.IPC.SocketPath)
		g.Go(func() error {
			return ipc.Serve(gctx, socketPath)
		})
	}

	if cfg.Metrics.Listen != "" {
		feed := NewStateFeed(64, logger)
		tracker.SetFeed(feed)
		dispatcher.SetFeed(feed)

		stream := NewStateStream(cfg.Server.Identity, tracker, dispatcher, logger)
		g.Go(func() error {
			stream.Run(gctx, feed)
			return nil
		})

		handler := newHTTPHandler(metrics, tracker, cfg.Server.Identity, stream)
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.Metrics.Listen, handler, logger)
		})
	}

	logger.Info("running",
		"server", cfg.Server.Address,
		"identity", cfg.Server.Identity,
		"frame_kind", cfg.Server.FrameKind,
		"volume_backend", cfg.Volume.Backend,
		"input_backend", cfg.Input.Backend,
		"ipc", cfg.IPC.Enabled,
		"metrics", cfg.Metrics.Listen)

	return g.Wait()
}
