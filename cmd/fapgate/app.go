package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/fapgate"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FAPGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "fapgate")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Root failures are logged, subcommand failures
// are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			if flag := root.Flags().Lookup(name); flag != nil {
				return flag
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if len(sh) != 1 {
			return nil
		}
		if flag := root.Flags().ShorthandLookup(sh); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "-") && arg != "-":
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(arg)
			if flag == nil {
				for _, rest := range args[i+1:] {
					if isSubcommandToken(root, rest) {
						return false
					}
				}
				return true
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := fapgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, fapgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fapgate",
		Short:         "fapgate is the FAP front end: handshake negotiation, transaction routing and conversation resources over TCP",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with an in-memory transaction engine
  fapgate

  # TLS listener, Prometheus metrics and a lower protocol ceiling
  fapgate --tls-cert server.crt --tls-key server.key --metrics-listen :9464 --max-level 12

  # Same settings from the environment
  FAPGATE_LISTEN=:7300 FAPGATE_HEARTBEAT_INTERVAL=1m fapgate
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to fapgate",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg fapgate.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := fapgate.NewServer(cfg, fapgate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.fapgate/"+fapgate.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringP("listen", "l", fapgate.DefaultListen, "TCP listen address")
	flags.String("tls-cert", "", "PEM certificate for the listener (requires --tls-key)")
	flags.String("tls-key", "", "PEM private key for the listener (requires --tls-cert)")
	flags.Uint16("max-level", fapgate.DefaultMaxLevel, "highest FAP level negotiated")
	flags.Uint16("bitmap-min-level", fapgate.DefaultBitmapMinLevel, "local maximum level from which peer supported-level bitmaps are honoured")
	flags.Bool("legacy-version-floor", false, "resolve peers without a supported-levels bitmap to level 1 or 2")
	flags.Uint16("product-id", 0, "product id advertised in handshake replies (0 uses the engine id)")
	flags.Duration("heartbeat-interval", fapgate.DefaultHeartbeatInterval, "local heartbeat interval")
	flags.Duration("heartbeat-timeout", fapgate.DefaultHeartbeatTimeout, "local heartbeat timeout")
	flags.String("max-message-size", humanizeBytes(fapgate.DefaultMaxMessageSize), "largest message accepted")
	flags.String("max-transmission-size", humanizeBytes(uint64(fapgate.DefaultMaxTransmissionSize)), "largest transmission (and frame) accepted")
	flags.Uint16("capabilities", 0, "local capability mask (0 offers every known capability)")
	flags.Bool("disable-peer-links", false, "reject engine-to-engine handshakes")
	flags.Int("max-links", 0, "cap on concurrently open links (0 is unlimited)")
	flags.Int("store-initial-size", fapgate.DefaultStoreInitialSize, "initial slot count of a conversation's resource store")
	flags.Int("store-max-size", fapgate.DefaultStoreMaxSize, "slot cap of a conversation's resource store")
	flags.Int("recover-page-size", fapgate.DefaultRecoverPageSize, "XIDs returned per recover reply")
	flags.Duration("write-timeout", fapgate.DefaultWriteTimeout, "deadline for writing one frame")
	flags.Bool("disable-connection-guard", false, "disable blocking of hosts that keep sending suspicious connections")
	flags.Int("connguard-failure-threshold", fapgate.DefaultGuardFailureThreshold, "suspicious events before a host is blocked")
	flags.Duration("connguard-failure-window", fapgate.DefaultGuardFailureWindow, "window suspicious events are counted in")
	flags.Duration("connguard-block-duration", fapgate.DefaultGuardBlockDuration, "how long a blocked host stays blocked")
	flags.Duration("connguard-preamble-timeout", fapgate.DefaultGuardPreambleTimeout, "deadline for a new link's preamble")
	flags.String("metrics-listen", fapgate.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", fapgate.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FAPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range configKeys {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var configKeys = []string{
	"config", "log-level",
	"listen", "tls-cert", "tls-key",
	"max-level", "bitmap-min-level", "legacy-version-floor", "product-id",
	"heartbeat-interval", "heartbeat-timeout", "max-message-size", "max-transmission-size",
	"capabilities", "disable-peer-links", "max-links",
	"store-initial-size", "store-max-size", "recover-page-size", "write-timeout",
	"disable-connection-guard", "connguard-failure-threshold", "connguard-failure-window",
	"connguard-block-duration", "connguard-preamble-timeout",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
}

func bindConfig(cfg *fapgate.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.TLSCertFile = viper.GetString("tls-cert")
	cfg.TLSKeyFile = viper.GetString("tls-key")
	cfg.MaxLevel = viper.GetUint16("max-level")
	cfg.BitmapMinLevel = viper.GetUint16("bitmap-min-level")
	cfg.LegacyVersionFloor = viper.GetBool("legacy-version-floor")
	cfg.ProductID = viper.GetUint16("product-id")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	cfg.HeartbeatTimeout = viper.GetDuration("heartbeat-timeout")
	if raw := strings.TrimSpace(viper.GetString("max-message-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-message-size: %w", err)
		}
		cfg.MaxMessageSize = size
	}
	if raw := strings.TrimSpace(viper.GetString("max-transmission-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-transmission-size: %w", err)
		}
		if size > 1<<32-1 {
			return fmt.Errorf("max-transmission-size %s exceeds 4GiB", raw)
		}
		cfg.MaxTransmissionSize = uint32(size)
	}
	cfg.Capabilities = viper.GetUint16("capabilities")
	cfg.DisablePeerLinks = viper.GetBool("disable-peer-links")
	cfg.MaxLinks = viper.GetInt("max-links")
	cfg.StoreInitialSize = viper.GetInt("store-initial-size")
	cfg.StoreMaxSize = viper.GetInt("store-max-size")
	cfg.RecoverPageSize = viper.GetInt("recover-page-size")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.DisableConnectionGuard = viper.GetBool("disable-connection-guard")
	cfg.GuardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.GuardPreambleTimeout = viper.GetDuration("connguard-preamble-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
