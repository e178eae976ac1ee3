package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/fapgate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage fapgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.fapgate/" + fapgate.DefaultConfigFileName
	if dir, err := fapgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, fapgate.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default fapgate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := fapgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, fapgate.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                    string `yaml:"listen"`
	TLSCert                   string `yaml:"tls-cert"`
	TLSKey                    string `yaml:"tls-key"`
	MaxLevel                  uint16 `yaml:"max-level"`
	BitmapMinLevel            uint16 `yaml:"bitmap-min-level"`
	LegacyVersionFloor        bool   `yaml:"legacy-version-floor"`
	ProductID                 uint16 `yaml:"product-id"`
	HeartbeatInterval         string `yaml:"heartbeat-interval"`
	HeartbeatTimeout          string `yaml:"heartbeat-timeout"`
	MaxMessageSize            string `yaml:"max-message-size"`
	MaxTransmissionSize       string `yaml:"max-transmission-size"`
	Capabilities              uint16 `yaml:"capabilities"`
	DisablePeerLinks          bool   `yaml:"disable-peer-links"`
	MaxLinks                  int    `yaml:"max-links"`
	StoreInitialSize          int    `yaml:"store-initial-size"`
	StoreMaxSize              int    `yaml:"store-max-size"`
	RecoverPageSize           int    `yaml:"recover-page-size"`
	WriteTimeout              string `yaml:"write-timeout"`
	DisableConnectionGuard    bool   `yaml:"disable-connection-guard"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	ConnguardPreambleTimeout  string `yaml:"connguard-preamble-timeout"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    fapgate.DefaultListen,
		MaxLevel:                  fapgate.DefaultMaxLevel,
		BitmapMinLevel:            fapgate.DefaultBitmapMinLevel,
		HeartbeatInterval:         fapgate.DefaultHeartbeatInterval.String(),
		HeartbeatTimeout:          fapgate.DefaultHeartbeatTimeout.String(),
		MaxMessageSize:            humanizeBytes(fapgate.DefaultMaxMessageSize),
		MaxTransmissionSize:       humanizeBytes(uint64(fapgate.DefaultMaxTransmissionSize)),
		StoreInitialSize:          fapgate.DefaultStoreInitialSize,
		StoreMaxSize:              fapgate.DefaultStoreMaxSize,
		RecoverPageSize:           fapgate.DefaultRecoverPageSize,
		WriteTimeout:              fapgate.DefaultWriteTimeout.String(),
		ConnguardFailureThreshold: fapgate.DefaultGuardFailureThreshold,
		ConnguardFailureWindow:    fapgate.DefaultGuardFailureWindow.String(),
		ConnguardBlockDuration:    fapgate.DefaultGuardBlockDuration.String(),
		ConnguardPreambleTimeout:  fapgate.DefaultGuardPreambleTimeout.String(),
		MetricsListen:             fapgate.DefaultMetricsListen,
		PprofListen:               fapgate.DefaultPprofListen,
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# fapgate configuration. Keys mirror the command-line flags and FAPGATE_* environment variables.\n")
	return append(header, data...), nil
}
