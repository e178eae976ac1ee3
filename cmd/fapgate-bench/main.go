package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"pkt.systems/fapgate"
	"pkt.systems/fapgate/internal/fapclient"
	"pkt.systems/pslog"
)

type benchConfig struct {
	workload     string
	workloadMix  string
	ops          int
	concurrency  int
	payloadBytes int
	warmupRuns   int
	runs         int
	endpoint     string
	useTLS       bool
	insecureTLS  bool
	level        int
	maxLevel     int
	logLevel     string
	logPath      string
	gomaxprocs   int
	cpuProfile   string
	memProfile   string
	opTimeout    time.Duration
}

func main() {
	cfg := benchConfig{
		workload:     "local-commit",
		workloadMix:  "ping=20,local-commit=40,xa-commit=40",
		ops:          10000,
		concurrency:  8,
		payloadBytes: 64,
		warmupRuns:   1,
		runs:         3,
		level:        int(fapclient.DefaultHandshake().Level),
		logLevel:     "error",
		opTimeout:    10 * time.Second,
	}
	flag.StringVar(&cfg.workload, "workload", cfg.workload, "workload to run ("+strings.Join(workloadNames(), ", ")+")")
	flag.StringVar(&cfg.workloadMix, "workload-mix", cfg.workloadMix, "mixed workload weights (e.g. ping=20,local-commit=40,xa-commit=40)")
	flag.IntVar(&cfg.ops, "ops", cfg.ops, "number of operations per run")
	flag.IntVar(&cfg.concurrency, "concurrency", cfg.concurrency, "number of concurrent workers (one link each)")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", cfg.payloadBytes, "ping payload size in bytes")
	flag.IntVar(&cfg.warmupRuns, "warmup", cfg.warmupRuns, "number of warmup runs (excluded from summary)")
	flag.IntVar(&cfg.runs, "runs", cfg.runs, "number of measured runs (summary is median)")
	flag.StringVar(&cfg.endpoint, "endpoint", "", "fapgate endpoint (when set, uses existing server instead of in-process)")
	flag.BoolVar(&cfg.useTLS, "tls", false, "dial the endpoint with TLS")
	flag.BoolVar(&cfg.insecureTLS, "insecure-skip-verify", false, "skip server certificate verification")
	flag.IntVar(&cfg.level, "level", cfg.level, "FAP level requested in the handshake")
	flag.IntVar(&cfg.maxLevel, "max-level", 0, "highest FAP level of the in-process server (0 uses default)")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level (trace,debug,info,warn,error,disabled)")
	flag.StringVar(&cfg.logPath, "log-path", cfg.logPath, "log output path (default stderr)")
	flag.IntVar(&cfg.gomaxprocs, "gomaxprocs", 0, "override GOMAXPROCS (0 uses default)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.DurationVar(&cfg.opTimeout, "op-timeout", cfg.opTimeout, "per-operation timeout")
	flag.Parse()

	if err := cfg.validate(); err != nil {
		die("%v", err)
	}
	if cfg.gomaxprocs > 0 {
		runtime.GOMAXPROCS(cfg.gomaxprocs)
	}
	logger, closeLogger := newBenchLogger(cfg)
	defer closeLogger()

	var cpuProfileFile *os.File
	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			die("cpu profile: %v", err)
		}
		cpuProfileFile = f
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			die("cpu profile start: %v", err)
		}
	}
	defer func() {
		if cpuProfileFile == nil {
			return
		}
		pprof.StopCPUProfile()
		_ = cpuProfileFile.Close()
	}()

	ctx := context.Background()
	target, stop, err := startBenchTarget(ctx, cfg, logger)
	if err != nil {
		die("bench target: %v", err)
	}
	defer func() {
		if stop != nil {
			_ = stop(context.Background())
		}
	}()

	runWorkloadBench(ctx, cfg, target, logger)

	if cfg.memProfile != "" {
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			die("mem profile: %v", err)
		}
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			_ = f.Close()
			die("mem profile write: %v", err)
		}
		_ = f.Close()
	}
}

func (cfg benchConfig) validate() error {
	switch {
	case cfg.ops <= 0:
		return fmt.Errorf("ops must be > 0")
	case cfg.concurrency <= 0:
		return fmt.Errorf("concurrency must be > 0")
	case cfg.runs <= 0:
		return fmt.Errorf("runs must be > 0")
	case cfg.warmupRuns < 0:
		return fmt.Errorf("warmup must be >= 0")
	case cfg.level <= 0 || cfg.level > 0xFFFF:
		return fmt.Errorf("level must be between 1 and 65535")
	}
	if _, ok := workloads[cfg.workload]; !ok && cfg.workload != "mixed" {
		return fmt.Errorf("unknown workload %q (expected %s)", cfg.workload, strings.Join(workloadNames(), ", "))
	}
	if cfg.workload == "mixed" {
		if _, err := parseMix(cfg.workloadMix); err != nil {
			return err
		}
	}
	return nil
}

// benchTarget describes where workers dial.
type benchTarget struct {
	address string
	tls     *tls.Config
	server  *fapgate.Server
}

func startBenchTarget(ctx context.Context, cfg benchConfig, logger pslog.Logger) (benchTarget, func(context.Context) error, error) {
	var tlsConfig *tls.Config
	if cfg.useTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.insecureTLS}
	}
	if endpoint := strings.TrimSpace(cfg.endpoint); endpoint != "" {
		return benchTarget{address: endpoint, tls: tlsConfig}, nil, nil
	}
	serverCfg := fapgate.Config{
		Listen:                 "127.0.0.1:0",
		MaxLevel:               uint16(cfg.maxLevel),
		DisableConnectionGuard: true,
	}
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	srv, stop, err := fapgate.StartServer(startCtx, serverCfg, fapgate.WithLogger(logger))
	if err != nil {
		return benchTarget{}, nil, err
	}
	fmt.Printf("bench server: in-process listen=%s\n", srv.ListenerAddr())
	return benchTarget{address: srv.ListenerAddr().String(), server: srv}, stop, nil
}

func newBenchLogger(cfg benchConfig) (pslog.Logger, func()) {
	levelStr := strings.TrimSpace(cfg.logLevel)
	if levelStr == "" {
		return pslog.NoopLogger(), func() {}
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		die("log-level: invalid value %q", levelStr)
	}
	if level == pslog.Disabled || level == pslog.NoLevel {
		return pslog.NoopLogger(), func() {}
	}
	var (
		writer  = os.Stderr
		cleanup = func() {}
	)
	if strings.TrimSpace(cfg.logPath) != "" {
		path, err := filepath.Abs(cfg.logPath)
		if err != nil {
			die("log-path: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			die("log-path mkdir: %v", err)
		}
		f, err := os.Create(path)
		if err != nil {
			die("log-path create: %v", err)
		}
		writer = f
		cleanup = func() { _ = f.Close() }
	}
	logger := pslog.NewStructured(context.Background(), writer).LogLevel(level)
	return logger, cleanup
}

func die(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}
