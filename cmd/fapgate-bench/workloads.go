package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/fapgate/internal/engine"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/fapclient"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

// benchFormatID is the XID format id used for generated branches.
const benchFormatID int32 = 0x4641

// benchWorker owns one link and one negotiated conversation.
type benchWorker struct {
	id        int
	runTag    string
	link      *fapclient.Link
	conv      *fapclient.Conversation
	handshake []fap.Field
	payload   []byte
	nextTx    uint32
}

func (w *benchWorker) txID() uint32 {
	w.nextTx++
	return w.nextTx
}

func (w *benchWorker) xid(idx uint64) txn.XID {
	gtrid := fmt.Sprintf("%s-w%d-%d", w.runTag, w.id, idx)
	return txn.NewXID(benchFormatID, []byte(gtrid), []byte("b1"))
}

type workloadFunc func(ctx context.Context, w *benchWorker, idx uint64) opResult

type workloadDef struct {
	phases []string
	run    workloadFunc
}

var workloads = map[string]workloadDef{
	"ping":           {phases: []string{"ping"}, run: opPing},
	"handshake":      {phases: []string{"open", "close"}, run: opHandshake},
	"local-commit":   {phases: []string{"create", "commit"}, run: opLocal(true)},
	"local-rollback": {phases: []string{"create", "rollback"}, run: opLocal(false)},
	"xa-commit":      {phases: []string{"start", "end", "prepare", "commit"}, run: opXA(false)},
	"xa-one-phase":   {phases: []string{"start", "end", "commit"}, run: opXA(true)},
}

func workloadNames() []string {
	names := make([]string, 0, len(workloads)+1)
	for name := range workloads {
		names = append(names, name)
	}
	names = append(names, "mixed")
	slices.Sort(names)
	return names
}

type opResult struct {
	total    time.Duration
	phases   map[string]time.Duration
	err      error
	errPhase string
}

type workloadRun struct {
	elapsed       time.Duration
	phases        map[string]benchStats
	errCounts     map[string]int64
	firstErr      error
	firstErrPhase string
}

func runWorkloadBench(ctx context.Context, cfg benchConfig, target benchTarget, logger pslog.Logger) {
	runID := time.Now().UTC().Format("20060102T150405.000000000Z")
	totalRuns := cfg.warmupRuns + cfg.runs
	results := make([]workloadRun, 0, cfg.runs)
	for i := range totalRuns {
		warmup := i < cfg.warmupRuns
		runLabel := fmt.Sprintf("run=%d/%d warmup=%t", i+1, totalRuns, warmup)
		run, err := runWorkloadOnce(ctx, cfg, target, fmt.Sprintf("%s-r%d", runID, i), logger)
		if err != nil {
			die("workload: %v", err)
		}
		printWorkloadRun(os.Stdout, cfg, runLabel, run)
		printHost(os.Stdout, sampleHost(ctx))
		if !warmup {
			results = append(results, run)
		}
	}
	if len(results) > 1 {
		fmt.Printf("bench summary: workload=%s runs=%d warmup=%d aggregation=median\n", cfg.workload, cfg.runs, cfg.warmupRuns)
		printWorkloadSummary(os.Stdout, results)
	}
	if target.server != nil {
		if mem, ok := target.server.Engine().(*engine.Memory); ok {
			committed, rolledBack := mem.Stats()
			fmt.Printf("bench engine: committed=%d rolled_back=%d links=%d\n", committed, rolledBack, target.server.Links())
		}
	}
}

func runWorkloadOnce(ctx context.Context, cfg benchConfig, target benchTarget, runTag string, logger pslog.Logger) (workloadRun, error) {
	phases, fn, err := resolveWorkload(cfg)
	if err != nil {
		return workloadRun{}, err
	}
	workers, err := dialWorkers(ctx, cfg, target, runTag, logger)
	if err != nil {
		return workloadRun{}, err
	}
	defer closeWorkers(workers)
	return runWorkloadOps(ctx, cfg, workers, phases, fn)
}

func resolveWorkload(cfg benchConfig) ([]string, workloadFunc, error) {
	if cfg.workload != "mixed" {
		def, ok := workloads[cfg.workload]
		if !ok {
			return nil, nil, fmt.Errorf("unknown workload %q", cfg.workload)
		}
		return def.phases, def.run, nil
	}
	selector, err := parseMix(cfg.workloadMix)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range selector.names() {
		if _, ok := workloads[name]; !ok {
			return nil, nil, fmt.Errorf("unknown workload %q in mix", name)
		}
	}
	return selector.names(), func(ctx context.Context, w *benchWorker, idx uint64) opResult {
		op := selector.pick()
		out := workloads[op].run(ctx, w, idx)
		out.phases = map[string]time.Duration{op: out.total}
		if out.err != nil {
			out.errPhase = op
		}
		return out
	}, nil
}

func dialWorkers(ctx context.Context, cfg benchConfig, target benchTarget, runTag string, logger pslog.Logger) ([]*benchWorker, error) {
	hs := fapclient.DefaultHandshake()
	hs.Level = uint16(cfg.level)
	handshake := hs.Fields()
	payload := make([]byte, cfg.payloadBytes)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	workers := make([]*benchWorker, 0, cfg.concurrency)
	for i := range cfg.concurrency {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.opTimeout)
		link, err := fapclient.Dial(dialCtx, fapclient.Config{
			Address:   target.address,
			TLSConfig: target.tls,
			Logger:    logger,
		})
		if err != nil {
			cancel()
			closeWorkers(workers)
			return nil, err
		}
		conv, err := link.Open(dialCtx, handshake)
		cancel()
		if err != nil {
			_ = link.Close()
			closeWorkers(workers)
			return nil, fmt.Errorf("worker %d handshake: %w", i, err)
		}
		workers = append(workers, &benchWorker{
			id:        i,
			runTag:    runTag,
			link:      link,
			conv:      conv,
			handshake: handshake,
			payload:   payload,
		})
	}
	return workers, nil
}

func closeWorkers(workers []*benchWorker) {
	for _, w := range workers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = w.conv.Close(ctx)
		cancel()
		_ = w.link.Close()
	}
}

// runWorkloadOps shares cfg.ops operations among the workers and collects
// per-phase latencies.
func runWorkloadOps(ctx context.Context, cfg benchConfig, workers []*benchWorker, phaseOrder []string, fn workloadFunc) (workloadRun, error) {
	if fn == nil {
		return workloadRun{}, errors.New("nil workload op")
	}
	if len(workers) == 0 {
		return workloadRun{}, errors.New("no workers")
	}
	var (
		totalLat   []time.Duration
		phaseLat   = make(map[string][]time.Duration)
		errCounts  = make(map[string]int64)
		mu         sync.Mutex
		firstErr   error
		firstPhase string
		errOnce    sync.Once
		opsDone    atomic.Uint64
	)

	start := time.Now()
	var wg sync.WaitGroup
	for _, worker := range workers {
		wg.Add(1)
		go func(w *benchWorker) {
			defer wg.Done()
			localTotal := make([]time.Duration, 0, cfg.ops/len(workers)+1)
			localPhases := make(map[string][]time.Duration)
			localErrs := make(map[string]int64)
			for {
				idx := opsDone.Add(1) - 1
				if idx >= uint64(cfg.ops) {
					break
				}
				opCtx, cancel := context.WithTimeout(ctx, cfg.opTimeout)
				out := fn(opCtx, w, idx)
				cancel()
				localTotal = append(localTotal, out.total)
				for phase, dur := range out.phases {
					localPhases[phase] = append(localPhases[phase], dur)
				}
				if out.err != nil {
					localErrs["total"]++
					if out.errPhase != "" {
						localErrs[out.errPhase]++
					}
					errOnce.Do(func() {
						firstErr = out.err
						firstPhase = out.errPhase
					})
				}
			}
			mu.Lock()
			totalLat = append(totalLat, localTotal...)
			for phase, samples := range localPhases {
				phaseLat[phase] = append(phaseLat[phase], samples...)
			}
			for phase, count := range localErrs {
				errCounts[phase] += count
			}
			mu.Unlock()
		}(worker)
	}
	wg.Wait()
	elapsed := time.Since(start)

	phases := make(map[string]benchStats, len(phaseOrder)+1)
	phases["total"] = buildStats("total", elapsed, totalLat, errCounts["total"])
	for _, phase := range phaseOrder {
		phases[phase] = buildStats(phase, elapsed, phaseLat[phase], errCounts[phase])
	}
	return workloadRun{
		elapsed:       elapsed,
		phases:        phases,
		errCounts:     errCounts,
		firstErr:      firstErr,
		firstErrPhase: firstPhase,
	}, nil
}

func printWorkloadRun(w io.Writer, cfg benchConfig, runLabel string, run workloadRun) {
	fmt.Fprintf(w, "bench workload=%s %s ops=%d concurrency=%d level=%d elapsed=%s\n",
		cfg.workload, runLabel, cfg.ops, cfg.concurrency, cfg.level, run.elapsed)
	if run.firstErr != nil {
		fmt.Fprintf(w, "first_error_phase=%s err=%v\n", run.firstErrPhase, run.firstErr)
	}
	for _, phase := range orderedPhaseKeys(run.phases) {
		printStats(w, run.phases[phase])
	}
}

func printWorkloadSummary(w io.Writer, runs []workloadRun) {
	if len(runs) == 0 {
		return
	}
	for _, phase := range orderedPhaseKeys(runs[0].phases) {
		stats := make([]benchStats, 0, len(runs))
		for _, run := range runs {
			stats = append(stats, run.phases[phase])
		}
		printStats(w, medianStats(phase, stats))
	}
}

// step times one request and records it under phase.
func step(out *opResult, phase string, fn func() error) bool {
	start := time.Now()
	err := fn()
	out.phases[phase] = time.Since(start)
	if err != nil {
		out.err = err
		out.errPhase = phase
		return false
	}
	return true
}

func newOpResult() opResult {
	return opResult{phases: make(map[string]time.Duration, 4)}
}

func opPing(ctx context.Context, w *benchWorker, _ uint64) opResult {
	start := time.Now()
	out := newOpResult()
	step(&out, "ping", func() error { return w.conv.Ping(ctx, w.payload) })
	out.total = time.Since(start)
	return out
}

func opHandshake(ctx context.Context, w *benchWorker, _ uint64) opResult {
	start := time.Now()
	out := newOpResult()
	var conv *fapclient.Conversation
	if step(&out, "open", func() (err error) {
		conv, err = w.link.Open(ctx, w.handshake)
		return err
	}) {
		step(&out, "close", func() error { return conv.Close(ctx) })
	}
	out.total = time.Since(start)
	return out
}

func opLocal(commit bool) workloadFunc {
	return func(ctx context.Context, w *benchWorker, _ uint64) opResult {
		start := time.Now()
		out := newOpResult()
		id := w.txID()
		if step(&out, "create", func() error { return w.conv.CreateLocal(ctx, id) }) {
			if commit {
				step(&out, "commit", func() error { return w.conv.CommitLocal(ctx, id) })
			} else {
				step(&out, "rollback", func() error { return w.conv.RollbackLocal(ctx, id) })
			}
		}
		out.total = time.Since(start)
		return out
	}
}

func opXA(onePhase bool) workloadFunc {
	return func(ctx context.Context, w *benchWorker, idx uint64) opResult {
		start := time.Now()
		out := newOpResult()
		id := w.txID()
		xid := w.xid(idx)
		ok := step(&out, "start", func() error { return w.conv.XAStart(ctx, id, xid, txn.TMNOFLAGS) }) &&
			step(&out, "end", func() error { return w.conv.XAEnd(ctx, id, xid, txn.TMSUCCESS) })
		if ok && !onePhase {
			ok = step(&out, "prepare", func() error {
				vote, err := w.conv.XAPrepare(ctx, id, xid)
				if err == nil && vote == txn.VoteReadOnly {
					return errReadOnlyVote
				}
				return err
			})
		}
		if ok {
			step(&out, "commit", func() error { return w.conv.XACommit(ctx, id, xid, onePhase) })
		}
		out.total = time.Since(start)
		return out
	}
}

var errReadOnlyVote = errors.New("branch voted read-only")

type mixEntry struct {
	name   string
	weight int
}

type mixSelector struct {
	entries []mixEntry
	total   int
}

func parseMix(raw string) (*mixSelector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("workload mix empty")
	}
	selector := &mixSelector{}
	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, weightRaw, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid mix entry %q", part)
		}
		weight, err := strconv.Atoi(strings.TrimSpace(weightRaw))
		if err != nil || weight <= 0 {
			return nil, fmt.Errorf("invalid mix weight %q: expected positive integer", part)
		}
		selector.entries = append(selector.entries, mixEntry{name: name, weight: weight})
		selector.total += weight
	}
	if selector.total == 0 {
		return nil, errors.New("mix weights must be > 0")
	}
	return selector, nil
}

func (m *mixSelector) pick() string {
	if m == nil || len(m.entries) == 0 {
		return ""
	}
	n := rand.IntN(m.total)
	acc := 0
	for _, entry := range m.entries {
		acc += entry.weight
		if n < acc {
			return entry.name
		}
	}
	return m.entries[len(m.entries)-1].name
}

func (m *mixSelector) names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.entries))
	for _, entry := range m.entries {
		names = append(names, entry.name)
	}
	slices.Sort(names)
	return names
}
