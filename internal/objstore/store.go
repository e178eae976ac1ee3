// Package objstore implements the per-conversation resource registry: a
// growable slot table that hands out small integer handles for arbitrary
// session resources.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultOrigin is the first handle issued by a store.
	DefaultOrigin = 1
	// DefaultInitialSize is the initial slot count.
	DefaultInitialSize = 16
	// DefaultMaxSize bounds the slot count.
	DefaultMaxSize = 1 << 16
	// DefaultDumpDepth is the number of recent additions kept for diagnostics.
	DefaultDumpDepth = 32
)

var (
	// ErrStoreExhausted is returned when the store cannot grow any further.
	// It is terminal for the owning conversation.
	ErrStoreExhausted = errors.New("objstore: store exhausted")
	// ErrInvalidHandle is returned for handles outside the store's range.
	ErrInvalidHandle = errors.New("objstore: invalid handle")
	// ErrNoSuchObject is returned for handles that are in range but free.
	ErrNoSuchObject = errors.New("objstore: no object at handle")
	// ErrNilObject is returned when adding a nil resource.
	ErrNilObject = errors.New("objstore: nil object")
)

// Config configures a Store.
type Config struct {
	// Name labels the store in logs and metrics.
	Name        string
	Origin      int
	InitialSize int
	MaxSize     int
	DumpDepth   int
	Logger      pslog.Logger
}

// Entry is one recent addition captured for diagnostics.
type Entry struct {
	Handle int
	Kind   string
	Added  time.Time
}

// Store is a slot table indexed from a fixed origin.
type Store struct {
	name      string
	origin    int
	maxSize   int
	dumpDepth int
	logger    pslog.Logger
	metrics   *storeMetrics

	mu     sync.Mutex
	slots  []any
	live   int
	high   int // slot index of the most recent allocation
	recent []Entry
	next   int // ring position in recent
	now    func() time.Time
}

// New returns a Store after normalising cfg.
func New(cfg Config) *Store {
	if cfg.Origin < 0 {
		cfg.Origin = 0
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = DefaultInitialSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.InitialSize > cfg.MaxSize {
		cfg.InitialSize = cfg.MaxSize
	}
	if cfg.DumpDepth <= 0 {
		cfg.DumpDepth = DefaultDumpDepth
	}
	if cfg.Name == "" {
		cfg.Name = "conversation"
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "fap.objstore")
	return &Store{
		name:      cfg.Name,
		origin:    cfg.Origin,
		maxSize:   cfg.MaxSize,
		dumpDepth: cfg.DumpDepth,
		logger:    logger,
		metrics:   newStoreMetrics(logger),
		slots:     make([]any, cfg.InitialSize),
		high:      -1,
		recent:    make([]Entry, 0, cfg.DumpDepth),
		now:       time.Now,
	}
}

// Add stores x and returns its handle. Handles are unique among live
// entries; freed handles are reused before the store grows.
func (s *Store) Add(x any) (int, error) {
	if x == nil {
		return 0, ErrNilObject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.freeSlotLocked()
	if idx < 0 {
		if !s.growLocked() {
			dump := s.dumpLocked()
			s.metrics.recordExhausted(context.Background(), s.name)
			s.logger.Error("fap.objstore.exhausted",
				"store", s.name,
				"capacity", humanize.Comma(int64(len(s.slots))),
				"max", humanize.Comma(int64(s.maxSize)),
				"recent", formatDump(dump),
			)
			return 0, fmt.Errorf("%w: %s capacity %d", ErrStoreExhausted, s.name, len(s.slots))
		}
		idx = s.freeSlotLocked()
	}
	s.slots[idx] = x
	s.live++
	s.high = idx
	s.rememberLocked(Entry{Handle: idx + s.origin, Kind: fmt.Sprintf("%T", x), Added: s.now()})
	return idx + s.origin, nil
}

// Get returns the object stored under handle.
func (s *Store) Get(handle int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.slotLocked(handle)
	if err != nil {
		return nil, err
	}
	return s.slots[idx], nil
}

// Remove frees handle and returns the object it held.
func (s *Store) Remove(handle int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.slotLocked(handle)
	if err != nil {
		return nil, err
	}
	x := s.slots[idx]
	s.slots[idx] = nil
	s.live--
	return x, nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Cap returns the current slot count.
func (s *Store) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Dump returns the most recent additions, newest first.
func (s *Store) Dump() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpLocked()
}

// Clear drops every entry and returns the objects that were live.
func (s *Store) Clear() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, 0, s.live)
	for i, x := range s.slots {
		if x != nil {
			out = append(out, x)
			s.slots[i] = nil
		}
	}
	s.live = 0
	s.high = -1
	return out
}

func (s *Store) slotLocked(handle int) (int, error) {
	idx := handle - s.origin
	if idx < 0 || idx >= len(s.slots) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	if s.slots[idx] == nil {
		return 0, fmt.Errorf("%w: %d", ErrNoSuchObject, handle)
	}
	return idx, nil
}

// freeSlotLocked scans above the high-water mark first, then wraps to the
// origin.
func (s *Store) freeSlotLocked() int {
	if s.live == len(s.slots) {
		return -1
	}
	for i := s.high + 1; i < len(s.slots); i++ {
		if s.slots[i] == nil {
			return i
		}
	}
	for i := 0; i <= s.high && i < len(s.slots); i++ {
		if s.slots[i] == nil {
			return i
		}
	}
	return -1
}

func (s *Store) growLocked() bool {
	current := len(s.slots)
	if current >= s.maxSize {
		return false
	}
	size := current * 2
	if size == 0 {
		size = 1
	}
	if size > s.maxSize {
		size = s.maxSize
	}
	grown := make([]any, size)
	copy(grown, s.slots)
	s.slots = grown
	s.metrics.recordGrow(context.Background(), s.name, size)
	s.logger.Debug("fap.objstore.grow", "store", s.name, "capacity", size)
	return true
}

func (s *Store) rememberLocked(e Entry) {
	if len(s.recent) < s.dumpDepth {
		s.recent = append(s.recent, e)
		s.next = len(s.recent) % s.dumpDepth
		return
	}
	s.recent[s.next] = e
	s.next = (s.next + 1) % s.dumpDepth
}

func (s *Store) dumpLocked() []Entry {
	n := len(s.recent)
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, s.recent[(s.next-i+n)%n])
	}
	return out
}

func formatDump(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%d:%s@%s", e.Handle, e.Kind, humanize.Time(e.Added)))
	}
	return out
}
