// Package link holds the state shared by every conversation multiplexed on
// one physical link: the connection type, the transaction ledger and the
// dispatch ordering map.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/dispatch"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

// ErrTypeConflict is returned when a conversation claims a connection type
// different from the one already recorded for its link.
var ErrTypeConflict = errors.New("link: connection type conflict")

// Config configures a State.
type Config struct {
	Ref    string
	Logger pslog.Logger
}

// State is stored in the link attachment of every conversation on a link.
type State struct {
	ref      string
	logger   pslog.Logger
	ledger   *txn.Ledger
	dispatch *dispatch.Map

	mu         sync.Mutex
	connType   fap.ConnectionType
	classified bool
	open       map[uint64]struct{}
}

// New returns the State of a new link.
func New(cfg Config) *State {
	logger := svcfields.WithLink(svcfields.WithSubsystem(cfg.Logger, "fap.link"), cfg.Ref)
	return &State{
		ref:      cfg.Ref,
		logger:   logger,
		ledger:   txn.New(txn.Config{Link: cfg.Ref, Logger: cfg.Logger}),
		dispatch: dispatch.NewMap(dispatch.Config{Link: cfg.Ref, Logger: cfg.Logger}),
		open:     make(map[uint64]struct{}),
	}
}

// Ref returns the link's connection reference.
func (s *State) Ref() string { return s.ref }

// Ledger returns the link's transaction ledger.
func (s *State) Ledger() *txn.Ledger { return s.ledger }

// Dispatch returns the link's dispatch ordering map.
func (s *State) Dispatch() *dispatch.Map { return s.dispatch }

// ConnectionType returns the recorded connection type.
func (s *State) ConnectionType() (fap.ConnectionType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connType, s.classified
}

// Classify records t as the link's connection type. The type is recorded
// once; a later conversation claiming another type fails.
func (s *State) Classify(t fap.ConnectionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.classified {
		s.connType = t
		s.classified = true
		s.logger.Debug("fap.link.classified", "type", t.String())
		return nil
	}
	if s.connType != t {
		return fmt.Errorf("%w: link is %s, conversation claims %s", ErrTypeConflict, s.connType, t)
	}
	return nil
}

// ConversationOpened tracks convID as live on the link.
func (s *State) ConversationOpened(convID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[convID] = struct{}{}
}

// Open reports whether convID is live on the link.
func (s *State) Open(convID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[convID]
	return ok
}

// Conversations returns the number of live conversations.
func (s *State) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// ConversationClosed rolls back and removes every transaction convID still
// owns. Client links roll back in-doubt branches too; peer links leave them
// for recovery.
func (s *State) ConversationClosed(ctx context.Context, convID uint64) txn.CleanupResult {
	s.mu.Lock()
	delete(s.open, convID)
	connType := s.connType
	s.mu.Unlock()

	if len(s.ledger.IDs(convID)) == 0 {
		return txn.CleanupResult{}
	}
	var res txn.CleanupResult
	if connType == fap.ConnectionTypePeer {
		res = s.ledger.RollbackEnlisted(ctx, convID)
	} else {
		res = s.ledger.RollbackWithoutCompletionDirection(ctx, convID)
	}
	removed := s.ledger.RemoveTransactions(convID, s.dispatch)
	s.logger.Info("fap.link.conversation.cleanup",
		"conv", convID,
		"removed", len(removed),
		"attempted", res.Attempted,
		"failed", res.Failed,
	)
	return res
}

var ensureMu sync.Mutex

// Of returns the State attached to conv's link.
func Of(conv conversation.Conversation) (*State, bool) {
	if conv == nil {
		return nil, false
	}
	s, ok := conv.LinkAttachment().(*State)
	return s, ok && s != nil
}

// Ensure returns the State attached to conv's link, attaching a new one when
// absent.
func Ensure(conv conversation.Conversation, logger pslog.Logger) *State {
	ensureMu.Lock()
	defer ensureMu.Unlock()
	if s, ok := Of(conv); ok {
		return s
	}
	s := New(Config{Ref: conv.ConnectionReference(), Logger: logger})
	conv.SetLinkAttachment(s)
	return s
}
