package client

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/cache"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/notify"
)

// ErrClosed is returned for mutations dispatched after Close.
var ErrClosed = errors.New("session is closed")

type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Config wires one channel view.
type Config struct {
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string

	API  API
	Feed FeedSource

	// Dispatcher is optional; nil disables notifications.
	Dispatcher *notify.Dispatcher

	// OnFeedDown is called once if the feed ends while the session is
	// still open. Optional.
	OnFeedDown func(err error)
}

// Session owns the cache for one actively-viewed channel and the single
// feed subscription that keeps it fresh.
//
// Open subscribes first, then pulls the initial snapshot. Events arriving
// during the pull queue up in the subscription buffer and are replayed
// against the snapshot afterwards; upserts and removes are idempotent, so
// replaying an event the snapshot already covers is harmless. This closes
// the window in which a message could be missed between pull and subscribe.
type Session struct {
	mu    sync.Mutex
	state State

	cfg   Config
	store *cache.Store
	coord *Coordinator
	sub   Subscription
	done  chan struct{}
}

// Open brings the channel view up: subscribe, pull, replay, serve.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ChannelID == "" || cfg.UserID == "" || cfg.API == nil || cfg.Feed == nil {
		return nil, errors.New("incomplete session config")
	}

	s := &Session{
		state: StateOpening,
		cfg:   cfg,
		store: cache.NewStore(cfg.ChannelID),
		done:  make(chan struct{}),
	}
	s.coord = NewCoordinator(cfg.API, s.store, cfg.ChannelID, cfg.UserID, cfg.UserName)

	sub, err := cfg.Feed.Subscribe(ctx, cfg.ChannelID)
	if err != nil {
		s.state = StateClosed
		return nil, err
	}

	msgs, err := cfg.API.ListMessages(ctx, cfg.ChannelID)
	if err != nil {
		_ = sub.Close()
		s.state = StateClosed
		return nil, err
	}
	s.store.ReplaceAll(msgs)

	s.sub = sub
	s.state = StateOpen
	go s.run(sub)

	glog.V(5).Infof("session open, channel: %s, snapshot: %d messages", cfg.ChannelID, len(msgs))
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current ordered messages for rendering.
func (s *Session) Snapshot() []chat.Message {
	return s.store.Snapshot()
}

// Create dispatches an optimistic create. Returns the server message id.
func (s *Session) Create(ctx context.Context, content string) (string, error) {
	if s.State() != StateOpen {
		return "", ErrClosed
	}
	return s.coord.Create(ctx, content)
}

// Edit dispatches an optimistic edit.
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	if s.State() != StateOpen {
		return ErrClosed
	}
	return s.coord.Edit(ctx, messageID, content)
}

// Delete dispatches an optimistic delete; confirmed must carry the user's
// explicit intent.
func (s *Session) Delete(ctx context.Context, messageID string, confirmed bool) error {
	if s.State() != StateOpen {
		return ErrClosed
	}
	return s.coord.Delete(ctx, messageID, confirmed)
}

// Close tears the view down. In-flight mutations are left to finish, but
// their results no longer touch the cache; the issued server requests are
// not retractable anyway.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	sub := s.sub
	s.mu.Unlock()

	s.coord.gate.shut()
	if sub != nil {
		_ = sub.Close()
		<-s.done
	}
	s.store.Clear()
	glog.V(5).Infof("session closed, channel: %s", s.cfg.ChannelID)
}

func (s *Session) run(sub Subscription) {
	defer close(s.done)

	for ev := range sub.Events() {
		s.apply(ev)
	}

	if s.State() == StateOpen {
		glog.Errorf("feed ended while session open, channel: %s", s.cfg.ChannelID)
		if s.cfg.OnFeedDown != nil {
			s.cfg.OnFeedDown(errors.New("change feed disconnected"))
		}
	}
}

// apply translates one feed event into the corresponding cache operation.
// The cache serializes writes, so feed events and mutation results cannot
// interleave mid-update.
func (s *Session) apply(ev *chat.FeedEvent) {
	if !ev.Valid() {
		return
	}
	if ev.Record.ChannelID != "" && ev.Record.ChannelID != s.cfg.ChannelID {
		glog.V(5).Infof("dropping event for foreign channel %s", ev.Record.ChannelID)
		return
	}

	switch ev.Type {
	case chat.EventInsert, chat.EventUpdate:
		s.store.Upsert(ev.Record)
	case chat.EventDelete:
		s.store.Remove(ev.Record.ID)
	}

	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.Dispatch(ev)
	}
}

// gate tells the Coordinator whether mutation results still matter.
type gate struct {
	mu     sync.Mutex
	closed bool
}

func newGate() *gate {
	return &gate{}
}

func (g *gate) ok() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed
}

func (g *gate) shut() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
