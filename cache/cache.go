// Package cache holds the per-channel message cache that backs rendering.
// It is the single place where optimistic local mutations and remote feed
// events meet; every write goes through the store's mutex so no two
// mutations interleave mid-update.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/mqy/minichat/chat"
)

// Status tags the synchronization state of a cache entry.
type Status int

const (
	Confirmed Status = iota
	PendingCreate
	PendingEdit
	PendingDelete
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case PendingCreate:
		return "pending-create"
	case PendingEdit:
		return "pending-edit"
	case PendingDelete:
		return "pending-delete"
	}
	return "unknown"
}

// for tests.
var nowMillis = func() int64 {
	return time.Now().UnixNano() / 1e6
}

// Entry is a message plus its sync status.
//
// A pending-create entry is keyed by its correlation token until the server
// assigns the real id; its Msg.ID holds the token so the entry is renderable.
// Version is bumped on every optimistic mutation; a mutation result is only
// applied if the version it was issued under is still current.
type Entry struct {
	Msg     chat.Message
	Status  Status
	Token   string
	Version int64
}

// Store is the ordered message cache for one channel.
// Entries are ordered by create time ascending, append biased.
type Store struct {
	sync.Mutex
	channelID string
	entries   []*Entry
	index     map[string]*Entry // by Msg.ID (token for pending creates)
}

func NewStore(channelID string) *Store {
	return &Store{
		channelID: channelID,
		index:     make(map[string]*Entry),
	}
}

func (s *Store) ChannelID() string {
	return s.channelID
}

// Snapshot returns the renderable ordered sequence. Pending-delete entries
// are already hidden. The returned slice is a copy.
func (s *Store) Snapshot() []chat.Message {
	s.Lock()
	defer s.Unlock()

	out := make([]chat.Message, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Status == PendingDelete {
			continue
		}
		out = append(out, e.Msg)
	}
	return out
}

// Get returns a copy of the entry for id.
func (s *Store) Get(id string) (Entry, bool) {
	s.Lock()
	defer s.Unlock()

	e, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.entries)
}

// Upsert applies a confirmed message from the feed or from a mutation
// response: insert if absent, replace in place if present. When the target
// entry carries an unresolved local mutation, last writer by timestamp wins.
func (s *Store) Upsert(msg *chat.Message) {
	if msg == nil || msg.ID == "" || msg.Content == "" {
		return
	}

	s.Lock()
	defer s.Unlock()

	if e, ok := s.index[msg.ID]; ok {
		if msg.LastWrite() < e.Msg.LastWrite() {
			return // local state is newer, keep it
		}
		e.Msg = *msg
		e.Status = Confirmed
		return
	}
	s.insertOrdered(&Entry{Msg: *msg, Status: Confirmed})
}

// Remove deletes the entry. No-op if absent.
func (s *Store) Remove(id string) bool {
	s.Lock()
	defer s.Unlock()
	return s.removeLocked(id)
}

// InsertPending adds a pending-create entry keyed by the correlation token.
func (s *Store) InsertPending(msg chat.Message, token string) {
	s.Lock()
	defer s.Unlock()

	msg.ID = token
	if msg.CreateTime == 0 {
		msg.CreateTime = nowMillis()
	}
	s.insertOrdered(&Entry{
		Msg:     msg,
		Status:  PendingCreate,
		Token:   token,
		Version: 1,
	})
}

// Confirm promotes a pending create to confirmed under its server-assigned
// id, preserving position. Returns false if the token is gone (channel was
// reconciled or closed in the meantime).
func (s *Store) Confirm(token string, msg *chat.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}

	s.Lock()
	defer s.Unlock()

	e, ok := s.index[token]
	if !ok || e.Status != PendingCreate {
		return false
	}
	delete(s.index, token)

	// The feed may have delivered the insert before the create response;
	// drop the duplicate instead of keeping two rows.
	s.removeLocked(msg.ID)

	e.Msg = *msg
	e.Status = Confirmed
	e.Token = ""
	s.index[msg.ID] = e
	return true
}

// DropPending removes a failed pending create by its token.
func (s *Store) DropPending(token string) bool {
	s.Lock()
	defer s.Unlock()
	e, ok := s.index[token]
	if !ok || e.Status != PendingCreate {
		return false
	}
	return s.removeLocked(token)
}

// BeginEdit applies the new content optimistically and returns the version
// stamp the caller must present to CompleteEdit.
func (s *Store) BeginEdit(id, content string) (int64, bool) {
	s.Lock()
	defer s.Unlock()

	e, ok := s.index[id]
	if !ok {
		return 0, false
	}
	e.Status = PendingEdit
	e.Msg.Content = content
	e.Msg.UpdateTime = nowMillis()
	e.Version++
	return e.Version, true
}

// CompleteEdit overwrites the entry with the server result, unless the
// entry is gone or another mutation superseded this one.
func (s *Store) CompleteEdit(id string, version int64, msg *chat.Message) bool {
	if msg == nil || msg.Content == "" {
		return false
	}

	s.Lock()
	defer s.Unlock()

	e, ok := s.index[id]
	if !ok || e.Version != version {
		return false // superseded, the later mutation owns the entry now
	}
	e.Msg = *msg
	e.Status = Confirmed
	return true
}

// BeginDelete hides the entry from snapshots while the request is in flight.
func (s *Store) BeginDelete(id string) bool {
	s.Lock()
	defer s.Unlock()

	e, ok := s.index[id]
	if !ok {
		return false
	}
	e.Status = PendingDelete
	e.Version++
	return true
}

// ReplaceAll swaps in a fresh authoritative snapshot. Pending creates are
// carried over (they do not exist server side yet); pending edits and
// deletes are dropped in favor of server state, which is exactly the
// reconciliation semantics.
func (s *Store) ReplaceAll(msgs []*chat.Message) {
	s.Lock()
	defer s.Unlock()

	var pendingCreates []*Entry
	for _, e := range s.entries {
		if e.Status == PendingCreate {
			pendingCreates = append(pendingCreates, e)
		}
	}

	s.entries = s.entries[:0]
	s.index = make(map[string]*Entry, len(msgs)+len(pendingCreates))

	for _, m := range msgs {
		if m == nil || m.ID == "" || m.Content == "" {
			continue
		}
		s.insertOrdered(&Entry{Msg: *m, Status: Confirmed})
	}
	for _, e := range pendingCreates {
		s.insertOrdered(e)
	}
}

// ResolvePending clears pending marks without new server state. Only used
// when a reconciliation pull itself failed: entries must not stay pending
// forever, so they fall back to their current content as confirmed.
func (s *Store) ResolvePending() {
	s.Lock()
	defer s.Unlock()
	for _, e := range s.entries {
		if e.Status == PendingEdit || e.Status == PendingDelete {
			e.Status = Confirmed
		}
	}
}

// Clear drops everything; called when the channel view closes.
func (s *Store) Clear() {
	s.Lock()
	defer s.Unlock()
	s.entries = nil
	s.index = make(map[string]*Entry)
}

func (s *Store) insertOrdered(e *Entry) {
	s.index[e.Msg.ID] = e

	n := len(s.entries)
	if n == 0 || s.entries[n-1].Msg.CreateTime <= e.Msg.CreateTime {
		s.entries = append(s.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return s.entries[i].Msg.CreateTime > e.Msg.CreateTime
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	for i, e := range s.entries {
		if e.Msg.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true
}
