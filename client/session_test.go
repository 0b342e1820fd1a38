package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/notify"
)

type fakeFeed struct {
	sub *fakeSub
	err error
}

func (f *fakeFeed) Subscribe(ctx context.Context, channelID string) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type fakeSub struct {
	mu     sync.Mutex
	events chan *chat.FeedEvent
	closed bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan *chat.FeedEvent, feedEventBuffer)}
}

func (s *fakeSub) Events() <-chan *chat.FeedEvent {
	return s.events
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func feedInsert(id, sender string, createTime int64, content string) *chat.FeedEvent {
	return &chat.FeedEvent{
		Type: chat.EventInsert,
		Record: &chat.Message{
			ID:         id,
			ChannelID:  "c1",
			SenderID:   sender,
			SenderName: sender,
			Content:    content,
			CreateTime: createTime,
		},
	}
}

func openSession(t *testing.T, api *fakeAPI, sub *fakeSub, dispatcher *notify.Dispatcher) *Session {
	t.Helper()
	s, err := Open(context.Background(), Config{
		ChannelID:   "c1",
		ChannelName: "general",
		UserID:      "u1",
		UserName:    "Alice",
		API:         api,
		Feed:        &fakeFeed{sub: sub},
		Dispatcher:  dispatcher,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func snapshotIDs(s *Session) []string {
	var out []string
	for _, m := range s.Snapshot() {
		out = append(out, m.ID)
	}
	return out
}

func TestOpenPullsSnapshot(t *testing.T) {
	api := &fakeAPI{messages: []*chat.Message{
		serverMsg("m1", 100, 0, "a"),
		serverMsg("m2", 200, 0, "b"),
	}}
	s := openSession(t, api, newFakeSub(), nil)
	defer s.Close()

	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, []string{"m1", "m2"}, snapshotIDs(s))
}

func TestOpenFailsWhenSubscribeFails(t *testing.T) {
	_, err := Open(context.Background(), Config{
		ChannelID: "c1",
		UserID:    "u1",
		API:       &fakeAPI{},
		Feed:      &fakeFeed{err: errors.New("no feed")},
	})
	assert.Error(t, err)
}

func TestOpenFailsWhenPullFails(t *testing.T) {
	sub := newFakeSub()
	_, err := Open(context.Background(), Config{
		ChannelID: "c1",
		UserID:    "u1",
		API:       &fakeAPI{listErr: errors.New("down")},
		Feed:      &fakeFeed{sub: sub},
	})
	assert.Error(t, err)

	// the half-open subscription must have been released.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.True(t, sub.closed)
}

// Events that raced in between subscribe and the snapshot pull sit in the
// subscription buffer; replaying them against the snapshot must neither
// lose nor duplicate messages.
func TestBufferedEventsReplayedAgainstSnapshot(t *testing.T) {
	sub := newFakeSub()
	sub.events <- feedInsert("m2", "u2", 200, "b") // already in the snapshot
	sub.events <- feedInsert("m3", "u2", 300, "c") // arrived during the pull

	api := &fakeAPI{messages: []*chat.Message{
		serverMsg("m1", 100, 0, "a"),
		serverMsg("m2", 200, 0, "b"),
	}}
	s := openSession(t, api, sub, nil)
	defer s.Close()

	assert.Eventually(t, func() bool {
		return len(s.Snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, snapshotIDs(s))
}

func TestFeedDeleteRemovesWithoutLocalIntent(t *testing.T) {
	api := &fakeAPI{messages: []*chat.Message{serverMsg("m1", 100, 0, "a")}}
	sub := newFakeSub()
	s := openSession(t, api, sub, nil)
	defer s.Close()

	sub.events <- &chat.FeedEvent{Type: chat.EventDelete, Record: &chat.Message{ID: "m1", ChannelID: "c1"}}

	assert.Eventually(t, func() bool {
		return len(s.Snapshot()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFeedUpdateReplacesContent(t *testing.T) {
	api := &fakeAPI{messages: []*chat.Message{serverMsg("m1", 100, 0, "a")}}
	sub := newFakeSub()
	s := openSession(t, api, sub, nil)
	defer s.Close()

	updated := serverMsg("m1", 100, 400, "a2")
	sub.events <- &chat.FeedEvent{Type: chat.EventUpdate, Record: updated}

	assert.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].Content == "a2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForeignChannelEventDropped(t *testing.T) {
	api := &fakeAPI{}
	sub := newFakeSub()
	s := openSession(t, api, sub, nil)
	defer s.Close()

	ev := feedInsert("mx", "u2", 100, "elsewhere")
	ev.Record.ChannelID = "c2"
	sub.events <- ev

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Snapshot())
}

func TestCloseDiscardsLateCreateResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	api := &fakeAPI{
		createFn: func(content string) (*chat.Message, error) {
			close(entered)
			<-release
			return serverMsg("m9", 900, 0, content), nil
		},
	}
	sub := newFakeSub()
	s := openSession(t, api, sub, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Create(context.Background(), "late message")
		done <- err
	}()
	<-entered

	s.Close()
	close(release)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, StateClosed, s.State())
}

func TestMutationsAfterClose(t *testing.T) {
	api := &fakeAPI{}
	s := openSession(t, api, newFakeSub(), nil)
	s.Close()

	_, err := s.Create(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Edit(context.Background(), "m1", "x"), ErrClosed)
	assert.ErrorIs(t, s.Delete(context.Background(), "m1", true), ErrClosed)

	// double close is fine.
	s.Close()
}

func TestFeedDownCallback(t *testing.T) {
	api := &fakeAPI{}
	sub := newFakeSub()
	downC := make(chan error, 1)

	s, err := Open(context.Background(), Config{
		ChannelID:  "c1",
		UserID:     "u1",
		API:        api,
		Feed:       &fakeFeed{sub: sub},
		OnFeedDown: func(err error) { downC <- err },
	})
	assert.NoError(t, err)

	// the connection drops while the session is still open.
	sub.Close()

	select {
	case err := <-downC:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFeedDown never fired")
	}
	s.Close()
}

type recordingPresenter struct {
	presented chan *notify.Notification
}

func (p *recordingPresenter) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

func (p *recordingPresenter) Present(ctx context.Context, n *notify.Notification) error {
	p.presented <- n
	return nil
}

func TestNotificationsFollowFeedInserts(t *testing.T) {
	api := &fakeAPI{}
	sub := newFakeSub()
	p := &recordingPresenter{presented: make(chan *notify.Notification, 8)}
	s := openSession(t, api, sub, notify.NewDispatcher(p, "u1", "general"))
	defer s.Close()

	// own insert never notifies, even as the very first event.
	sub.events <- feedInsert("m0", "u1", 50, "mine")

	// foreign inserts notify once permission lands; the one that triggered
	// the lazy request may be lost, so keep feeding distinct events.
	got := make(chan *notify.Notification, 1)
	go func() {
		got <- <-p.presented
	}()

	deadline := time.After(2 * time.Second)
	i := 0
	for {
		select {
		case n := <-got:
			assert.Contains(t, n.Title, "#general - ")
			return
		case <-deadline:
			t.Fatal("no notification presented")
		case <-time.After(10 * time.Millisecond):
			i++
			sub.events <- feedInsert(fmt.Sprintf("mm%d", i), "u2", int64(1000+i), "ping")
		}
	}
}
