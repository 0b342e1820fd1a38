package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mqy/minichat/chat"
)

type fakePresenter struct {
	grant      bool
	requestErr error
	presentErr error

	requests  chan struct{}
	presented chan *Notification
}

func newFakePresenter(grant bool) *fakePresenter {
	return &fakePresenter{
		grant:     grant,
		requests:  make(chan struct{}, 8),
		presented: make(chan *Notification, 8),
	}
}

func (p *fakePresenter) RequestPermission(ctx context.Context) (bool, error) {
	p.requests <- struct{}{}
	return p.grant, p.requestErr
}

func (p *fakePresenter) Present(ctx context.Context, n *Notification) error {
	p.presented <- n
	return p.presentErr
}

func insert(id, sender, content string) *chat.FeedEvent {
	return &chat.FeedEvent{
		Type: chat.EventInsert,
		Record: &chat.Message{
			ID:         id,
			ChannelID:  "c1",
			SenderID:   sender,
			SenderName: "Alice",
			Content:    content,
			CreateTime: 100,
		},
	}
}

func waitPerm(t *testing.T, d *Dispatcher, want permission) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.permState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("permission state never reached %d", want)
}

func expectPresented(t *testing.T, p *fakePresenter) *Notification {
	t.Helper()
	select {
	case n := <-p.presented:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("nothing presented")
		return nil
	}
}

func expectSilent(t *testing.T, p *fakePresenter) {
	t.Helper()
	select {
	case n := <-p.presented:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLazyPermissionRequest(t *testing.T) {
	p := newFakePresenter(true)
	d := NewDispatcher(p, "me", "general")

	// first foreign insert triggers the request; its own alert is lost.
	d.Dispatch(insert("m1", "u2", "hello"))
	<-p.requests
	expectSilent(t, p)

	waitPerm(t, d, permGranted)

	d.Dispatch(insert("m2", "u2", "again"))
	n := expectPresented(t, p)
	assert.Equal(t, "msg-m2", n.Tag)

	// permission is requested at most once.
	assert.Empty(t, p.requests)
}

func TestPermissionDeniedDegradesSilently(t *testing.T) {
	p := newFakePresenter(false)
	d := NewDispatcher(p, "me", "general")

	d.Dispatch(insert("m1", "u2", "hello"))
	waitPerm(t, d, permDenied)

	d.Dispatch(insert("m2", "u2", "more"))
	expectSilent(t, p)
}

func TestPermissionRequestErrorTolerated(t *testing.T) {
	p := newFakePresenter(true)
	p.requestErr = errors.New("boom")
	d := NewDispatcher(p, "me", "general")

	d.Dispatch(insert("m1", "u2", "hello"))
	waitPerm(t, d, permDenied)
	expectSilent(t, p)
}

func TestSelfInsertSuppressed(t *testing.T) {
	p := newFakePresenter(true)
	d := NewDispatcher(p, "me", "general")
	d.perm = permGranted

	d.Dispatch(insert("m1", "me", "my own message"))
	expectSilent(t, p)
	assert.Empty(t, p.requests)
}

func TestDedupByTag(t *testing.T) {
	p := newFakePresenter(true)
	d := NewDispatcher(p, "me", "general")
	d.perm = permGranted

	ev := insert("m1", "u2", "hello")
	d.Dispatch(ev)
	d.Dispatch(ev) // feed redelivery

	n := expectPresented(t, p)
	assert.Equal(t, "msg-m1", n.Tag)
	expectSilent(t, p)
}

func TestNonInsertIgnored(t *testing.T) {
	p := newFakePresenter(true)
	d := NewDispatcher(p, "me", "general")
	d.perm = permGranted

	d.Dispatch(&chat.FeedEvent{Type: chat.EventUpdate, Record: insert("m1", "u2", "x").Record})
	d.Dispatch(&chat.FeedEvent{Type: chat.EventDelete, Record: &chat.Message{ID: "m1"}})
	d.Dispatch(&chat.FeedEvent{Type: chat.EventInsert})
	expectSilent(t, p)
}

func TestTitle(t *testing.T) {
	p := newFakePresenter(true)
	d := NewDispatcher(p, "me", "general")
	d.perm = permGranted

	d.Dispatch(insert("m1", "u2", "hello"))
	n := expectPresented(t, p)
	assert.Equal(t, "#general - Alice", n.Title)

	// no channel name: sender alone.
	d2 := NewDispatcher(p, "me", "")
	d2.perm = permGranted
	d2.Dispatch(insert("m2", "u2", "hello"))
	n = expectPresented(t, p)
	assert.Equal(t, "Alice", n.Title)

	// no display name: fall back to sender id.
	d3 := NewDispatcher(p, "me", "")
	d3.perm = permGranted
	ev := insert("m3", "u2", "hello")
	ev.Record.SenderName = ""
	d3.Dispatch(ev)
	n = expectPresented(t, p)
	assert.Equal(t, "u2", n.Title)
}

func TestBodyTruncation(t *testing.T) {
	assert.Equal(t, "short", truncateBody("short"))

	exact := strings.Repeat("x", 120)
	assert.Equal(t, exact, truncateBody(exact))

	long := strings.Repeat("x", 121)
	got := truncateBody(long)
	assert.Equal(t, strings.Repeat("x", 117)+"...", got)
	assert.Len(t, []rune(got), 120)

	// runes, not bytes.
	longRunes := strings.Repeat("あ", 130)
	got = truncateBody(longRunes)
	assert.Equal(t, strings.Repeat("あ", 117)+"...", got)
}
