package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mqy/minichat/cache"
	"github.com/mqy/minichat/chat"
)

// fakeAPI is a scriptable collaborator, in the spirit of auth.MockClient.
type fakeAPI struct {
	mu sync.Mutex

	listCalls   int
	createCalls int
	updateCalls int
	deleteCalls int

	// authoritative state returned by ListMessages.
	messages []*chat.Message
	listErr  error

	createFn func(content string) (*chat.Message, error)
	updateFn func(messageID, content string) (*chat.Message, error)
	deleteFn func(messageID string) error
}

func (f *fakeAPI) ListMessages(ctx context.Context, channelID string) ([]*chat.Message, error) {
	f.mu.Lock()
	f.listCalls++
	msgs, err := f.messages, f.listErr
	f.mu.Unlock()
	return msgs, err
}

func (f *fakeAPI) CreateMessage(ctx context.Context, channelID, content string) (*chat.Message, error) {
	f.mu.Lock()
	f.createCalls++
	fn := f.createFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("createFn not set")
	}
	return fn(content)
}

func (f *fakeAPI) UpdateMessage(ctx context.Context, channelID, messageID, content string) (*chat.Message, error) {
	f.mu.Lock()
	f.updateCalls++
	fn := f.updateFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("updateFn not set")
	}
	return fn(messageID, content)
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	f.deleteCalls++
	fn := f.deleteFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(messageID)
}

func (f *fakeAPI) calls() (int, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.createCalls, f.updateCalls, f.deleteCalls
}

func serverMsg(id string, createTime, updateTime int64, content string) *chat.Message {
	return &chat.Message{
		ID:         id,
		ChannelID:  "c1",
		SenderID:   "u1",
		Content:    content,
		CreateTime: createTime,
		UpdateTime: updateTime,
	}
}

func newCoordinator(api *fakeAPI) (*Coordinator, *cache.Store) {
	store := cache.NewStore("c1")
	return NewCoordinator(api, store, "c1", "u1", "Alice"), store
}

func TestCreateConfirmed(t *testing.T) {
	api := &fakeAPI{
		createFn: func(content string) (*chat.Message, error) {
			return serverMsg("m1", 100, 0, content), nil
		},
	}
	c, store := newCoordinator(api)

	id, err := c.Create(context.Background(), "hello")
	assert.NoError(t, err)
	assert.Equal(t, "m1", id)

	snap := store.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "hello", snap[0].Content)

	e, ok := store.Get("m1")
	assert.True(t, ok)
	assert.Equal(t, cache.Confirmed, e.Status)
}

func TestCreateInvalidContentNoRequest(t *testing.T) {
	api := &fakeAPI{}
	c, store := newCoordinator(api)

	for _, content := range []string{"", "   ", string(make([]rune, 0))} {
		_, err := c.Create(context.Background(), content)
		assert.True(t, chat.IsValidation(err))
	}

	_, creates, _, _ := api.calls()
	assert.Equal(t, 0, creates)
	assert.Equal(t, 0, store.Len())
}

func TestCreateFailureRollsBack(t *testing.T) {
	api := &fakeAPI{
		createFn: func(string) (*chat.Message, error) {
			return nil, &chat.TransientError{Op: "create", Cause: errors.New("boom")}
		},
	}
	c, store := newCoordinator(api)

	_, err := c.Create(context.Background(), "hello")
	assert.True(t, chat.IsTransient(err))
	assert.Equal(t, 0, store.Len())

	// no silent retry.
	_, creates, _, _ := api.calls()
	assert.Equal(t, 1, creates)
}

func TestEditSuccess(t *testing.T) {
	api := &fakeAPI{
		updateFn: func(id, content string) (*chat.Message, error) {
			return serverMsg(id, 100, 500, content), nil
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	assert.NoError(t, c.Edit(context.Background(), "m1", "hello edited"))

	e, _ := store.Get("m1")
	assert.Equal(t, cache.Confirmed, e.Status)
	assert.Equal(t, "hello edited", e.Msg.Content)
	assert.EqualValues(t, 500, e.Msg.UpdateTime)
}

func TestEditIdenticalContentStillRoundTrips(t *testing.T) {
	api := &fakeAPI{
		updateFn: func(id, content string) (*chat.Message, error) {
			return serverMsg(id, 100, 600, content), nil
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	assert.NoError(t, c.Edit(context.Background(), "m1", "hello"))
	_, _, updates, _ := api.calls()
	assert.Equal(t, 1, updates)

	e, _ := store.Get("m1")
	assert.EqualValues(t, 600, e.Msg.UpdateTime)
}

func TestEditValidationLocalOnly(t *testing.T) {
	api := &fakeAPI{}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	err := c.Edit(context.Background(), "m1", "  ")
	assert.True(t, chat.IsValidation(err))

	// snapshot unchanged, no network call made.
	snap := store.Snapshot()
	assert.Equal(t, "hello", snap[0].Content)
	_, _, updates, _ := api.calls()
	assert.Equal(t, 0, updates)
}

func TestEditUnknownID(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newCoordinator(api)

	err := c.Edit(context.Background(), "nope", "content")
	assert.True(t, chat.IsValidation(err))
	_, _, updates, _ := api.calls()
	assert.Equal(t, 0, updates)
}

func TestEditPendingCreateRejected(t *testing.T) {
	api := &fakeAPI{}
	c, store := newCoordinator(api)
	store.InsertPending(chat.Message{ChannelID: "c1", Content: "draft"}, "tok1")

	err := c.Edit(context.Background(), "tok1", "changed")
	assert.True(t, chat.IsValidation(err))

	// same rule for delete: wait for the create to resolve first.
	err = c.Delete(context.Background(), "tok1", true)
	assert.True(t, chat.IsValidation(err))

	_, _, updates, deletes := api.calls()
	assert.Equal(t, 0, updates)
	assert.Equal(t, 0, deletes)
}

func TestEditForbiddenReconciles(t *testing.T) {
	api := &fakeAPI{
		messages: []*chat.Message{serverMsg("m1", 100, 0, "original")},
		updateFn: func(string, string) (*chat.Message, error) {
			return nil, &chat.AuthorizationError{Op: "update"}
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "original"))

	err := c.Edit(context.Background(), "m1", "hijack attempt")
	assert.True(t, chat.IsAuthorization(err))

	// optimistic content discarded in favor of a fresh pull.
	snap := store.Snapshot()
	assert.Equal(t, "original", snap[0].Content)
	e, _ := store.Get("m1")
	assert.Equal(t, cache.Confirmed, e.Status)

	lists, _, _, _ := api.calls()
	assert.Equal(t, 1, lists)
}

func TestEditNotFoundRemovesLocally(t *testing.T) {
	api := &fakeAPI{
		updateFn: func(string, string) (*chat.Message, error) {
			return nil, &chat.NotFoundError{Kind: "message", ID: "m1"}
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	err := c.Edit(context.Background(), "m1", "too late")
	assert.True(t, chat.IsNotFound(err))
	assert.Equal(t, 0, store.Len())

	lists, _, _, _ := api.calls()
	assert.Equal(t, 0, lists) // already gone, no pull needed
}

func TestEditSupersededByNewerEdit(t *testing.T) {
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})

	api := &fakeAPI{}
	api.updateFn = func(id, content string) (*chat.Message, error) {
		if content == "first" {
			close(firstEntered)
			<-releaseFirst
			return serverMsg(id, 100, 300, content), nil
		}
		return serverMsg(id, 100, 400, content), nil
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	done := make(chan error, 1)
	go func() {
		done <- c.Edit(context.Background(), "m1", "first")
	}()
	<-firstEntered

	// second edit on the same id supersedes the in-flight one.
	assert.NoError(t, c.Edit(context.Background(), "m1", "second"))

	close(releaseFirst)
	assert.NoError(t, <-done)

	// the stale first result must not have been applied.
	snap := store.Snapshot()
	assert.Equal(t, "second", snap[0].Content)
	e, _ := store.Get("m1")
	assert.EqualValues(t, 400, e.Msg.UpdateTime)
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	api := &fakeAPI{}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	err := c.Delete(context.Background(), "m1", false)
	assert.True(t, chat.IsValidation(err))

	_, _, _, deletes := api.calls()
	assert.Equal(t, 0, deletes)
	assert.Len(t, store.Snapshot(), 1)
}

func TestDeleteIdempotent(t *testing.T) {
	api := &fakeAPI{}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	assert.NoError(t, c.Delete(context.Background(), "m1", true))
	assert.Empty(t, store.Snapshot())

	// second delete: local no-op, no prior error re-raised, no request.
	assert.NoError(t, c.Delete(context.Background(), "m1", true))
	_, _, _, deletes := api.calls()
	assert.Equal(t, 1, deletes)
}

func TestDeleteFailureReconciles(t *testing.T) {
	api := &fakeAPI{
		messages: []*chat.Message{serverMsg("m1", 100, 0, "hello")},
		deleteFn: func(string) error {
			return &chat.TransientError{Op: "delete", Cause: errors.New("boom")}
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	err := c.Delete(context.Background(), "m1", true)
	assert.True(t, chat.IsTransient(err))

	// reinserted via the reconciliation pull.
	snap := store.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, "hello", snap[0].Content)
}

func TestDeleteNotFoundIsAlreadyGone(t *testing.T) {
	api := &fakeAPI{
		deleteFn: func(string) error {
			return &chat.NotFoundError{Kind: "message", ID: "m1"}
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	err := c.Delete(context.Background(), "m1", true)
	assert.True(t, chat.IsNotFound(err))
	assert.Equal(t, 0, store.Len())
}

func TestReconcilePullFailureClearsPending(t *testing.T) {
	api := &fakeAPI{
		listErr: &chat.TransientError{Op: "list", Cause: errors.New("down")},
		updateFn: func(string, string) (*chat.Message, error) {
			return nil, &chat.TransientError{Op: "update", Cause: errors.New("down")}
		},
	}
	c, store := newCoordinator(api)
	store.Upsert(serverMsg("m1", 100, 0, "hello"))

	err := c.Edit(context.Background(), "m1", "edited")
	assert.True(t, chat.IsTransient(err))

	// even with the pull down, nothing stays pending forever.
	e, _ := store.Get("m1")
	assert.Equal(t, cache.Confirmed, e.Status)
}

func TestClosedGateDiscardsResults(t *testing.T) {
	c, store := newCoordinator(&fakeAPI{
		createFn: func(content string) (*chat.Message, error) {
			return serverMsg("m1", 100, 0, content), nil
		},
	})
	store.Upsert(serverMsg("m0", 50, 0, "existing"))

	c.gate.shut()

	_, err := c.Create(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)

	// the pending entry was not confirmed: result discarded.
	_, ok := store.Get("m1")
	assert.False(t, ok)
}
