package client

import (
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/cache"
	"github.com/mqy/minichat/chat"
)

// Coordinator turns a user intent into an immediate optimistic cache change
// plus exactly one authoritative request, and resolves the entry's pending
// status no matter how the request ends. There is no automatic retry;
// failures roll the cache back (directly or via a reconciliation pull) and
// are returned to the caller.
type Coordinator struct {
	api       API
	store     *cache.Store
	channelID string
	userID    string
	userName  string
	gate      *gate
}

func NewCoordinator(api API, store *cache.Store, channelID, userID, userName string) *Coordinator {
	return &Coordinator{
		api:       api,
		store:     store,
		channelID: channelID,
		userID:    userID,
		userName:  userName,
		gate:      newGate(),
	}
}

// Create inserts a pending entry under a fresh correlation token, issues
// the create request, and promotes the entry on success. On failure the
// pending entry is removed and the error returned; nothing is retried.
// Returns the server-assigned message id.
func (c *Coordinator) Create(ctx context.Context, content string) (string, error) {
	content, err := chat.ValidateContent(content)
	if err != nil {
		return "", err
	}

	token := newToken()
	c.store.InsertPending(chat.Message{
		ChannelID:  c.channelID,
		SenderID:   c.userID,
		SenderName: c.userName,
		Content:    content,
	}, token)

	msg, err := c.api.CreateMessage(ctx, c.channelID, content)
	if !c.gate.ok() {
		// channel is gone, the result is nobody's business anymore.
		if err != nil {
			return "", err
		}
		return "", ErrClosed
	}
	if err != nil {
		c.store.DropPending(token)
		return "", err
	}

	c.store.Confirm(token, msg)
	return msg.ID, nil
}

// Edit validates locally, applies the new content optimistically, and
// issues the update. An identical-content edit still round-trips so the
// server refreshes the update timestamp. A stale response (superseded by a
// later edit on the same id) is discarded by the version stamp check.
func (c *Coordinator) Edit(ctx context.Context, messageID, content string) error {
	content, err := chat.ValidateContent(content)
	if err != nil {
		return err
	}

	entry, ok := c.store.Get(messageID)
	if !ok {
		return chat.NewValidationError("unknown message id: %s", messageID)
	}
	if entry.Status == cache.PendingCreate {
		return chat.NewValidationError("message %s is not confirmed yet", messageID)
	}

	version, _ := c.store.BeginEdit(messageID, content)

	msg, err := c.api.UpdateMessage(ctx, c.channelID, messageID, content)
	if !c.gate.ok() {
		return err
	}
	if err != nil {
		return c.resolveFailure(ctx, messageID, err)
	}

	if !c.store.CompleteEdit(messageID, version, msg) {
		glog.V(5).Infof("edit result superseded, message: %s, version: %d", messageID, version)
	}
	return nil
}

// Delete requires explicit affirmative intent from the caller; a delete
// request is never issued without it. Deleting an id that is no longer
// cached is a local no-op and raises no error.
func (c *Coordinator) Delete(ctx context.Context, messageID string, confirmed bool) error {
	if !confirmed {
		return chat.NewValidationError("delete of %s was not confirmed", messageID)
	}

	entry, ok := c.store.Get(messageID)
	if !ok {
		return nil // already gone
	}
	if entry.Status == cache.PendingCreate {
		return chat.NewValidationError("message %s is not confirmed yet", messageID)
	}

	c.store.BeginDelete(messageID)

	err := c.api.DeleteMessage(ctx, c.channelID, messageID)
	if !c.gate.ok() {
		return err
	}
	if err != nil {
		return c.resolveFailure(ctx, messageID, err)
	}

	c.store.Remove(messageID)
	return nil
}

// resolveFailure makes sure no entry stays pending after a failed mutation:
// a not-found verdict removes the entry ("already gone"), anything else
// discards the optimistic state via a full reconciliation pull.
func (c *Coordinator) resolveFailure(ctx context.Context, messageID string, cause error) error {
	if chat.IsNotFound(cause) {
		c.store.Remove(messageID)
		return cause
	}
	c.reconcile(ctx)
	return cause
}

// reconcile re-fetches authoritative state instead of guessing what the
// server holds. If even the pull fails, pending marks are cleared in place
// so entries cannot stay pending forever.
func (c *Coordinator) reconcile(ctx context.Context) {
	msgs, err := c.api.ListMessages(ctx, c.channelID)
	if err != nil {
		glog.Errorf("reconcile pull failed, channel: %s, err: %v", c.channelID, err)
		c.store.ResolvePending()
		return
	}
	if !c.gate.ok() {
		return
	}
	c.store.ReplaceAll(msgs)
}

func newToken() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}
