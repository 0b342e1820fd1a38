// Package client keeps a local per-channel message cache consistent with
// server state: optimistic mutations through the Coordinator, live change
// events through the Session's feed subscription, and reconciliation pulls
// when the two disagree.
package client

import (
	"context"

	"github.com/mqy/minichat/chat"
)

// API is the authoritative request/response collaborator.
// Implementations map failures onto the chat error taxonomy:
// *chat.ValidationError, *chat.AuthorizationError, *chat.NotFoundError,
// *chat.TransientError.
type API interface {
	// ListMessages returns the channel's messages ordered by create time asc.
	ListMessages(ctx context.Context, channelID string) ([]*chat.Message, error)

	CreateMessage(ctx context.Context, channelID, content string) (*chat.Message, error)

	UpdateMessage(ctx context.Context, channelID, messageID, content string) (*chat.Message, error)

	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// FeedSource opens one change-feed subscription per channel.
type FeedSource interface {
	Subscribe(ctx context.Context, channelID string) (Subscription, error)
}

// Subscription is one open feed for one channel. Events() is closed when
// the feed ends, whether by Close or by a broken connection.
type Subscription interface {
	Events() <-chan *chat.FeedEvent
	Close() error
}
