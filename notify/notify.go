// Package notify decides whether an incoming feed event warrants a
// user-visible alert, behind a permission gate.
package notify

import (
	"context"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

// Body longer than this is cut to the first 117 runes plus "...".
const bodyMaxChars = 120

type Notification struct {
	Title string
	Body  string
	Tag   string
}

// Presenter abstracts the platform notification surface.
type Presenter interface {
	// RequestPermission asks the user once whether alerts are allowed.
	RequestPermission(ctx context.Context) (bool, error)

	// Present shows the notification. Platforms are expected to collapse
	// notifications that share a Tag.
	Present(ctx context.Context, n *Notification) error
}

type permission int

const (
	permUnknown permission = iota
	permPending
	permGranted
	permDenied
)

// Dispatcher watches one channel's insert events. Permission is requested
// lazily on the first candidate event and never blocks the event loop; a
// denied or failed request silently disables the feature.
type Dispatcher struct {
	presenter   Presenter
	selfID      string
	channelName string

	permC chan permission
	perm  permission
	seen  map[string]struct{}
}

func NewDispatcher(p Presenter, selfID, channelName string) *Dispatcher {
	return &Dispatcher{
		presenter:   p,
		selfID:      selfID,
		channelName: channelName,
		permC:       make(chan permission, 1),
		seen:        make(map[string]struct{}),
	}
}

// Dispatch is called from the session's apply loop, one event at a time.
func (d *Dispatcher) Dispatch(ev *chat.FeedEvent) {
	if d == nil || !ev.Valid() || ev.Type != chat.EventInsert {
		return
	}
	rec := ev.Record
	if rec.SenderID == d.selfID {
		return
	}

	tag := "msg-" + rec.ID
	if _, dup := d.seen[tag]; dup {
		return // feed redelivery
	}
	d.seen[tag] = struct{}{}

	switch d.permState() {
	case permUnknown:
		d.perm = permPending
		go func() {
			granted, err := d.presenter.RequestPermission(context.Background())
			if err != nil {
				glog.V(5).Infof("notify: permission request failed: %v", err)
				granted = false
			}
			if granted {
				d.permC <- permGranted
			} else {
				d.permC <- permDenied
			}
		}()
		return // this event's alert is lost, same as the pre-grant web behavior
	case permPending, permDenied:
		return
	}

	n := &Notification{
		Title: d.title(rec),
		Body:  truncateBody(rec.Content),
		Tag:   tag,
	}
	go func() {
		if err := d.presenter.Present(context.Background(), n); err != nil {
			glog.V(5).Infof("notify: present failed, tag: %s, err: %v", n.Tag, err)
		}
	}()
}

func (d *Dispatcher) permState() permission {
	if d.perm == permPending {
		select {
		case p := <-d.permC:
			d.perm = p
		default:
		}
	}
	return d.perm
}

func (d *Dispatcher) title(rec *chat.Message) string {
	sender := rec.SenderName
	if sender == "" {
		sender = rec.SenderID
	}
	if d.channelName != "" {
		return "#" + d.channelName + " - " + sender
	}
	return sender
}

func truncateBody(s string) string {
	r := []rune(s)
	if len(r) <= bodyMaxChars {
		return s
	}
	return string(r[:bodyMaxChars-3]) + "..."
}
