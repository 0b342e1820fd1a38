// Package httpapi serves the message REST endpoints and publishes one feed
// event per successful mutation.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
)

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "minichat_mutations_total",
	Help: "Message mutation requests by operation and result.",
}, []string{"op", "result"})

// Publisher hands a successful mutation to the change feed pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev *chat.FeedEvent) error
}

type Server struct {
	store      store.IMessageStore
	authClient auth.Client
	pub        Publisher
}

func New(st store.IMessageStore, authClient auth.Client, pub Publisher) *Server {
	return &Server{
		store:      st,
		authClient: authClient,
		pub:        pub,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/messages/{channelID}", func(r chi.Router) {
		r.Get("/", s.listMessages)
		r.Post("/", s.createMessage)
		r.Patch("/{messageID}", s.updateMessage)
		r.Delete("/{messageID}", s.deleteMessage)
	})
	return r
}

type contentBody struct {
	Content string `json:"content"`
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	uid, channel, ok := s.authorizeChannel(w, r)
	if !ok {
		return
	}
	_ = uid

	msgs, err := s.store.ListMessages(r.Context(), channel.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	uid, channel, ok := s.authorizeChannel(w, r)
	if !ok {
		mutationsTotal.WithLabelValues("create", "rejected").Inc()
		return
	}

	content, ok := decodeContent(w, r)
	if !ok {
		mutationsTotal.WithLabelValues("create", "invalid").Inc()
		return
	}

	msg, err := s.store.CreateMessage(r.Context(), channel.ID, uid, uid, content)
	if err != nil {
		mutationsTotal.WithLabelValues("create", "error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	s.publish(r.Context(), chat.EventInsert, msg)
	mutationsTotal.WithLabelValues("create", "ok").Inc()
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	uid, channel, ok := s.authorizeChannel(w, r)
	if !ok {
		mutationsTotal.WithLabelValues("update", "rejected").Inc()
		return
	}

	messageID := chi.URLParam(r, "messageID")
	msg, err := s.store.GetMessage(r.Context(), channel.ID, messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	if msg == nil {
		mutationsTotal.WithLabelValues("update", "rejected").Inc()
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	// only the sender may edit.
	if msg.SenderID != uid {
		mutationsTotal.WithLabelValues("update", "forbidden").Inc()
		writeError(w, http.StatusForbidden, "only the sender can edit a message")
		return
	}

	content, ok := decodeContent(w, r)
	if !ok {
		mutationsTotal.WithLabelValues("update", "invalid").Inc()
		return
	}

	updated, err := s.store.UpdateMessage(r.Context(), channel.ID, messageID, content)
	if err != nil {
		mutationsTotal.WithLabelValues("update", "error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to update message")
		return
	}
	if updated == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	s.publish(r.Context(), chat.EventUpdate, updated)
	mutationsTotal.WithLabelValues("update", "ok").Inc()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	uid, channel, ok := s.authorizeChannel(w, r)
	if !ok {
		mutationsTotal.WithLabelValues("delete", "rejected").Inc()
		return
	}

	messageID := chi.URLParam(r, "messageID")
	msg, err := s.store.GetMessage(r.Context(), channel.ID, messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}
	if msg == nil {
		mutationsTotal.WithLabelValues("delete", "rejected").Inc()
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	// the sender or the channel owner may delete; edit stays sender-only.
	if msg.SenderID != uid && channel.CreatorID != uid {
		mutationsTotal.WithLabelValues("delete", "forbidden").Inc()
		writeError(w, http.StatusForbidden, "only the sender or channel owner can delete a message")
		return
	}

	deleted, err := s.store.DeleteMessage(r.Context(), channel.ID, messageID)
	if err != nil {
		mutationsTotal.WithLabelValues("delete", "error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	s.publish(r.Context(), chat.EventDelete, msg)
	mutationsTotal.WithLabelValues("delete", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// authorizeChannel resolves the session user and checks channel membership.
func (s *Server) authorizeChannel(w http.ResponseWriter, r *http.Request) (string, *chat.Channel, bool) {
	uid, err := s.authClient.CurrentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no session")
		return "", nil, false
	}

	channelID := chi.URLParam(r, "channelID")
	channel, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load channel")
		return "", nil, false
	}
	if channel == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return "", nil, false
	}
	if !channel.HasMember(uid) {
		writeError(w, http.StatusForbidden, "not a channel member")
		return "", nil, false
	}
	return uid, channel, true
}

func decodeContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body contentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return "", false
	}
	content, err := chat.ValidateContent(body.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return content, true
}

// publish is best effort: the mutation is already durable, and the feed is
// at-least-once, so clients recover missed events on their next pull.
func (s *Server) publish(ctx context.Context, t chat.EventType, msg *chat.Message) {
	if s.pub == nil {
		return
	}
	ev := &chat.FeedEvent{Type: t, Record: msg}
	if err := s.pub.Publish(ctx, ev); err != nil {
		glog.Errorf("publish %s event for message %s err: %v", t, msg.ID, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("write response err: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
