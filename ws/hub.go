// Package ws pushes channel feed events to subscribed websocket clients.
package ws

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
)

var openSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "minichat_open_subscriptions",
	Help: "Currently open websocket feed subscriptions.",
})

// session identifies one websocket subscription.
type session struct {
	Uid        string `json:"uid"`
	Sid        string `json:"sid"`
	ChannelID  string `json:"channel_id"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip"`
}

// Hub manages feed subscriptions and fans events out to them.
type Hub struct {
	authClient auth.Client
	store      store.IMessageStore
	hstore     *HandlerStore
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, st store.IMessageStore) *Hub {
	return &Hub{
		authClient: authClient,
		store:      st,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// Broadcast pushes ev to every open subscription on the event's channel.
func (h *Hub) Broadcast(ev *chat.FeedEvent) {
	if !ev.Valid() {
		glog.Errorf("Broadcast(): drop invalid event: %+v", ev)
		return
	}

	handlers := h.hstore.getByChannel(ev.Record.ChannelID)
	glog.V(5).Infof("Broadcast(): %s event on channel %s to %d sessions",
		ev.Type, ev.Record.ChannelID, len(handlers))

	for _, s := range handlers {
		s.appendDataChan(&sessionData{Event: ev})
	}
}

// ServeHTTP handles websocket subscribe requests from the peer.
// The channel to follow is passed as the `channel` query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.CurrentUser(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusUnauthorized)
		return
	}

	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "Missing channel parameter", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsMember(r.Context(), channelID, uid)
	if err != nil {
		http.Error(w, "Failed to check membership", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Not a channel member", http.StatusForbidden)
		return
	}

	sess := &session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		ChannelID:  channelID,
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *sessionData, 16),
		session:  sess,
		conn:     conn,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// Close shuts every open subscription down.
func (h *Hub) Close() {
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	openSubscriptions.Inc()
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		openSubscriptions.Dec()
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
