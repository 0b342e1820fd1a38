package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chat"
)

// Events delivered between subscribe and the initial snapshot pull queue up
// here and are replayed afterwards; the buffer is what bridges the
// snapshot/subscribe race.
const feedEventBuffer = 256

// WsFeed dials the server's /ws endpoint, one connection per subscription.
type WsFeed struct {
	serverAddr string // host:port
	uid        string
	dialer     *websocket.Dialer
}

func NewWsFeed(serverAddr, uid string) *WsFeed {
	return &WsFeed{
		serverAddr: serverAddr,
		uid:        uid,
		dialer:     websocket.DefaultDialer,
	}
}

func (f *WsFeed) Subscribe(ctx context.Context, channelID string) (Subscription, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     f.serverAddr,
		Path:     "/ws",
		RawQuery: "channel=" + url.QueryEscape(channelID),
	}
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: "x-uid", Value: f.uid}).String())

	conn, _, err := f.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("feed dial %s: %w", u.String(), err)
	}

	sub := &wsSubscription{
		channelID: channelID,
		conn:      conn,
		events:    make(chan *chat.FeedEvent, feedEventBuffer),
	}
	go sub.recvLoop()
	return sub, nil
}

type wsSubscription struct {
	sync.Mutex

	channelID string
	conn      *websocket.Conn
	events    chan *chat.FeedEvent
	closing   bool
}

func (s *wsSubscription) Events() <-chan *chat.FeedEvent {
	return s.events
}

func (s *wsSubscription) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.closing {
		return nil
	}
	s.closing = true
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *wsSubscription) recvLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Lock()
			closing := s.closing
			s.Unlock()
			if !closing {
				glog.Errorf("feed: read error, channel: %s, err: %v", s.channelID, err)
			}
			return
		}

		var ev chat.FeedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			glog.Errorf("feed: bad event: %s, err: %v", string(data), err)
			continue
		}
		if !ev.Valid() {
			glog.Errorf("feed: dropping malformed event: %s", string(data))
			continue
		}
		s.events <- &ev
	}
}
