package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chat"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend, see dev/nginx.conf.
		// TODO: possible SECURITY LEAK.
		return true
	},
}

// Handler manages one active subscription to an end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *session
	conn    *websocket.Conn

	dataChan chan *sessionData

	closing bool
}

// sessionData is the data structure for `dataChan`.
type sessionData struct {
	Error SessionError    `json:"error,omitempty"`
	Event *chat.FeedEvent `json:"event,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask the hub to remove this handler.
		h.hub.delHandler(h.session.Sid)
	}
}

func (h *Handler) appendDataChan(v *sessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		select {
		case h.dataChan <- v:
		default:
			// Slow consumer. Drop the subscription rather than block the
			// broadcast path; the client reconnects and pulls a fresh snapshot.
			glog.Errorf("appendDataChan(): data chan full, session: %s", h)
			go h.close(WriteError)
		}
	}
}

func sendEvent(conn *websocket.Conn, ev *chat.FeedEvent) error {
	out, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

// recvLoop only consumes control frames. The feed is one way; any text
// message from the peer is a protocol error.
func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&sessionData{Error: ReadError})
			return
		}

		glog.Errorf("recvLoop(): unexpected client message, type: %d, msg: %s", msgType, string(msg))
		h.appendDataChan(&sessionData{Error: BadRequest})
		return
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			if err := sendEvent(h.conn, v.Event); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.appendDataChan(&sessionData{Error: WriteError})
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{Error: PingError})
				return
			}
		}
	}
}
