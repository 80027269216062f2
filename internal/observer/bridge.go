// Package observer implements the optional WebSocket bridge that mirrors
// session lifecycle events and transcript text to a subscriber bound to a
// client's IP. It never receives audio. Grounded on the one-goroutine-
// per-connection, non-blocking-chan-handoff shape of
// rustyguts-bken/server/internal/ws's handler, built on
// github.com/gorilla/websocket.
package observer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event types mirrored to an observer, matching the gateway's JSON frame
// contract.
const (
	EventConnected = "connected"
	EventMigrated  = "migrated"
	EventUtterance = "utterance"
	EventReplyText = "reply_text"
	EventReset     = "reset"
	EventReaped    = "reaped"
)

// Frame is the JSON envelope sent to every subscribed observer.
type Frame struct {
	Event    string `json:"event"`
	ClientIP string `json:"client_ip"`
	Payload  any    `json:"payload"`
}

const outboundBuffer = 32

// conn wraps one observer's WebSocket connection with a non-blocking
// outbound queue, so a slow or stuck observer can never block the
// gateway's event-publishing path.
type conn struct {
	ws   *websocket.Conn
	out  chan Frame
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.out)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	for frame := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteJSON(frame); err != nil {
			logrus.WithError(err).Debug("observer write failed, dropping connection")
			c.close()
			return
		}
	}
}

// Bridge is the observer server: a map of client IP -> subscribed
// connection. The binding is weak — looked up by IP at send time, never
// an owning pointer held by a LogicalClient — so reaping a client never
// needs to know whether an observer is attached.
type Bridge struct {
	mu       sync.RWMutex
	byIP     map[string]*conn
	upgrader websocket.Upgrader
}

// NewBridge returns an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{
		byIP: make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and binds it to the
// client_ip query parameter, replacing any prior subscriber for that IP.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("client_ip")
	if ip == "" {
		http.Error(w, "client_ip query parameter required", http.StatusBadRequest)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("observer upgrade failed")
		return
	}

	c := &conn{ws: ws, out: make(chan Frame, outboundBuffer)}

	b.mu.Lock()
	if old, exists := b.byIP[ip]; exists {
		old.close()
	}
	b.byIP[ip] = c
	b.mu.Unlock()

	go c.writeLoop()

	go func() {
		defer func() {
			b.mu.Lock()
			if b.byIP[ip] == c {
				delete(b.byIP, ip)
			}
			b.mu.Unlock()
			c.close()
		}()
		// the observer never sends anything meaningful back; read only to
		// detect disconnect.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Notify sends one event frame to the observer bound to ip, if any. A
// non-blocking send: a full or absent subscriber simply drops the event.
func (b *Bridge) Notify(ip, event string, payload any) {
	b.mu.RLock()
	c, ok := b.byIP[ip]
	b.mu.RUnlock()
	if !ok {
		return
	}

	frame := Frame{Event: event, ClientIP: ip, Payload: payload}
	select {
	case c.out <- frame:
	default:
		logrus.WithFields(logrus.Fields{"ip": ip, "event": event}).Warn("observer outbound buffer full, dropping event")
	}
}

// MarshalFrame is a small helper exposed for tests and callers that want
// to inspect the wire form of a Frame without a live connection.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
