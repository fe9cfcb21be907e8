// Package progressfeed broadcasts install progress to WebSocket clients. It is
// the companion listener started and stopped together with the services.
package progressfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type Feed struct {
	addr string
	log  *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	clients  map[*client]struct{}
	last     []byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// New returns a feed that listens on addr once started.
func New(addr string, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		addr:    addr,
		log:     log.With(slog.String("component", "progressfeed")),
		clients: make(map[*client]struct{}),
	}
}

// Start begins accepting clients. Starting a running feed is a no-op.
func (f *Feed) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/progress", f.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	f.srv = srv
	f.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("progress feed stopped", slog.Any("error", err))
		}
	}()
	f.log.Info("progress feed listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop disconnects every client and closes the listener.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	srv := f.srv
	f.srv = nil
	f.listener = nil
	clients := f.clients
	f.clients = make(map[*client]struct{})
	f.mu.Unlock()

	for c := range clients {
		c.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or "" when the feed is not running.
func (f *Feed) Addr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// Publish sends ev to every connected client. Clients that cannot keep up are
// dropped. Matches domain.ProgressFunc.
func (f *Feed) Publish(ev domain.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Warn("failed to encode progress", slog.Any("error", err))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = data
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.log.Warn("dropping slow progress client")
			delete(f.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Handler upgrades requests to WebSocket connections and registers them.
// A new client first receives the most recent event.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.log.Error("failed to upgrade the websocket", slog.Any("error", err))
			return
		}
		c := &client{conn: ws, send: make(chan []byte, sendBuffer)}

		f.mu.Lock()
		f.clients[c] = struct{}{}
		if f.last != nil {
			c.send <- f.last
		}
		f.mu.Unlock()

		go f.readLoop(c)
		f.writeLoop(c)
	})
}

func (f *Feed) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.log.Debug("progress client write failed", slog.Any("error", err))
			f.remove(c)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop only notices disconnects; clients never send anything meaningful.
func (f *Feed) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			f.remove(c)
			return
		}
	}
}

func (f *Feed) remove(c *client) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}
