// Package wspreview is a preview Surface that streams the composite to
// browser clients as JPEG frames over websockets.
//
// Present copies the frame into a single-slot mailbox and returns; a
// separate goroutine encodes the latest frame and fans it out. A client
// whose send buffer is full misses that frame (DropNew), so a slow
// browser never slows the render loop or the other clients.
package wspreview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/sink/stills"
)

const writeTimeout = 2 * time.Second

// Config contains configuration for the preview server
type Config struct {
	Addr         string // listen address for ListenAndServe (default: ":8090")
	Quality      int    // JPEG quality (default: 70)
	ClientBuffer int    // frames buffered per client (default: 2)
}

// Stats contains preview server statistics
type Stats struct {
	Presented   uint64 // frames received from the compositor
	Overwritten uint64 // replaced in the mailbox before encoding
	Encoded     uint64
	Sent        uint64 // client messages written
	Dropped     uint64 // client buffer full
	Clients     int
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Server implements framecompositor.Surface.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  []byte // last encoded JPEG, served on /preview.jpg

	inboxMu   sync.Mutex
	inboxCond *sync.Cond
	inbox     *image.RGBA
	spare     *image.RGBA // recycled buffer for the next Present

	closed atomic.Bool
	wg     sync.WaitGroup
	httpMu sync.Mutex
	http   *http.Server

	presented   atomic.Uint64
	overwritten atomic.Uint64
	encoded     atomic.Uint64
	sent        atomic.Uint64
	dropped     atomic.Uint64
}

// New creates a server and starts its encode goroutine. The HTTP side is
// served either by ListenAndServe or by mounting Handler.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 70
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 2
	}

	s := &Server{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
	s.inboxCond = sync.NewCond(&s.inboxMu)

	s.wg.Add(1)
	go s.encodeLoop()
	return s
}

// Valid reports false once the server is closed; the compositor then
// treats the preview as destroyed.
func (s *Server) Valid() bool {
	return !s.closed.Load()
}

// Present copies img into the mailbox. Never blocks on clients.
func (s *Server) Present(img *image.RGBA, _ time.Time) error {
	if s.closed.Load() {
		return framecompositor.ErrSurfaceInvalid
	}
	s.presented.Add(1)

	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	buf := s.inbox
	if buf != nil {
		s.overwritten.Add(1)
	} else {
		buf, s.spare = s.spare, nil
	}
	if buf == nil || buf.Bounds() != img.Bounds() {
		buf = image.NewRGBA(img.Bounds())
	}
	copy(buf.Pix, img.Pix)
	s.inbox = buf
	s.inboxCond.Signal()
	return nil
}

// Handler serves /ws (frame stream) and /preview.jpg (latest frame).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/preview.jpg", s.serveLatest)
	return mux
}

// ListenAndServe serves Handler on cfg.Addr until ctx is cancelled or
// Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	s.httpMu.Lock()
	s.http = srv
	s.httpMu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	slog.Info("wspreview: listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("wspreview: listen: %w", err)
	}
	return nil
}

// Close disconnects every client, stops the encode goroutine and shuts the
// HTTP server down. Idempotent.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.inboxMu.Lock()
	s.inbox = nil
	s.inboxCond.Broadcast()
	s.inboxMu.Unlock()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.httpMu.Lock()
	srv := s.http
	s.httpMu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("wspreview: shutdown: %w", err)
		}
	}
	slog.Info("wspreview: closed", "encoded", s.encoded.Load(), "sent", s.sent.Load())
	return nil
}

// Stats returns preview server statistics
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()

	return Stats{
		Presented:   s.presented.Load(),
		Overwritten: s.overwritten.Load(),
		Encoded:     s.encoded.Load(),
		Sent:        s.sent.Load(),
		Dropped:     s.dropped.Load(),
		Clients:     n,
	}
}

func (s *Server) encodeLoop() {
	defer s.wg.Done()

	for {
		s.inboxMu.Lock()
		for s.inbox == nil && !s.closed.Load() {
			s.inboxCond.Wait()
		}
		if s.closed.Load() {
			s.inboxMu.Unlock()
			return
		}
		img := s.inbox
		s.inbox = nil
		s.inboxMu.Unlock()

		data, err := stills.Encode(img, s.cfg.Quality)

		// Hand the buffer back for the next Present.
		s.inboxMu.Lock()
		if s.spare == nil {
			s.spare = img
		}
		s.inboxMu.Unlock()

		if err != nil {
			slog.Error("wspreview: encode failed", "error", err)
			continue
		}
		s.encoded.Add(1)
		s.broadcast(data)
	}
}

func (s *Server) broadcast(data []byte) {
	s.mu.Lock()
	s.latest = data
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "preview closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wspreview: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, s.cfg.ClientBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("wspreview: client connected", "remote", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	slog.Info("wspreview: client disconnected", "remote", r.RemoteAddr)
}

// readPump discards client messages; it returns when the peer goes away.
func (s *Server) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.close()
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) serveLatest(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	data := s.latest
	s.mu.RUnlock()

	if data == nil {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}
