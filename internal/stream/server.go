// Package stream serves the annotated camera feed as MJPEG over HTTP.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facecam/internal/frameslot"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

const indexPage = `<html>
<head>
<title>facecam MJPEG streaming</title>
</head>
<body>
<img src="stream.mjpg" width="640" height="480"/>
</body>
</html>
`

// Server hands every /stream.mjpg request its own Session.
type Server struct {
	addr    string
	slot    *frameslot.Slot
	process ProcessFunc
	events  *EventHub

	clients atomic.Int64
	nextID  atomic.Uint64
}

// NewServer streams frames from slot through process. events may be nil.
func NewServer(addr string, slot *frameslot.Slot, process ProcessFunc, events *EventHub) *Server {
	if process == nil {
		process = Passthrough
	}
	return &Server{addr: addr, slot: slot, process: process, events: events}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/index.html", http.StatusMovedPermanently)
	})
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /stream.mjpg", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.events != nil {
		mux.Handle("GET /events", s.events)
	}
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Content-Length", strconv.Itoa(len(indexPage)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(indexPage))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := s.nextID.Add(1)
	log := logrus.WithFields(logrus.Fields{"client": r.RemoteAddr, "session": id})

	WriteHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	s.clients.Add(1)
	defer s.clients.Add(-1)
	log.Info("streaming client connected")

	NewSession(s.slot, s.process, w, log).Run(r.Context())
}

// Health is the /healthz body.
type Health struct {
	Status  string `json:"status"`
	Frames  uint64 `json:"frames"`
	Clients int64  `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Health{Status: "ok", Frames: s.slot.Seq(), Clients: s.clients.Load()})
}

// Clients returns the number of active stream sessions.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx so sessions stop with it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.addr).Info("streaming server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.events != nil {
		s.events.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logrus.Info("streaming server stopped")
	return nil
}
