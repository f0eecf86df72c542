// Package panel is the presentation bridge: it turns the monitor's state
// into snapshots for browser viewers over a websocket, accepts their
// supervisor and queue commands, and serves a small read-only HTTP API.
package panel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/directory"
	"github.com/sweeney/asterisk-panel/internal/metrics"
	"github.com/sweeney/asterisk-panel/internal/monitor"
	"github.com/sweeney/asterisk-panel/internal/state"
)

// Backend is what the panel needs from the monitor.
type Backend interface {
	Source
	Addr() string
	Connected() bool
	State() ami.State

	SyncAll(ctx context.Context) error
	SyncActiveCalls(ctx context.Context) (int, error)
	SyncQueueStatus(ctx context.Context) (int, error)

	ListenToCall(ctx context.Context, supervisor, target string) (monitor.Result, error)
	WhisperToCall(ctx context.Context, supervisor, target string) (monitor.Result, error)
	BargeIntoCall(ctx context.Context, supervisor, target string) (monitor.Result, error)
	QueueAdd(ctx context.Context, queue, iface string, penalty int, memberName string, paused bool) (monitor.Result, error)
	QueueRemove(ctx context.Context, queue, iface string) (monitor.Result, error)
	QueuePause(ctx context.Context, queue, iface string, paused bool, reason string) (monitor.Result, error)
	QueueUnpause(ctx context.Context, queue, iface string) (monitor.Result, error)
	NormalizeInterface(iface string) string
}

// debounce is the shortest gap between an event and the broadcast it
// triggers, so a burst of events yields one snapshot.
const debounce = 100 * time.Millisecond

// Server serves the panel.
type Server struct {
	backend  Backend
	dir      directory.Directory
	log      *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	clock    func() time.Time
	interval time.Duration

	hub  *hub
	kick chan struct{}

	mu    sync.RWMutex
	names map[string]string
}

// Option configures a Server.
type Option func(*Server)

// WithDirectory supplies extension names and settings.
func WithDirectory(d directory.Directory) Option {
	return func(s *Server) { s.dir = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records viewer counts and serves reg on /metrics.
func WithMetrics(m *metrics.Metrics, reg prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = reg
	}
}

// WithClock sets the time source used for durations.
func WithClock(c func() time.Time) Option {
	return func(s *Server) { s.clock = c }
}

// WithInterval sets the periodic broadcast interval.
func WithInterval(d time.Duration) Option {
	return func(s *Server) { s.interval = d }
}

// New creates a Server. Call Run to start broadcasting.
func New(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend:  backend,
		log:      slog.Default(),
		clock:    time.Now,
		interval: 500 * time.Millisecond,
		kick:     make(chan struct{}, 1),
		names:    map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log, s.metrics)
	return s
}

// LoadNames refreshes the display names from the directory.
func (s *Server) LoadNames(ctx context.Context) error {
	if s.dir == nil {
		return nil
	}
	names, err := directory.Names(ctx, s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
	return nil
}

func (s *Server) namesCopy() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

// Snapshot builds the current panel state.
func (s *Server) Snapshot() Snapshot {
	return BuildSnapshot(s.backend, s.namesCopy(), s.clock())
}

// Notify asks for a prompt broadcast. It never blocks and is safe to call
// from an event callback.
func (s *Server) Notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Viewers returns the number of connected websocket viewers.
func (s *Server) Viewers() int {
	return s.hub.count()
}

// Run broadcasts the snapshot every interval and shortly after each
// Notify until ctx is done, then disconnects all viewers.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.hub.closeAll()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			if pending == nil {
				pending = time.After(debounce)
			}
		case <-pending:
			pending = nil
			s.broadcastState()
		case <-ticker.C:
			s.broadcastState()
		}
	}
}

func (s *Server) broadcastState() {
	if s.hub.count() == 0 {
		return
	}
	s.hub.broadcast(s.stateMessage(typeStateUpdate))
}

func (s *Server) stateMessage(typ string) stateMessage {
	return stateMessage{Type: typ, Data: s.Snapshot(), Timestamp: s.clock()}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/extensions", s.handleExtensions)
	mux.HandleFunc("GET /api/calls", s.handleCalls)
	mux.HandleFunc("GET /api/queues", s.handleQueues)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	AMIAddr          string `json:"ami_addr"`
	Connected        bool   `json:"connected"`
	State            string `json:"state"`
	ExtensionsCount  int    `json:"extensions_count"`
	ActiveCalls      int    `json:"active_calls"`
	Queues           int    `json:"queues"`
	WebsocketClients int    `json:"websocket_clients"`
	QoSEnabled       bool   `json:"qos_enabled"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		AMIAddr:          s.backend.Addr(),
		Connected:        s.backend.Connected(),
		State:            string(s.backend.State()),
		ExtensionsCount:  len(s.backend.Monitored()),
		ActiveCalls:      len(s.backend.ActiveCalls()),
		Queues:           len(s.backend.Queues()),
		WebsocketClients: s.hub.count(),
	}
	if s.dir != nil {
		resp.QoSEnabled = directory.Bool(r.Context(), s.dir, directory.SettingQoSEnabled, false)
	}
	writeJSON(w, resp)
}

type extensionEntry struct {
	Extension  string    `json:"extension"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code"`
	InCall     bool      `json:"in_call"`
	CallInfo   *CallView `json:"call_info"`
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()
	out := make([]extensionEntry, 0, len(snap.Extensions))
	for _, e := range snap.Extensions {
		out = append(out, extensionEntry{
			Extension:  e.Extension,
			Name:       e.Name,
			Status:     e.Status,
			StatusCode: e.StatusCode,
			InCall:     e.CallInfo != nil,
			CallInfo:   e.CallInfo,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	writeJSON(w, map[string]any{"extensions": out})
}

// handleCalls refreshes the call table from the switch when connected, so
// the answer is authoritative rather than event-derived.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.backend.Connected() {
		if _, err := s.backend.SyncActiveCalls(r.Context()); err != nil {
			s.log.Warn("call sync for API failed, serving cached calls", "err", err)
		}
	}
	calls := s.backend.ActiveCalls()
	if calls == nil {
		calls = map[string]state.ActiveCall{}
	}
	writeJSON(w, map[string]any{"calls": calls})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()
	writeJSON(w, map[string]any{
		"queues":  snap.Queues,
		"members": snap.QueueMembers,
		"entries": snap.QueueEntries,
	})
}

// Close disconnects all viewers.
func (s *Server) Close() {
	s.hub.closeAll()
}
