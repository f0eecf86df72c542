// Package monitor ties the manager connection to the state store. A
// Monitor is created once per process: it logs in, keeps the store fed from
// the event stream, runs bulk syncs and issues supervisor and queue actions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/metrics"
	"github.com/sweeney/asterisk-panel/internal/state"
)

// ErrSyncRejected is returned when the switch refuses an enumeration.
var ErrSyncRejected = errors.New("enumeration rejected")

// Config holds the connection settings.
type Config struct {
	Addr          string
	Username      string
	Secret        string
	ChannelTech   string // prefix for bare extensions, e.g. PJSIP
	DialTimeout   time.Duration
	ActionTimeout time.Duration
	EventQueue    int // observer queue capacity
}

// Monitor is the long-lived owner of the connection and the state.
type Monitor struct {
	cfg     Config
	client  *ami.Client
	store   *state.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	clientOpts []ami.Option
	syncs      singleflight.Group
	observers  *observers

	// ctx bounds work shared between callers, such as syncs. Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStore replaces the default store.
func WithStore(s *state.Store) Option {
	return func(m *Monitor) { m.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithMetrics records connection, sync and observer metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithClientOptions passes extra options to the manager client.
func WithClientOptions(opts ...ami.Option) Option {
	return func(m *Monitor) { m.clientOpts = append(m.clientOpts, opts...) }
}

// New creates a disconnected Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.ChannelTech == "" {
		cfg.ChannelTech = "PJSIP"
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = 1024
	}
	m := &Monitor{
		cfg: cfg,
		log: slog.Default(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = state.New(state.WithLogger(m.log), state.WithMetrics(m.metrics))
	}
	m.observers = newObservers(cfg.EventQueue, m.log, m.metrics)

	clientOpts := []ami.Option{
		ami.WithHandler(m.onEvent),
		ami.WithLogger(m.log),
		ami.WithMetrics(m.metrics),
	}
	if cfg.DialTimeout > 0 {
		clientOpts = append(clientOpts, ami.WithDialTimeout(cfg.DialTimeout))
	}
	if cfg.ActionTimeout > 0 {
		clientOpts = append(clientOpts, ami.WithActionTimeout(cfg.ActionTimeout))
	}
	m.client = ami.NewClient(cfg.Addr, append(clientOpts, m.clientOpts...)...)
	return m
}

// onEvent runs on the read loop.
func (m *Monitor) onEvent(f ami.Frame) {
	m.store.Apply(f)
	m.observers.publish(f)
}

// Connect opens the connection and logs in.
func (m *Monitor) Connect(ctx context.Context) error {
	return m.client.Connect(ctx, m.cfg.Username, m.cfg.Secret)
}

// Start enables live events; the Monitor is then Running.
func (m *Monitor) Start(ctx context.Context) error {
	return m.client.Start(ctx)
}

// Disconnect logs off. The state tables are kept as last seen.
func (m *Monitor) Disconnect(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Close abandons running syncs, disconnects and stops the observer queue.
func (m *Monitor) Close(ctx context.Context) error {
	m.cancel()
	err := m.Disconnect(ctx)
	m.observers.close()
	return err
}

// Done is closed when the current connection ends.
func (m *Monitor) Done() <-chan struct{} {
	return m.client.Done()
}

// Err returns why the last connection ended.
func (m *Monitor) Err() error {
	return m.client.Err()
}

// Addr returns the switch address.
func (m *Monitor) Addr() string {
	return m.client.Addr()
}

// Connected reports whether actions are accepted.
func (m *Monitor) Connected() bool {
	return m.client.Connected()
}

// State returns the connection lifecycle state.
func (m *Monitor) State() ami.State {
	return m.client.State()
}

// Store returns the state store for read access.
func (m *Monitor) Store() *state.Store {
	return m.store
}

// RegisterEventCallback subscribes cb to every event and returns an id for
// UnregisterEventCallback.
func (m *Monitor) RegisterEventCallback(cb EventCallback) int {
	return m.observers.register(cb)
}

// UnregisterEventCallback removes a subscription. It reports whether the
// id was registered.
func (m *Monitor) UnregisterEventCallback(id int) bool {
	return m.observers.unregister(id)
}

// SetMonitored replaces the monitored extension set.
func (m *Monitor) SetMonitored(exts []string) {
	m.store.SetMonitored(exts)
}

// AddMonitored adds an extension to the monitored set.
func (m *Monitor) AddMonitored(ext string) {
	m.store.AddMonitored(ext)
}

// RemoveMonitored drops an extension and its status.
func (m *Monitor) RemoveMonitored(ext string) {
	m.store.RemoveMonitored(ext)
}

// Monitored returns the monitored set.
func (m *Monitor) Monitored() []string {
	return m.store.Monitored()
}

// ExtensionStatuses returns a copy of the status table.
func (m *Monitor) ExtensionStatuses() map[string]state.ExtensionStatus {
	return m.store.ExtensionStatuses()
}

// ActiveCalls returns a copy of the active call table.
func (m *Monitor) ActiveCalls() map[string]state.ActiveCall {
	return m.store.ActiveCalls()
}

// Queues returns a copy of the queues.
func (m *Monitor) Queues() map[string]state.Queue {
	return m.store.Queues()
}

// QueueEntries returns a copy of the waiting callers.
func (m *Monitor) QueueEntries() map[string]state.QueueEntry {
	return m.store.QueueEntries()
}

// SyncExtensionStatuses replaces the status table from ExtensionStateList.
func (m *Monitor) SyncExtensionStatuses(ctx context.Context) (int, error) {
	return m.sync(ctx, state.TableExtensions, ami.NewAction("ExtensionStateList"), m.store.ReplaceExtensionStatuses)
}

// SyncActiveCalls replaces the call table from CoreShowChannels.
func (m *Monitor) SyncActiveCalls(ctx context.Context) (int, error) {
	return m.sync(ctx, state.TableCalls, ami.NewAction("CoreShowChannels"), m.store.ReplaceActiveCalls)
}

// SyncQueueStatus replaces queues, members and waiting callers from
// QueueStatus.
func (m *Monitor) SyncQueueStatus(ctx context.Context) (int, error) {
	return m.sync(ctx, state.TableQueues, ami.NewAction("QueueStatus"), m.store.ReplaceQueues)
}

// SyncAll runs the three syncs concurrently.
func (m *Monitor) SyncAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := m.SyncExtensionStatuses(ctx)
		return err
	})
	g.Go(func() error {
		_, err := m.SyncActiveCalls(ctx)
		return err
	})
	g.Go(func() error {
		_, err := m.SyncQueueStatus(ctx)
		return err
	})
	return g.Wait()
}

// sync runs one enumeration and swaps the table. Concurrent calls for the
// same table share one enumeration and its result. The enumeration runs on
// the Monitor's context, so a caller giving up only stops its own wait.
func (m *Monitor) sync(ctx context.Context, table state.Table, action ami.Frame, replace func([]ami.Frame) int) (int, error) {
	ch := m.syncs.DoChan(string(table), func() (any, error) {
		return m.runSync(table, action, replace)
	})
	select {
	case res := <-ch:
		if res.Shared {
			m.log.Debug("sync result shared", "table", table)
		}
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Monitor) runSync(table state.Table, action ami.Frame, replace func([]ami.Frame) int) (int, error) {
	if !m.client.Connected() {
		return 0, ami.ErrNotConnected
	}
	if m.store.Syncing(table) {
		return 0, state.ErrSyncInProgress
	}

	// Events read before the response are already reflected in the
	// enumeration; only those after it are held for replay.
	gate := &syncGate{store: m.store, table: table}
	start := time.Now()
	resp, items, err := m.client.ListStarted(m.ctx, action, gate.begin)
	began := gate.close()
	if err != nil {
		if began {
			m.store.AbortSync(table)
		}
		return 0, fmt.Errorf("sync %s: %w", table, err)
	}
	if !resp.IsSuccess() {
		if began {
			m.store.AbortSync(table)
		}
		return 0, fmt.Errorf("sync %s: %w: %s", table, ErrSyncRejected, resp.Message())
	}
	if !began {
		return 0, fmt.Errorf("sync %s: %w", table, state.ErrSyncInProgress)
	}

	n := replace(items)
	m.metrics.ObserveSync(string(table), time.Since(start))
	m.log.Info("sync complete", "table", table, "items", len(items), "records", n, "took", time.Since(start))
	return n, nil
}

// syncGate starts holding events from the read loop once the switch accepts
// an enumeration. A start arriving after close is ignored.
type syncGate struct {
	store *state.Store
	table state.Table

	mu     sync.Mutex
	closed bool
	began  bool
}

func (g *syncGate) begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.began = g.store.BeginSync(g.table) == nil
}

// close reports whether holding started.
func (g *syncGate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.began
}
