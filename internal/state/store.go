// Package state holds the switch state reconstructed from manager events:
// monitored extensions and their status, active calls, queue membership and
// waiting callers.
//
// All mutation goes through Apply (live events), the Replace* methods (bulk
// sync results) and the queue membership marks made by the action layer.
// Readers get copies.
package state

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/metrics"
)

// ErrSyncInProgress is returned by BeginSync when the table is already
// being replaced.
var ErrSyncInProgress = errors.New("sync already in progress")

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

type handler struct {
	table Table
	apply func(s *Store, f ami.Frame, now time.Time)
}

// handlers maps event names to the table they mutate. Events not listed
// are ignored.
var handlers = map[string]handler{
	"ExtensionStatus":   {TableExtensions, (*Store).onExtensionStatus},
	"DeviceStateChange": {TableExtensions, (*Store).onDeviceStateChange},

	"Newchannel":    {TableCalls, (*Store).onNewchannel},
	"Newstate":      {TableCalls, (*Store).onNewstate},
	"NewCallerid":   {TableCalls, (*Store).onNewCallerid},
	"DialBegin":     {TableCalls, (*Store).onDialBegin},
	"DialState":     {TableCalls, (*Store).onDialState},
	"DialEnd":       {TableCalls, (*Store).onDialEnd},
	"BridgeEnter":   {TableCalls, (*Store).onBridgeEnter},
	"BridgeLeave":   {TableCalls, (*Store).onBridgeLeave},
	"BlindTransfer": {TableCalls, (*Store).onBlindTransfer},
	"Hangup":        {TableCalls, (*Store).onHangup},

	"QueueMemberAdded":   {TableQueues, (*Store).onMemberUpdate},
	"QueueMemberStatus":  {TableQueues, (*Store).onMemberUpdate},
	"QueueMemberPause":   {TableQueues, (*Store).onMemberPause},
	"QueueMemberPaused":  {TableQueues, (*Store).onMemberPause},
	"QueueMemberRemoved": {TableQueues, (*Store).onMemberRemoved},
	"QueueCallerJoin":    {TableQueues, (*Store).onCallerJoin},
	"Join":               {TableQueues, (*Store).onCallerJoin},
	"QueueCallerLeave":   {TableQueues, (*Store).onCallerLeave},
	"Leave":              {TableQueues, (*Store).onCallerLeave},
	"QueueCallerAbandon": {TableQueues, (*Store).onCallerAbandon},
}

// Store is the authoritative in-memory state.
type Store struct {
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	monitored  map[string]struct{}
	extensions map[string]ExtensionStatus
	calls      map[string]*callRecord
	offered    map[string]*callRecord // channel -> leg ringing a busy extension
	bridges    map[string][]string // bridge id -> channels
	queues     map[string]*Queue
	entries    map[string]QueueEntry // uniqueid -> waiting caller

	// dynamic records members added through this process, with the queue
	// sync epoch in which they were marked.
	dynamic    map[memberKey]uint64
	queueEpoch uint64

	syncing map[Table]bool
	held    map[Table][]ami.Frame
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics records unknown and held events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:      time.Now,
		log:        slog.Default(),
		monitored:  make(map[string]struct{}),
		extensions: make(map[string]ExtensionStatus),
		calls:      make(map[string]*callRecord),
		offered:    make(map[string]*callRecord),
		bridges:    make(map[string][]string),
		queues:     make(map[string]*Queue),
		entries:    make(map[string]QueueEntry),
		dynamic:    make(map[memberKey]uint64),
		syncing:    make(map[Table]bool),
		held:       make(map[Table][]ami.Frame),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handles reports whether the store models the named event.
func Handles(event string) bool {
	_, ok := handlers[event]
	return ok
}

// Apply folds one live event into the state. It returns false for events
// the store does not model. While the event's table is being replaced by a
// sync, the event is held and applied right after the replacement.
func (s *Store) Apply(f ami.Frame) bool {
	name := f.Event()
	h, ok := handlers[name]
	if !ok {
		if name != "" {
			s.metrics.UnknownEvent()
			s.log.Debug("ignoring unmodeled event", "event", name)
		}
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing[h.table] {
		s.held[h.table] = append(s.held[h.table], f)
		s.metrics.EventHeld(string(h.table))
		return true
	}
	h.apply(s, f, s.clock())
	return true
}

// BeginSync starts holding live events for t until the matching Replace
// or AbortSync call.
func (s *Store) BeginSync(t Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing[t] {
		return ErrSyncInProgress
	}
	s.syncing[t] = true
	if t == TableQueues {
		s.queueEpoch++
	}
	return nil
}

// AbortSync stops holding events for t, keeping the current table, and
// applies whatever was held.
func (s *Store) AbortSync(t Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishSync(t)
}

// Syncing reports whether t is being replaced.
func (s *Store) Syncing(t Table) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing[t]
}

// finishSync replays held events in arrival order. Callers hold s.mu.
func (s *Store) finishSync(t Table) {
	held := s.held[t]
	delete(s.held, t)
	s.syncing[t] = false
	if len(held) == 0 {
		return
	}
	now := s.clock()
	for _, f := range held {
		handlers[f.Event()].apply(s, f, now)
	}
	s.log.Debug("replayed held events", "table", t, "count", len(held))
}

// SetMonitored replaces the monitored set. Status entries for extensions
// leaving the set are dropped.
func (s *Store) SetMonitored(exts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitored = make(map[string]struct{}, len(exts))
	for _, e := range exts {
		if e != "" {
			s.monitored[e] = struct{}{}
		}
	}
	for ext := range s.extensions {
		if _, ok := s.monitored[ext]; !ok {
			delete(s.extensions, ext)
		}
	}
}

// AddMonitored adds one extension to the monitored set.
func (s *Store) AddMonitored(ext string) {
	if ext == "" {
		return
	}
	s.mu.Lock()
	s.monitored[ext] = struct{}{}
	s.mu.Unlock()
}

// RemoveMonitored removes one extension and its status.
func (s *Store) RemoveMonitored(ext string) {
	s.mu.Lock()
	delete(s.monitored, ext)
	delete(s.extensions, ext)
	s.mu.Unlock()
}

// IsMonitored reports whether ext is in the monitored set.
func (s *Store) IsMonitored(ext string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.monitored[ext]
	return ok
}

// Monitored returns the monitored set, sorted.
func (s *Store) Monitored() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.monitored))
	for ext := range s.monitored {
		out = append(out, ext)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ExtensionStatuses returns a copy of the status table.
func (s *Store) ExtensionStatuses() map[string]ExtensionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ExtensionStatus, len(s.extensions))
	for ext, st := range s.extensions {
		out[ext] = st.clone()
	}
	return out
}

// ExtensionStatus returns the status of one extension.
func (s *Store) ExtensionStatus(ext string) (ExtensionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.extensions[ext]
	return st.clone(), ok
}

// ActiveCalls returns a copy of the active call table.
func (s *Store) ActiveCalls() map[string]ActiveCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ActiveCall, len(s.calls))
	for ext, rec := range s.calls {
		out[ext] = rec.ActiveCall
	}
	return out
}

// ActiveCall returns the call ext is part of.
func (s *Store) ActiveCall(ext string) (ActiveCall, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[ext]
	if !ok {
		return ActiveCall{}, false
	}
	return rec.ActiveCall, true
}

// Queues returns a copy of every queue with its members.
func (s *Store) Queues() map[string]Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Queue, len(s.queues))
	for name, q := range s.queues {
		out[name] = q.clone()
	}
	return out
}

// Queue returns one queue.
func (s *Store) Queue(name string) (Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	if !ok {
		return Queue{}, false
	}
	return q.clone(), true
}

// QueueEntries returns a copy of the waiting callers keyed by uniqueid.
func (s *Store) QueueEntries() map[string]QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]QueueEntry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

func (st ExtensionStatus) clone() ExtensionStatus {
	if st.Fields == nil {
		return st
	}
	fields := make(map[string]string, len(st.Fields))
	for k, v := range st.Fields {
		fields[k] = v
	}
	st.Fields = fields
	return st
}
