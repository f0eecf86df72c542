package ami

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sweeney/asterisk-panel/internal/metrics"
)

// FrameHandler receives every unsolicited event once the client is running.
// It is called on the read loop and must not block.
type FrameHandler func(Frame)

// Dialer opens the TCP stream to the switch.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Client owns one manager connection: the socket, the read loop that splits
// the stream into frames, and the table of actions waiting for responses.
type Client struct {
	addr          string
	dial          Dialer
	dialTimeout   time.Duration
	actionTimeout time.Duration
	eventMask     string
	handler       FrameHandler
	onState       func(from, to State)
	log           *slog.Logger
	metrics       *metrics.Metrics

	lifecycle *fsm.FSM
	pending   *pending
	seq       atomic.Uint64
	running   atomic.Bool

	mu      sync.Mutex // guards conn, session, done, err, closing
	conn    net.Conn
	session string
	done    chan struct{}
	err     error
	closing bool

	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHandler sets the destination for unsolicited events.
func WithHandler(h FrameHandler) Option {
	return func(c *Client) { c.handler = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records frame and action metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialTimeout bounds connection establishment and each socket write.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithActionTimeout sets how long an action waits for its response.
func WithActionTimeout(d time.Duration) Option {
	return func(c *Client) { c.actionTimeout = d }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithEventMask sets the mask sent when entering Running. Default "on".
func WithEventMask(mask string) Option {
	return func(c *Client) { c.eventMask = mask }
}

// WithStateListener is called after every lifecycle transition.
func WithStateListener(fn func(from, to State)) Option {
	return func(c *Client) { c.onState = fn }
}

// NewClient creates a disconnected client for the switch at addr.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		addr:          addr,
		dialTimeout:   10 * time.Second,
		actionTimeout: 5 * time.Second,
		eventMask:     "on",
		log:           slog.Default(),
		pending:       newPending(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		d := &net.Dialer{Timeout: c.dialTimeout}
		c.dial = d.DialContext
	}
	c.lifecycle = newLifecycle(func(from, to State) {
		c.log.Info("AMI connection state", "from", from, "to", to)
		c.metrics.SetConnectionState(string(to))
		if c.onState != nil {
			c.onState(from, to)
		}
	})
	c.metrics.SetConnectionState(string(StateDisconnected))
	return c
}

// Addr returns the switch address.
func (c *Client) Addr() string {
	return c.addr
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.lifecycle.Current())
}

// Connected reports whether actions are currently accepted.
func (c *Client) Connected() bool {
	return c.State().connected()
}

// Done returns a channel closed when the current connection ends. With no
// connection it returns an already closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Err returns why the last connection ended; nil after an explicit Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect opens the stream and logs in, blocking until the login response
// arrives. On any failure the client is back in Disconnected.
func (c *Client) Connect(ctx context.Context, username, secret string) error {
	if err := c.fire(ctx, eventConnect); err != nil {
		return fmt.Errorf("connect from state %s: %w", c.State(), err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dial(dialCtx, "tcp", c.addr)
	cancel()
	if err != nil {
		c.fire(context.Background(), eventDrop)
		return connectionError("dial "+c.addr, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.session = uuid.NewString()
	c.done = done
	c.err = nil
	c.closing = false
	c.mu.Unlock()

	go c.readLoop(conn)

	login := NewAction("Login", "Username", username, "Secret", secret, "Events", "off")
	resp, err := c.roundTrip(ctx, login, false, false, nil)
	if err != nil {
		c.teardown(conn, err)
		if errors.Is(err, ErrConnectionLost) {
			return connectionError("login", err)
		}
		return fmt.Errorf("login: %w", err)
	}
	if !resp.frame.IsSuccess() {
		authErr := &AuthError{Message: resp.frame.Message()}
		c.teardown(conn, authErr)
		return authErr
	}

	if err := c.fire(ctx, eventLogin); err != nil {
		c.teardown(conn, err)
		return fmt.Errorf("login: %w", err)
	}
	c.log.Info("AMI authenticated", "addr", c.addr, "user", username)
	return nil
}

// Start enables event delivery: it asks the switch for events and begins
// handing unsolicited frames to the handler.
func (c *Client) Start(ctx context.Context) error {
	if c.State() != StateLoggedIn {
		return fmt.Errorf("start from state %s: %w", c.State(), ErrNotConnected)
	}
	c.running.Store(true)
	if _, err := c.Send(NewAction("Events", "EventMask", c.eventMask)); err != nil {
		c.running.Store(false)
		return fmt.Errorf("enabling events: %w", err)
	}
	if err := c.fire(ctx, eventRun); err != nil {
		c.running.Store(false)
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// Disconnect logs off and closes the connection. Outstanding actions fail
// with ErrConnectionLost.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.closing = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	logoffCtx, cancel := context.WithTimeout(ctx, time.Second)
	_, err := c.roundTrip(logoffCtx, NewAction("Logoff"), false, false, nil)
	cancel()
	if err != nil {
		c.log.Debug("logoff not acknowledged", "err", err)
	}

	c.teardown(conn, nil)
	return nil
}

// Send writes an action without waiting for its response, assigning an
// ActionID when the frame has none. The response, when it comes, is logged
// and discarded.
func (c *Client) Send(action Frame) (string, error) {
	conn, session, err := c.current(true)
	if err != nil {
		return "", err
	}
	action, id := c.tag(action, session)
	if err := c.write(conn, action); err != nil {
		return "", err
	}
	return id, nil
}

// Do sends an action and waits for its response frame. A switch-side
// rejection (Response: Error) is returned as a frame, not an error.
func (c *Client) Do(ctx context.Context, action Frame) (Frame, error) {
	r, err := c.roundTrip(ctx, action, false, true, nil)
	return r.frame, err
}

// List sends an enumeration action and collects every event carrying its
// ActionID up to the list-complete event. The returned frame is the initial
// response; on Response: Error there are no items.
func (c *Client) List(ctx context.Context, action Frame) (Frame, []Frame, error) {
	return c.ListStarted(ctx, action, nil)
}

// ListStarted is List with a callback run on the read loop when the switch
// accepts the enumeration. Every frame read after the response, list items
// and live events alike, is dispatched after started returns. started does
// not run when the action is rejected or never answered.
func (c *Client) ListStarted(ctx context.Context, action Frame, started func()) (Frame, []Frame, error) {
	r, err := c.roundTrip(ctx, action, true, true, started)
	return r.frame, r.items, err
}

// Pending returns the number of actions waiting for a response.
func (c *Client) Pending() int {
	return c.pending.len()
}

func (c *Client) roundTrip(ctx context.Context, action Frame, list, requireConnected bool, started func()) (reply, error) {
	name := action.Action()
	conn, session, err := c.current(requireConnected)
	if err != nil {
		return reply{}, err
	}

	action, id := c.tag(action, session)
	w := c.pending.register(id, list, started)
	c.metrics.SetPending(c.pending.len())
	defer func() { c.metrics.SetPending(c.pending.len()) }()

	if err := c.write(conn, action); err != nil {
		c.pending.forget(id)
		c.metrics.ActionCompleted(name, "lost")
		return reply{}, err
	}

	timer := time.NewTimer(c.actionTimeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		c.record(name, r)
		return r, r.err
	case <-timer.C:
		c.pending.resolve(id, reply{err: fmt.Errorf("%w: %s after %s", ErrActionTimeout, name, c.actionTimeout)})
		r := <-w.ch
		c.record(name, r)
		return r, r.err
	case <-ctx.Done():
		c.pending.forget(id)
		c.metrics.ActionCompleted(name, "cancelled")
		return reply{}, ctx.Err()
	}
}

func (c *Client) record(name string, r reply) {
	switch {
	case errors.Is(r.err, ErrActionTimeout):
		c.metrics.ActionCompleted(name, "timeout")
	case r.err != nil:
		c.metrics.ActionCompleted(name, "lost")
	case r.frame.IsSuccess():
		c.metrics.ActionCompleted(name, "success")
	default:
		c.metrics.ActionCompleted(name, "rejected")
	}
}

func (c *Client) current(requireConnected bool) (net.Conn, string, error) {
	c.mu.Lock()
	conn, session := c.conn, c.session
	c.mu.Unlock()
	if conn == nil {
		return nil, "", ErrNotConnected
	}
	if requireConnected && !c.Connected() {
		return nil, "", ErrNotConnected
	}
	return conn, session, nil
}

// tag assigns the next ActionID of this session unless one is set.
func (c *Client) tag(action Frame, session string) (Frame, string) {
	if id := action.ActionID(); id != "" {
		return action, id
	}
	id := fmt.Sprintf("%s-%d", session, c.seq.Add(1))
	return action.With("ActionID", id), id
}

func (c *Client) write(conn net.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.dialTimeout)); err != nil {
		return connectionError("set write deadline", err)
	}
	if _, err := conn.Write(f.Encode()); err != nil {
		// The read loop notices the closed socket and tears down.
		conn.Close()
		return connectionError("write "+f.Action(), err)
	}
	c.log.Debug("AMI action sent", "frame", f.String())
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	parser := NewParser(conn)
	for {
		f, err := parser.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.ErrUnexpectedEOF):
				err = connectionError("read", fmt.Errorf("stream closed mid-frame: %w", err))
			case errors.Is(err, io.EOF):
				err = connectionError("read", io.EOF)
			default:
				err = connectionError("read", err)
			}
			c.teardown(conn, err)
			return
		}
		c.dispatch(f)
	}
}

// dispatch classifies one inbound frame: responses and list items go to
// the correlation table, events to the handler.
func (c *Client) dispatch(f Frame) {
	switch {
	case f.IsResponse():
		c.metrics.FrameReceived("response")
	case f.IsEvent():
		c.metrics.FrameReceived("event")
	default:
		c.metrics.FrameReceived("other")
	}

	if c.pending.route(f) {
		return
	}
	if f.IsResponse() {
		c.log.Debug("discarding unmatched response", "action_id", f.ActionID(), "response", f.Response(), "message", f.Message())
		return
	}
	if !f.IsEvent() {
		c.log.Debug("discarding frame without Event or Response", "frame", f.String())
		return
	}
	if !c.running.Load() || c.handler == nil {
		return
	}
	c.handler(f)
}

// teardown ends conn once. Later calls for the same or an older conn are no-ops.
func (c *Client) teardown(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.closing {
		cause = nil
	}
	c.conn = nil
	c.err = cause
	done := c.done
	c.mu.Unlock()

	c.running.Store(false)
	conn.Close()
	c.fire(context.Background(), eventDrop)
	failed := c.pending.failAll(ErrConnectionLost)
	c.metrics.SetPending(0)
	close(done)

	if cause != nil {
		c.log.Warn("AMI connection closed", "err", cause, "failed_actions", failed)
	} else {
		c.log.Info("AMI disconnected", "failed_actions", failed)
	}
}

func (c *Client) fire(ctx context.Context, event string) error {
	err := c.lifecycle.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}
