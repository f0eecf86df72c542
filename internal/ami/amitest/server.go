// Package amitest provides a scripted fake switch that speaks the manager
// protocol over a real TCP socket on the loopback interface.
package amitest

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

// Banner is the greeting written on every accepted connection.
const Banner = "Asterisk Call Manager/5.0.1\r\n"

// Handler produces the replies for one received action. Replies without an
// ActionID get the action's. Returning nil leaves the action unanswered.
type Handler func(action ami.Frame) []ami.Frame

// Server is a fake switch accepting one connection at a time.
type Server struct {
	t  testing.TB
	ln net.Listener

	mu       sync.Mutex
	conn     net.Conn
	handlers map[string]Handler
	received []ami.Frame
	changed  chan struct{}

	writeMu sync.Mutex
}

// NewServer starts listening on 127.0.0.1:0 and stops when the test ends.
// Login accepts the credentials admin/secret.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		t:        t,
		ln:       ln,
		handlers: make(map[string]Handler),
		changed:  make(chan struct{}),
	}
	s.Handle("Login", LoginHandler("admin", "secret"))
	s.Handle("Events", Reply(ami.NewFrame("Response", "Success", "Events", "On")))
	s.Handle("Logoff", Reply(ami.NewFrame("Response", "Goodbye", "Message", "Thanks for all the fish.")))
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// LoginHandler accepts exactly the given credentials.
func LoginHandler(username, secret string) Handler {
	return func(a ami.Frame) []ami.Frame {
		if a.Get("Username") == username && a.Get("Secret") == secret {
			return []ami.Frame{ami.NewFrame("Response", "Success", "Message", "Authentication accepted")}
		}
		return []ami.Frame{ami.NewFrame("Response", "Error", "Message", "Authentication failed")}
	}
}

// Reply returns a handler that always answers with frames.
func Reply(frames ...ami.Frame) Handler {
	return func(ami.Frame) []ami.Frame { return frames }
}

// Silent never answers.
func Silent(ami.Frame) []ami.Frame { return nil }

// Addr returns host:port of the listener.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Handle installs the handler for an action name, replacing any previous one.
func (s *Server) Handle(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// Emit writes frames to the current connection, waiting for one to exist.
func (s *Server) Emit(frames ...ami.Frame) {
	s.t.Helper()
	conn := s.waitConn()
	for _, f := range frames {
		if err := s.write(conn, f); err != nil {
			s.t.Logf("amitest: emit: %v", err)
		}
	}
}

// EmitRaw writes raw bytes to the current connection.
func (s *Server) EmitRaw(data string) {
	s.t.Helper()
	conn := s.waitConn()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write([]byte(data)); err != nil {
		s.t.Logf("amitest: raw write: %v", err)
	}
}

// DropConn closes the current connection from the switch side.
func (s *Server) DropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// WaitAction waits up to two seconds for the n-th (1-based) received
// action named name and returns it.
func (s *Server) WaitAction(name string, n int) ami.Frame {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		seen := 0
		for _, f := range s.received {
			if f.Action() == name {
				seen++
				if seen == n {
					s.mu.Unlock()
					return f
				}
			}
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			s.t.Fatalf("amitest: action %s #%d not received", name, n)
			return ami.Frame{}
		}
	}
}

// Count returns how many actions named name were received.
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.received {
		if f.Action() == name {
			n++
		}
	}
	return n
}

// Close stops the listener and the current connection.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConn()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.notify()
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	if _, err := conn.Write([]byte(Banner)); err != nil {
		return
	}
	parser := ami.NewParser(conn)
	for {
		action, err := parser.Next()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, action)
		h := s.handlers[action.Action()]
		s.notify()
		s.mu.Unlock()

		if h == nil {
			h = Reply(ami.NewFrame("Response", "Error", "Message", "Invalid/unknown command"))
		}
		for _, f := range h(action) {
			if f.ActionID() == "" && action.ActionID() != "" {
				f = f.With("ActionID", action.ActionID())
			}
			if err := s.write(conn, f); err != nil {
				return
			}
		}
		if action.Action() == "Logoff" {
			conn.Close()
			return
		}
	}
}

func (s *Server) write(conn net.Conn, f ami.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := conn.Write(f.Encode())
	return err
}

func (s *Server) waitConn() net.Conn {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		conn, changed := s.conn, s.changed
		s.mu.Unlock()
		if conn != nil {
			return conn
		}
		select {
		case <-changed:
		case <-deadline:
			s.t.Fatalf("amitest: no client connected")
			return nil
		}
	}
}

// notify wakes waiters; callers hold s.mu.
func (s *Server) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}
