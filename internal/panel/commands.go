package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/asterisk-panel/internal/monitor"
)

// Message types sent to viewers.
const (
	typeInitialState = "initial_state"
	typeStateUpdate  = "state_update"
	typeActionResult = "action_result"
	typeError        = "error"
)

const errNotConnected = "Not connected to AMI"

// commandTimeout bounds one viewer command, syncs included.
const commandTimeout = 30 * time.Second

type stateMessage struct {
	Type      string    `json:"type"`
	Data      Snapshot  `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type resultMessage struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// command is a request from a viewer.
type command struct {
	Action     string `json:"action"`
	Supervisor string `json:"supervisor"`
	Target     string `json:"target"`
	Queue      string `json:"queue"`
	Interface  string `json:"interface"`
	MemberName string `json:"membername"`
	Penalty    int    `json:"penalty"`
	Paused     bool   `json:"paused"`
	Reason     string `json:"reason"`
}

var errMissingFields = errors.New("missing required fields")

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	v := &viewer{conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.add(v)
	go s.hub.writePump(v)
	defer s.hub.remove(v)

	s.hub.sendTo(v, s.stateMessage(typeInitialState))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.hub.sendTo(v, errorMessage{Type: typeError, Message: "Invalid JSON"})
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		s.hub.sendTo(v, s.execute(ctx, cmd))
		cancel()
	}
}

// execute runs one viewer command and returns the reply.
func (s *Server) execute(ctx context.Context, cmd command) any {
	if !s.backend.Connected() {
		return errorMessage{Type: typeError, Message: errNotConnected}
	}

	reply, err := s.dispatch(ctx, cmd)
	if err != nil {
		s.log.Warn("viewer command failed", "action", cmd.Action, "err", err)
		return errorMessage{Type: typeError, Message: err.Error()}
	}
	return reply
}

func (s *Server) dispatch(ctx context.Context, cmd command) (any, error) {
	switch cmd.Action {
	case "get_state":
		return s.stateMessage(typeStateUpdate), nil

	case "sync":
		if err := s.backend.SyncAll(ctx); err != nil {
			return nil, err
		}
		s.Notify()
		return resultMessage{Type: typeActionResult, Action: cmd.Action, Success: true, Message: "Full sync completed"}, nil

	case "sync_calls":
		if _, err := s.backend.SyncActiveCalls(ctx); err != nil {
			return nil, err
		}
		s.Notify()
		return resultMessage{Type: typeActionResult, Action: cmd.Action, Success: true}, nil

	case "sync_queues":
		if _, err := s.backend.SyncQueueStatus(ctx); err != nil {
			return nil, err
		}
		s.Notify()
		return resultMessage{Type: typeActionResult, Action: cmd.Action, Success: true}, nil

	case "listen", "whisper", "barge":
		return s.spy(ctx, cmd)

	case "queue_add", "queue_remove", "queue_pause", "queue_unpause":
		return s.queueCommand(ctx, cmd)

	default:
		return errorMessage{Type: typeError, Message: fmt.Sprintf("Unknown action: %s", cmd.Action)}, nil
	}
}

var spyVerbs = map[string]string{
	"listen":  "listening to",
	"whisper": "whispering to",
	"barge":   "barging into",
}

func (s *Server) spy(ctx context.Context, cmd command) (any, error) {
	if cmd.Supervisor == "" || cmd.Target == "" {
		return nil, fmt.Errorf("%s: %w: supervisor and target", cmd.Action, errMissingFields)
	}

	var res monitor.Result
	var err error
	switch cmd.Action {
	case "listen":
		res, err = s.backend.ListenToCall(ctx, cmd.Supervisor, cmd.Target)
	case "whisper":
		res, err = s.backend.WhisperToCall(ctx, cmd.Supervisor, cmd.Target)
	default:
		res, err = s.backend.BargeIntoCall(ctx, cmd.Supervisor, cmd.Target)
	}
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Started %s %s", spyVerbs[cmd.Action], cmd.Target)
	if !res.OK {
		msg = fmt.Sprintf("Failed to start %s %s: %s", spyVerbs[cmd.Action], cmd.Target, res.Message)
	}
	return resultMessage{Type: typeActionResult, Action: cmd.Action, Success: res.OK, Message: msg}, nil
}

func (s *Server) queueCommand(ctx context.Context, cmd command) (any, error) {
	iface := s.backend.NormalizeInterface(cmd.Interface)
	if cmd.Queue == "" || iface == "" {
		return nil, fmt.Errorf("%s: %w: queue and interface", cmd.Action, errMissingFields)
	}

	var res monitor.Result
	var err error
	var failure string
	switch cmd.Action {
	case "queue_add":
		res, err = s.backend.QueueAdd(ctx, cmd.Queue, iface, cmd.Penalty, cmd.MemberName, cmd.Paused)
		failure = fmt.Sprintf("Failed to add %s to %s", iface, cmd.Queue)
	case "queue_remove":
		res, err = s.backend.QueueRemove(ctx, cmd.Queue, iface)
		failure = fmt.Sprintf("Failed to remove %s from %s", iface, cmd.Queue)
	case "queue_pause":
		res, err = s.backend.QueuePause(ctx, cmd.Queue, iface, true, cmd.Reason)
		failure = fmt.Sprintf("Failed to pause %s in %s", iface, cmd.Queue)
	default:
		res, err = s.backend.QueueUnpause(ctx, cmd.Queue, iface)
		failure = fmt.Sprintf("Failed to unpause %s in %s", iface, cmd.Queue)
	}
	if err != nil {
		return nil, err
	}

	msg := res.Message
	if !res.OK {
		msg = failure + ": " + res.Message
	} else {
		s.Notify()
	}
	return resultMessage{Type: typeActionResult, Action: cmd.Action, Success: res.OK, Message: msg}, nil
}
