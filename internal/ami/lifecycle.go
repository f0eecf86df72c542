package ami

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateLoggedIn     State = "logged_in"
	StateRunning      State = "running"
)

// Lifecycle events.
const (
	eventConnect = "connect"
	eventLogin   = "login"
	eventRun     = "run"
	eventDrop    = "drop"
)

// newLifecycle builds the Disconnected -> Connecting -> LoggedIn -> Running
// machine. Any non-disconnected state may drop back to Disconnected.
func newLifecycle(onChange func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: eventLogin, Src: []string{string(StateConnecting)}, Dst: string(StateLoggedIn)},
			{Name: eventRun, Src: []string{string(StateLoggedIn)}, Dst: string(StateRunning)},
			{Name: eventDrop, Src: []string{
				string(StateConnecting),
				string(StateLoggedIn),
				string(StateRunning),
			}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}

// connected reports whether actions may be issued in state s.
func (s State) connected() bool {
	return s == StateLoggedIn || s == StateRunning
}
