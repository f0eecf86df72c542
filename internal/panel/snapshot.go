package panel

import (
	"fmt"
	"sort"
	"time"

	"github.com/sweeney/asterisk-panel/internal/state"
)

// Display statuses shown per extension.
const (
	StatusIdle        = "idle"
	StatusInCall      = "in_call"
	StatusRinging     = "ringing"
	StatusDialing     = "dialing"
	StatusOnHold      = "on_hold"
	StatusUnavailable = "unavailable"
)

// Snapshot is the whole panel state as sent to viewers.
type Snapshot struct {
	Extensions   map[string]ExtensionView `json:"extensions"`
	ActiveCalls  map[string]CallView      `json:"active_calls"`
	Queues       map[string]QueueView     `json:"queues"`
	QueueMembers map[string]MemberView    `json:"queue_members"`
	QueueEntries map[string]EntryView     `json:"queue_entries"`
	Stats        Stats                    `json:"stats"`
}

type ExtensionView struct {
	Extension  string    `json:"extension"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code"`
	CallInfo   *CallView `json:"call_info"`
}

type CallView struct {
	Extension           string `json:"extension"`
	State               string `json:"state"`
	Role                string `json:"role,omitempty"`
	TalkingTo           string `json:"talking_to"`
	Duration            string `json:"duration"`
	TalkTime            string `json:"talk_time,omitempty"`
	Channel             string `json:"channel"`
	Caller              string `json:"caller"`
	CallerID            string `json:"callerid"`
	CallerIDName        string `json:"callerid_name,omitempty"`
	Destination         string `json:"destination"`
	OriginalDestination string `json:"original_destination"`
}

type QueueView struct {
	Name         string   `json:"name"`
	Strategy     string   `json:"strategy,omitempty"`
	CallsWaiting int      `json:"calls_waiting"`
	Completed    int      `json:"completed"`
	Abandoned    int      `json:"abandoned"`
	HoldTime     int      `json:"holdtime"`
	TalkTime     int      `json:"talktime"`
	Members      []string `json:"members"`
}

type MemberView struct {
	Queue        string `json:"queue"`
	Interface    string `json:"interface"`
	MemberName   string `json:"membername"`
	Status       int    `json:"status"`
	Paused       bool   `json:"paused"`
	PausedReason string `json:"paused_reason,omitempty"`
	InCall       bool   `json:"in_call"`
	CallsTaken   int    `json:"calls_taken"`
	Dynamic      bool   `json:"dynamic"`
}

type EntryView struct {
	Queue        string `json:"queue"`
	CallerID     string `json:"callerid"`
	CallerIDName string `json:"callerid_name,omitempty"`
	Position     int    `json:"position"`
	WaitTime     string `json:"wait_time"`
}

type Stats struct {
	TotalExtensions  int `json:"total_extensions"`
	ActiveCallsCount int `json:"active_calls_count"`
	TotalQueues      int `json:"total_queues"`
	TotalWaiting     int `json:"total_waiting"`
}

// DisplayStatus derives the status shown for an extension. A live call
// wins over the switch's hint state.
func DisplayStatus(call *state.ActiveCall, code int) string {
	if call != nil {
		switch call.State {
		case "Ringing":
			return StatusRinging
		case "Ring":
			return StatusDialing
		default:
			return StatusInCall
		}
	}
	switch code {
	case state.StatusIdle:
		return StatusIdle
	case state.StatusInUse, state.StatusBusy:
		return StatusInCall
	case state.StatusRinging, state.StatusRingInUse:
		return StatusRinging
	case state.StatusUnavailable, state.StatusUnknown:
		return StatusUnavailable
	case state.StatusOnHold, state.StatusInUseOnHold:
		return StatusOnHold
	default:
		return StatusIdle
	}
}

// FormatDuration renders d as MM:SS, or H:MM:SS from one hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// talkingTo is the number on the other end from ext's point of view.
func talkingTo(c state.ActiveCall) string {
	if c.Role == state.RoleDestination {
		if c.CallerID != "" {
			return c.CallerID
		}
		return c.Caller
	}
	return c.Destination
}

func callView(c state.ActiveCall, now time.Time) CallView {
	v := CallView{
		Extension:           c.Extension,
		State:               c.State,
		Role:                string(c.Role),
		TalkingTo:           talkingTo(c),
		Duration:            FormatDuration(now.Sub(c.StartTime)),
		Channel:             c.Channel,
		Caller:              c.Caller,
		CallerID:            c.CallerID,
		CallerIDName:        c.CallerIDName,
		Destination:         c.Destination,
		OriginalDestination: c.OriginalDestination,
	}
	if c.Answered() {
		v.TalkTime = FormatDuration(now.Sub(c.AnswerTime))
	}
	return v
}

// callerSide reports whether a call belongs in the active call list, which
// shows each call once from the calling side.
func callerSide(c state.ActiveCall) bool {
	return c.Channel != "" && c.Role != state.RoleDestination && c.State != "Down"
}

// Source is the read side of the state the snapshot is built from.
type Source interface {
	Monitored() []string
	ExtensionStatuses() map[string]state.ExtensionStatus
	ActiveCalls() map[string]state.ActiveCall
	Queues() map[string]state.Queue
	QueueEntries() map[string]state.QueueEntry
}

// BuildSnapshot assembles a Snapshot as of now. names supplies display
// names and may be nil.
func BuildSnapshot(src Source, names map[string]string, now time.Time) Snapshot {
	statuses := src.ExtensionStatuses()
	calls := src.ActiveCalls()
	queues := src.Queues()
	entries := src.QueueEntries()

	snap := Snapshot{
		Extensions:   make(map[string]ExtensionView),
		ActiveCalls:  make(map[string]CallView),
		Queues:       make(map[string]QueueView, len(queues)),
		QueueMembers: make(map[string]MemberView),
		QueueEntries: make(map[string]EntryView, len(entries)),
	}

	for _, ext := range src.Monitored() {
		code := state.StatusUnknown
		if st, ok := statuses[ext]; ok {
			code = st.Status
		}
		view := ExtensionView{
			Extension:  ext,
			Name:       names[ext],
			StatusCode: code,
		}
		if c, ok := calls[ext]; ok {
			cv := callView(c, now)
			view.CallInfo = &cv
			view.Status = DisplayStatus(&c, code)
		} else {
			view.Status = DisplayStatus(nil, code)
		}
		snap.Extensions[ext] = view
	}

	for ext, c := range calls {
		if callerSide(c) {
			snap.ActiveCalls[ext] = callView(c, now)
		}
	}

	for name, q := range queues {
		qv := QueueView{
			Name:         name,
			Strategy:     q.Strategy,
			CallsWaiting: q.CallsWaiting,
			Completed:    q.Completed,
			Abandoned:    q.Abandoned,
			HoldTime:     q.HoldTime,
			TalkTime:     q.TalkTime,
			Members:      make([]string, 0, len(q.Members)),
		}
		for iface, m := range q.Members {
			qv.Members = append(qv.Members, iface)
			snap.QueueMembers[name+":"+iface] = MemberView{
				Queue:        name,
				Interface:    iface,
				MemberName:   m.MemberName,
				Status:       m.Status,
				Paused:       m.Paused,
				PausedReason: m.PausedReason,
				InCall:       m.InCall,
				CallsTaken:   m.CallsTaken,
				Dynamic:      m.Dynamic,
			}
		}
		sort.Strings(qv.Members)
		snap.Queues[name] = qv
		snap.Stats.TotalWaiting += q.CallsWaiting
	}

	for id, e := range entries {
		snap.QueueEntries[id] = EntryView{
			Queue:        e.Queue,
			CallerID:     e.CallerID,
			CallerIDName: e.CallerIDName,
			Position:     e.Position,
			WaitTime:     FormatDuration(now.Sub(e.EntryTime)),
		}
	}

	snap.Stats.TotalExtensions = len(snap.Extensions)
	snap.Stats.ActiveCallsCount = len(snap.ActiveCalls)
	snap.Stats.TotalQueues = len(snap.Queues)
	return snap
}
