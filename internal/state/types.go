package state

import "time"

// Table names one independently synced part of the store.
type Table string

const (
	TableExtensions Table = "extensions"
	TableCalls      Table = "calls"
	TableQueues     Table = "queues"
)

// Role is an extension's part in a call.
type Role string

const (
	RoleOriginator  Role = "originator"
	RoleDestination Role = "destination"
	// RoleUnknown is used for channels seen without a dial that names them.
	RoleUnknown Role = ""
)

// ExtensionStatus is the last known hint state of a monitored extension.
type ExtensionStatus struct {
	Extension  string            `json:"extension"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Fields     map[string]string `json:"fields,omitempty"`
	Updated    time.Time         `json:"updated"`
}

// ActiveCall is the call an extension is currently part of.
type ActiveCall struct {
	Extension string `json:"extension"`
	Channel   string `json:"channel"`
	State     string `json:"state"`
	Role      Role   `json:"role"`

	// Caller is the extension that placed the call.
	Caller       string `json:"caller"`
	CallerID     string `json:"callerid"`
	CallerIDName string `json:"callerid_name,omitempty"`

	// Destination is the party currently connected or being rung;
	// OriginalDestination is what was dialled.
	Destination         string `json:"destination"`
	OriginalDestination string `json:"original_destination"`

	Uniqueid string `json:"uniqueid,omitempty"`
	Linkedid string `json:"linkedid,omitempty"`

	StartTime  time.Time `json:"start_time"`
	AnswerTime time.Time `json:"answer_time,omitzero"`
}

// Answered reports whether the call has been answered.
func (c ActiveCall) Answered() bool {
	return !c.AnswerTime.IsZero()
}

// QueueMember is one interface's membership in a queue.
type QueueMember struct {
	Queue        string `json:"queue"`
	Interface    string `json:"interface"`
	MemberName   string `json:"membername"`
	Status       int    `json:"status"`
	Paused       bool   `json:"paused"`
	PausedReason string `json:"paused_reason,omitempty"`
	Penalty      int    `json:"penalty"`
	CallsTaken   int    `json:"calls_taken"`
	InCall       bool   `json:"in_call"`

	// Dynamic is true only for members added through this process.
	Dynamic bool `json:"dynamic"`
}

// Queue is a call queue with its members keyed by interface.
type Queue struct {
	Name         string                 `json:"name"`
	Strategy     string                 `json:"strategy,omitempty"`
	CallsWaiting int                    `json:"calls_waiting"`
	Completed    int                    `json:"completed"`
	Abandoned    int                    `json:"abandoned"`
	HoldTime     int                    `json:"holdtime"`
	TalkTime     int                    `json:"talktime"`
	Members      map[string]QueueMember `json:"members"`
}

func (q *Queue) clone() Queue {
	out := *q
	out.Members = make(map[string]QueueMember, len(q.Members))
	for k, m := range q.Members {
		out.Members[k] = m
	}
	return out
}

// QueueEntry is a caller waiting in a queue.
type QueueEntry struct {
	Queue        string    `json:"queue"`
	Uniqueid     string    `json:"uniqueid"`
	Channel      string    `json:"channel"`
	CallerID     string    `json:"callerid"`
	CallerIDName string    `json:"callerid_name,omitempty"`
	Position     int       `json:"position"`
	EntryTime    time.Time `json:"entry_time"`
}
