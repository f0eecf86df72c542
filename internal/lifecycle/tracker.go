// Package lifecycle follows each call through ringing, answered and hung
// up, keyed by Linkedid, and reports every transition as a Change. It is
// fed the same event stream as the state store and is what downstream
// consumers such as the MQTT publisher and a CRM connector listen to.
package lifecycle

import (
	"sync"
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Namer returns a display name for an extension, or "".
type Namer func(extension string) string

type call struct {
	from       Party
	to         Party
	ringTime   time.Time
	answerTime time.Time
	rung       bool
	answered   bool
	cancelled  bool
	dialStatus string
}

// Tracker turns manager events into call phase changes. It is safe for
// concurrent use.
type Tracker struct {
	clock Clock
	namer Namer

	mu    sync.Mutex
	calls map[string]*call
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithNamer fills in party names the switch did not send.
func WithNamer(n Namer) Option {
	return func(t *Tracker) { t.namer = n }
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock: time.Now,
		calls: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Process ingests one frame and returns the resulting changes, if any.
func (t *Tracker) Process(f ami.Frame) []Change {
	if !f.IsEvent() {
		return nil
	}
	linkedID := f.Get("Linkedid")
	if linkedID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch f.Event() {
	case "Newchannel":
		t.onNewchannel(f, linkedID)
	case "DialBegin":
		t.onDialBegin(f, linkedID)
	case "Newstate":
		return t.onNewstate(f, linkedID)
	case "DialEnd":
		t.onDialEnd(f, linkedID)
	case "Hangup":
		return t.onHangup(f, linkedID)
	}
	return nil
}

// Active returns the number of calls being followed.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Tracker) party(ext, name string) Party {
	if name == "<unknown>" {
		name = ""
	}
	if name == "" && t.namer != nil && ext != "" {
		name = t.namer(ext)
	}
	return Party{Extension: ext, Name: name}
}

func (t *Tracker) onNewchannel(f ami.Frame, linkedID string) {
	if _, exists := t.calls[linkedID]; exists {
		return
	}
	t.calls[linkedID] = &call{
		from: t.party(f.Get("CallerIDNum"), f.Get("CallerIDName")),
		to:   t.party(f.Get("Exten"), ""),
	}
}

func (t *Tracker) onDialBegin(f ami.Frame, linkedID string) {
	c := t.calls[linkedID]
	if c == nil {
		return
	}
	if c.to.Extension == "" || c.to.Extension == "s" {
		c.to.Extension = f.Get("DialString")
	}
	if name := f.Get("DestCallerIDName"); name != "" && name != "<unknown>" {
		c.to.Name = name
	}
	if c.to.Name == "" {
		c.to = t.party(c.to.Extension, "")
	}
}

func (t *Tracker) onNewstate(f ami.Frame, linkedID string) []Change {
	c := t.calls[linkedID]
	if c == nil {
		return nil
	}
	now := t.clock()

	switch f.Get("ChannelStateDesc") {
	case "Ringing":
		if c.rung {
			return nil
		}
		c.rung = true
		c.ringTime = now
		return []Change{{
			Phase:     PhaseRinging,
			CallID:    linkedID,
			From:      c.from,
			To:        c.to,
			Timestamp: now,
		}}

	case "Up":
		if c.answered {
			return nil
		}
		c.answered = true
		c.answerTime = now
		change := Change{
			Phase:     PhaseAnswered,
			CallID:    linkedID,
			From:      c.from,
			To:        c.to,
			Timestamp: now,
		}
		if c.rung {
			change.RingDuration = now.Sub(c.ringTime).Seconds()
		}
		return []Change{change}
	}
	return nil
}

func (t *Tracker) onDialEnd(f ami.Frame, linkedID string) {
	c := t.calls[linkedID]
	if c == nil {
		return
	}
	status := f.Get("DialStatus")
	switch status {
	case "ANSWER":
		return
	case "CANCEL":
		c.cancelled = true
	}
	c.dialStatus = status
}

func (t *Tracker) onHangup(f ami.Frame, linkedID string) []Change {
	c := t.calls[linkedID]
	if c == nil {
		return nil
	}
	// One change per call: the originating channel's hangup ends it.
	if f.Get("Uniqueid") != linkedID {
		return nil
	}
	delete(t.calls, linkedID)

	now := t.clock()
	code := f.GetInt("Cause")
	cause := LookupCause(code)
	if c.cancelled && !c.answered {
		cause = causeCancelled
	}

	change := Change{
		Phase:            PhaseHungUp,
		CallID:           linkedID,
		From:             c.from,
		To:               c.to,
		Cause:            cause.Name,
		CauseDescription: cause.Description,
		CauseCode:        code,
		Timestamp:        now,
	}
	if !c.answered {
		change.DialStatus = c.dialStatus
	}
	if c.answered {
		change.TalkDuration = now.Sub(c.answerTime).Seconds()
	}
	if c.rung {
		change.TotalDuration = now.Sub(c.ringTime).Seconds()
	}
	return []Change{change}
}
