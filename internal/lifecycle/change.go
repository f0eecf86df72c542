package lifecycle

import "time"

// Phase is where a call is in its life.
type Phase string

const (
	PhaseRinging  Phase = "ringing"
	PhaseAnswered Phase = "answered"
	PhaseHungUp   Phase = "hungup"
)

// Party is one end of a call.
type Party struct {
	Extension string `json:"extension"`
	Name      string `json:"name,omitempty"`
}

// Change is emitted when a call moves to a new phase. Durations are in
// seconds.
type Change struct {
	Phase     Phase     `json:"event"`
	CallID    string    `json:"call_id"`
	From      Party     `json:"from"`
	To        Party     `json:"to"`
	Timestamp time.Time `json:"timestamp"`

	RingDuration float64 `json:"ring_duration_seconds,omitempty"`

	Cause            string  `json:"cause,omitempty"`
	CauseDescription string  `json:"cause_description,omitempty"`
	CauseCode        int     `json:"cause_code,omitempty"`
	DialStatus       string  `json:"dial_status,omitempty"`
	TalkDuration     float64 `json:"talk_duration_seconds,omitempty"`
	TotalDuration    float64 `json:"total_duration_seconds,omitempty"`
}

// Cause names a Q.850 hangup cause as the switch reports it.
type Cause struct {
	Name        string
	Description string
}

// Causes maps hangup cause codes to names and descriptions.
var Causes = map[int]Cause{
	0:   {"unknown", "Unknown or no cause provided"},
	1:   {"unallocated", "The dialled number does not exist"},
	3:   {"no_route", "No route to the destination"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_answer", "The destination did not answer"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	20:  {"subscriber_absent", "The destination device is not registered"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	27:  {"destination_out_of_order", "The destination could not be reached"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	38:  {"network_out_of_order", "The network is not functioning correctly"},
	127: {"interworking", "An interworking error occurred"},
}

var (
	causeUnknown   = Cause{"unknown", "Unknown or no cause provided"}
	causeCancelled = Cause{"cancelled", "The call was cancelled by the caller before being answered"}
)

// LookupCause returns the name and description for code.
func LookupCause(code int) Cause {
	if c, ok := Causes[code]; ok {
		return c
	}
	return causeUnknown
}
