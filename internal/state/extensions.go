package state

import (
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

// Extension status codes as reported by ExtensionStatus events.
const (
	StatusUnknown     = -1
	StatusIdle        = 0
	StatusInUse       = 1
	StatusBusy        = 2
	StatusUnavailable = 4
	StatusRinging     = 8
	StatusRingInUse   = 9
	StatusOnHold      = 16
	StatusInUseOnHold = 17
)

var statusTexts = map[int]string{
	StatusUnknown:     "Unknown",
	StatusIdle:        "Idle",
	StatusInUse:       "InUse",
	StatusBusy:        "Busy",
	StatusUnavailable: "Unavailable",
	StatusRinging:     "Ringing",
	StatusRingInUse:   "InUse&Ringing",
	StatusOnHold:      "Hold",
	StatusInUseOnHold: "InUse&Hold",
}

// StatusText names a status code.
func StatusText(code int) string {
	if t, ok := statusTexts[code]; ok {
		return t
	}
	return statusTexts[StatusUnknown]
}

// DeviceStateCode maps a device state name from DeviceStateChange onto
// the extension status code space.
func DeviceStateCode(state string) int {
	switch strings.ToUpper(state) {
	case "NOT_INUSE":
		return StatusIdle
	case "INUSE":
		return StatusInUse
	case "BUSY":
		return StatusBusy
	case "UNAVAILABLE":
		return StatusUnavailable
	case "RINGING":
		return StatusRinging
	case "RINGINUSE":
		return StatusRingInUse
	case "ONHOLD":
		return StatusOnHold
	default:
		return StatusUnknown
	}
}

func statusCode(f ami.Frame) int {
	n, err := strconv.Atoi(strings.TrimSpace(f.Get("Status")))
	if err != nil {
		return StatusUnknown
	}
	return n
}

func (s *Store) onExtensionStatus(f ami.Frame, now time.Time) {
	ext := f.Get("Exten")
	if _, ok := s.monitored[ext]; !ok {
		return
	}
	code := statusCode(f)
	text := f.Get("StatusText")
	if text == "" {
		text = StatusText(code)
	}
	s.extensions[ext] = ExtensionStatus{
		Extension:  ext,
		Status:     code,
		StatusText: text,
		Fields:     f.Map(),
		Updated:    now,
	}
}

func (s *Store) onDeviceStateChange(f ami.Frame, now time.Time) {
	ext := ExtensionFromChannel(f.Get("Device"))
	if _, ok := s.monitored[ext]; !ok {
		return
	}
	code := DeviceStateCode(f.Get("State"))
	s.extensions[ext] = ExtensionStatus{
		Extension:  ext,
		Status:     code,
		StatusText: StatusText(code),
		Fields:     f.Map(),
		Updated:    now,
	}
}

// ReplaceExtensionStatuses swaps the status table for the ExtensionStatus
// items of an ExtensionStateList enumeration, then applies events held
// during the sync. Only monitored extensions are kept. It returns the
// number of entries stored.
func (s *Store) ReplaceExtensionStatuses(items []ami.Frame) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.extensions = make(map[string]ExtensionStatus, len(s.monitored))
	for _, f := range items {
		if f.Event() == "ExtensionStatus" {
			s.onExtensionStatus(f, now)
		}
	}
	n := len(s.extensions)
	s.finishSync(TableExtensions)
	return n
}
