package ami

import (
	"bytes"
	"strconv"
	"strings"
)

// Frame is one protocol message: an ordered run of "Key: Value" headers
// terminated on the wire by a blank line. Responses, events and outbound
// actions all share this shape.
type Frame struct {
	headers []Header
}

// Header is a single key-value line of a Frame.
type Header struct {
	Key   string
	Value string
}

// NewFrame creates a Frame from a slice of key-value pairs.
func NewFrame(kvs ...string) Frame {
	f := Frame{}
	for i := 0; i+1 < len(kvs); i += 2 {
		f.headers = append(f.headers, Header{Key: kvs[i], Value: kvs[i+1]})
	}
	return f
}

// NewAction creates an outbound action frame named name.
func NewAction(name string, kvs ...string) Frame {
	return NewFrame(append([]string{"Action", name}, kvs...)...)
}

// Get returns the value for the given key, or empty string if not found.
// Keys compare case-insensitively since the switch is not consistent
// about casing (Uniqueid vs UniqueID).
func (f Frame) Get(key string) string {
	for _, h := range f.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// Has reports whether the frame carries the key at all.
func (f Frame) Has(key string) bool {
	for _, h := range f.headers {
		if strings.EqualFold(h.Key, key) {
			return true
		}
	}
	return false
}

// Event returns the event name, or empty string for non-events.
func (f Frame) Event() string {
	return f.Get("Event")
}

// Response returns the Response header (Success, Error, Follows, Goodbye).
func (f Frame) Response() string {
	return f.Get("Response")
}

// Action returns the Action header of an outbound frame.
func (f Frame) Action() string {
	return f.Get("Action")
}

// ActionID returns the correlation id, if any.
func (f Frame) ActionID() string {
	return f.Get("ActionID")
}

// Message returns the Message header.
func (f Frame) Message() string {
	return f.Get("Message")
}

// IsResponse returns true if this is a response rather than an event.
func (f Frame) IsResponse() bool {
	return f.Has("Response")
}

// IsEvent returns true if the frame carries an Event header.
func (f Frame) IsEvent() bool {
	return f.Has("Event")
}

// IsSuccess reports a Response: Success frame.
func (f Frame) IsSuccess() bool {
	return strings.EqualFold(f.Response(), "Success")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (f Frame) GetInt(key string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(f.Get(key)))
	return v
}

// GetBool interprets the switch's boolean spellings (1, true, yes, on).
func (f Frame) GetBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(f.Get(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Headers returns a copy of all headers in wire order.
func (f Frame) Headers() []Header {
	out := make([]Header, len(f.headers))
	copy(out, f.headers)
	return out
}

// Len returns the number of headers.
func (f Frame) Len() int {
	return len(f.headers)
}

// Map flattens the frame into a key/value mapping. Repeated keys keep the
// last value; headers without a key are dropped.
func (f Frame) Map() map[string]string {
	m := make(map[string]string, len(f.headers))
	for _, h := range f.headers {
		if h.Key != "" {
			m[h.Key] = h.Value
		}
	}
	return m
}

// With returns a copy of the frame with key set to value, replacing an
// existing header of the same key or appending a new one.
func (f Frame) With(key, value string) Frame {
	out := Frame{headers: make([]Header, 0, len(f.headers)+1)}
	replaced := false
	for _, h := range f.headers {
		if !replaced && strings.EqualFold(h.Key, key) {
			out.headers = append(out.headers, Header{Key: h.Key, Value: value})
			replaced = true
			continue
		}
		out.headers = append(out.headers, h)
	}
	if !replaced {
		out.headers = append(out.headers, Header{Key: key, Value: value})
	}
	return out
}

// Encode serializes the frame in wire form, CRLF line endings and the
// terminating blank line included.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	for _, h := range f.headers {
		if h.Key == "" {
			b.WriteString(h.Value)
		} else {
			b.WriteString(h.Key)
			b.WriteString(": ")
			b.WriteString(h.Value)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// String renders the frame on a single line for logs. Secret values are masked.
func (f Frame) String() string {
	parts := make([]string, 0, len(f.headers))
	for _, h := range f.headers {
		v := h.Value
		if strings.EqualFold(h.Key, "Secret") {
			v = "***"
		}
		parts = append(parts, h.Key+"="+v)
	}
	return "{" + strings.Join(parts, " ") + "}"
}
