package state

import (
	"strconv"
	"strings"
	"time"
)

// ExtensionFromChannel extracts the extension from a channel or device
// name: "PJSIP/1001-0000002a" and "PJSIP/1001" give "1001",
// "Local/1001@from-internal-00000001;1" gives "1001". Names without a
// technology prefix give "".
func ExtensionFromChannel(channel string) string {
	_, rest, ok := strings.Cut(channel, "/")
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexAny(rest, "@;"); i >= 0 {
		return rest[:i]
	}
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return rest
}

// callExtension is the extension a channel's calls are tracked under.
// Local channels are dialplan plumbing and never own a call.
func callExtension(channel string) string {
	if strings.HasPrefix(channel, "Local/") {
		return ""
	}
	return ExtensionFromChannel(channel)
}

// idle reports a channel state that does not put an extension in a call.
func idle(state string) bool {
	return state == "" || state == "Down"
}

// dialedExten filters the dialplan placeholder extension out of Exten.
func dialedExten(exten string) string {
	if exten == "s" {
		return ""
	}
	return exten
}

// knownNumber drops the switch's "<unknown>" placeholder.
func knownNumber(v string) string {
	if v == "<unknown>" {
		return ""
	}
	return v
}

// parseDuration reads the switch's "HH:MM:SS" channel durations. Plain
// seconds are accepted too.
func parseDuration(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if !strings.Contains(v, ":") {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	var total int
	for _, part := range strings.Split(v, ":") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}
