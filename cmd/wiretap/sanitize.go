package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\b1?\d{10}\b`)
	secretPattern   = regexp.MustCompile(`(?i)(Secret:\s*).+`)
	passwordPattern = regexp.MustCompile(`(?i)(Password:\s*).+`)
)

// callerFields are the headers whose numbers are redacted.
var callerFields = []string{"CallerID", "ConnectedLine", "DestCallerID", "DialString"}

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitize(string(data))), 0o644)
}

func sanitize(capture string) string {
	lines := strings.Split(capture, "\n")
	for i, line := range lines {
		lines[i] = sanitizeLine(line)
	}
	return strings.Join(lines, "\n")
}

func sanitizeLine(line string) string {
	line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
	line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

	// Loopback stays so local captures remain readable.
	line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})

	for _, field := range callerFields {
		if strings.Contains(line, field) {
			return phonePattern.ReplaceAllString(line, "15550001234")
		}
	}
	return line
}
