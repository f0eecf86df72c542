package ami

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxLineSize bounds a single header line. Command output can be long.
const maxLineSize = 1 << 20

// Parser reads a manager byte stream and splits it into Frames.
// Partial frames stay buffered across reads until their blank line arrives.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Parser{scanner: s}
}

// Next reads the next frame from the stream.
//
// It returns io.EOF once the stream ends cleanly between frames. If the
// stream ends in the middle of a frame, the partial frame is returned
// together with io.ErrUnexpectedEOF. Any other read error is returned as is.
func (p *Parser) Next() (Frame, error) {
	var headers []Header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line marks end of a frame
		if line == "" {
			if len(headers) > 0 {
				return Frame{headers: headers}, nil
			}
			continue
		}

		idx := strings.Index(line, ":")
		if idx <= 0 {
			// The greeting banner ("Asterisk Call Manager/5.0.1") has no
			// colon; skip such lines unless we're inside a frame.
			if len(headers) == 0 {
				continue
			}
			// Follows-style output inside a frame; keep it with an empty key
			headers = append(headers, Header{Key: "", Value: line})
			continue
		}

		key := line[:idx]
		value := strings.TrimPrefix(line[idx+1:], " ")
		headers = append(headers, Header{Key: key, Value: value})
	}

	if err := p.scanner.Err(); err != nil {
		if len(headers) > 0 {
			return Frame{headers: headers}, err
		}
		return Frame{}, err
	}
	if len(headers) > 0 {
		return Frame{headers: headers}, io.ErrUnexpectedEOF
	}
	return Frame{}, io.EOF
}

// ParseAll reads all frames from the stream and returns them. A trailing
// frame without its blank line is kept, which suits capture files.
func (p *Parser) ParseAll() []Frame {
	var frames []Frame
	for {
		f, err := p.Next()
		if f.Len() > 0 {
			frames = append(frames, f)
		}
		if err != nil {
			break
		}
	}
	return frames
}

// ParseBytes is a convenience function that parses all frames from a byte slice.
func ParseBytes(data []byte) []Frame {
	return NewParser(bytes.NewReader(data)).ParseAll()
}
