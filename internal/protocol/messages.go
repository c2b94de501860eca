// Package protocol defines the notice wire format exchanged between relay
// clients and the server. Every frame is a UTF-8 JSON object with the same
// schema in both directions:
//
//	{"date": "<ISO-8601>", "message": "<text>", "command": "CLEAR" | "NONE"}
//
// The relay itself only needs to know whether a frame carries the CLEAR
// command; everything else is forwarded byte-for-byte.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command is an optional control signal carried by a notice.
type Command string

const (
	CommandNone  Command = "NONE"
	CommandClear Command = "CLEAR"
)

// DateLayout is the layout used when encoding notice dates. It matches the
// millisecond ISO-8601 form produced by JavaScript's Date#toJSON.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformed is returned when a payload is not a JSON object matching the
// notice schema.
var ErrMalformed = errors.New("protocol: malformed notice")

// Notice is the unit of communication over the relay.
type Notice struct {
	Date    time.Time
	Message string
	Command Command

	// RawDate keeps the producer-supplied date text, which may not parse.
	RawDate string
}

// IsClear reports whether the notice asks the relay to drop its history.
func (n Notice) IsClear() bool {
	return n.Command == CommandClear
}

// wireNotice mirrors the JSON shape. Fields are pointers so that a missing
// key can be told apart from a zero value during validation.
type wireNotice struct {
	Date    *string `json:"date"`
	Message *string `json:"message"`
	Command *string `json:"command,omitempty"`
}

// dateLayouts lists the date formats accepted on decode, most common first.
var dateLayouts = []string{
	time.RFC3339Nano,
	DateLayout,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

// Decode parses raw frame bytes into a Notice. It fails with ErrMalformed when
// the payload is not a JSON object or a known field has the wrong type. An
// unparsable date is not an error: Date stays zero and RawDate keeps the text.
func Decode(data []byte) (Notice, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return Notice{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var w wireNotice
	if err := json.Unmarshal(data, &w); err != nil {
		return Notice{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var n Notice
	if w.Message != nil {
		n.Message = *w.Message
	}
	if w.Command != nil {
		n.Command = Command(*w.Command)
	}
	if w.Date != nil {
		n.RawDate = *w.Date
		n.Date = parseDate(*w.Date)
	}
	return n, nil
}

// DecodeOrDefault decodes data and falls back to an empty notice dated now
// when the payload is malformed. Clients use it so that a bad frame still
// renders as an entry instead of being lost.
func DecodeOrDefault(data []byte) Notice {
	n, err := Decode(data)
	if err != nil {
		return Notice{Date: time.Now()}
	}
	return n
}

// CommandOf returns the command carried by data, or CommandNone when the
// payload cannot be decoded or has no command.
func CommandOf(data []byte) (Command, error) {
	n, err := Decode(data)
	if err != nil {
		return CommandNone, err
	}
	if n.Command == "" {
		return CommandNone, nil
	}
	return n.Command, nil
}

// Encode serializes a notice. A zero date is encoded as the current time and
// CommandNone is omitted, matching what browser clients send.
func Encode(n Notice) ([]byte, error) {
	date := n.Date
	if date.IsZero() {
		date = time.Now()
	}
	dateText := date.UTC().Format(DateLayout)
	message := n.Message

	w := wireNotice{Date: &dateText, Message: &message}
	if n.Command != "" && n.Command != CommandNone {
		cmd := string(n.Command)
		w.Command = &cmd
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal notice: %w", err)
	}
	return out, nil
}

// NewNotice builds a plain notice dated now.
func NewNotice(message string) Notice {
	return Notice{Date: time.Now(), Message: message}
}

// NewClear builds a CLEAR control notice dated now.
func NewClear() Notice {
	return Notice{Date: time.Now(), Command: CommandClear}
}

func parseDate(s string) time.Time {
	// Date#toString appends a zone name in parentheses.
	if i := strings.Index(s, " ("); i > 0 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
