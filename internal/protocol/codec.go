package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// MaxLineBytes bounds a single line. Longer lines are reported as Unparseable
// and the stream keeps going.
const MaxLineBytes = 16 << 20

// EncodeRequest validates req and writes it to w as one JSON line.
// The frame is written with a single Write call so concurrent writers
// serialized by the caller never interleave partial lines.
func EncodeRequest(w io.Writer, req Request) error {
	if req.ID == "" {
		return fmt.Errorf("request id is empty")
	}
	if err := req.Command.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	data = append(data, '\n')

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

type envelope struct {
	Type    *string         `json:"type"`
	ID      json.RawMessage `json:"id"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Event   *string         `json:"event"`
}

// ParseLine classifies one line of process output. It never fails: anything
// it cannot make sense of comes back as Unparseable.
func ParseLine(line []byte) Message {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Unparseable{Reason: "empty line"}
	}
	if len(trimmed) > MaxLineBytes {
		return Unparseable{Line: string(trimmed[:256]), Reason: "line too long"}
	}
	if trimmed[0] != '{' {
		return Unparseable{Line: string(trimmed), Reason: "not a JSON object"}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Unparseable{Line: string(trimmed), Reason: err.Error()}
	}

	typ := ""
	if env.Type != nil {
		typ = *env.Type
	}

	switch typ {
	case "response":
		var id string
		if err := json.Unmarshal(env.ID, &id); err != nil || id == "" {
			return Unparseable{Line: string(trimmed), Reason: "response without string id"}
		}
		if env.Success == nil {
			return Unparseable{Line: string(trimmed), Reason: "response without success flag"}
		}
		return Response{
			ID:      id,
			Success: *env.Success,
			Data:    nonNull(env.Data),
			Error:   errorText(env.Error),
		}
	case "event":
		if env.Event == nil || *env.Event == "" {
			return Unparseable{Line: string(trimmed), Reason: "event without name"}
		}
		return Event{Kind: EventKind(*env.Event), Data: nonNull(env.Data)}
	default:
		// Bare {"type":"message_end",...} lines, and anything newer, are
		// events whose payload is the whole object.
		data := make(json.RawMessage, len(trimmed))
		copy(data, trimmed)
		return Event{Kind: EventKind(typ), Data: data}
	}
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

// errorText accepts "error":"msg", "error":{"message":"msg"} or any other JSON.
func errorText(raw json.RawMessage) string {
	raw = nonNull(raw)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// Decoder turns a process output stream into a finite sequence of messages.
type Decoder struct {
	r       *bufio.Reader
	maxLine int
	err     error
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), maxLine: MaxLineBytes}
}

// tooLongPrefix is how much of an oversized line is kept for diagnostics.
const tooLongPrefix = 256

// readLine returns the next line including its newline. Once a line passes
// maxLine the rest of it is discarded up to the next newline, only a prefix is
// kept, and long is set.
func (d *Decoder) readLine() (line []byte, long bool, err error) {
	for {
		var frag []byte
		frag, err = d.r.ReadSlice('\n')
		if !long && len(line)+len(frag) > d.maxLine+1 {
			long = true
		}
		if !long || len(line) < tooLongPrefix {
			line = append(line, frag...)
		}
		if long && len(line) > tooLongPrefix {
			line = line[:tooLongPrefix]
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, long, err
		}
	}
}

// Messages yields one Message per non-blank line until the stream ends.
// The sequence is single-use.
func (d *Decoder) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			line, long, err := d.readLine()
			var msg Message
			switch {
			case long:
				msg = Unparseable{Line: string(line), Reason: "line too long"}
			case len(bytes.TrimSpace(line)) > 0:
				msg = ParseLine(line)
			}
			if msg != nil && !yield(msg) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					d.err = err
				}
				return
			}
		}
	}
}

// Err returns the first non-EOF read error seen by Messages.
func (d *Decoder) Err() error {
	return d.err
}
