package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/importly/moteus-motor/internal/device"
)

var invalidCommand = []byte("invalid command\n")

// lineCodec implements the key=value protocol:
//
//	request:  id=1;p=0.5;id=2\n
//	response: id=1;ep=0.5\nid=2;ep=0.0\n\n
//
// Each id= starts an item. A following p= sets its target and marks it applied;
// an id without p= is a query.
type lineCodec struct{}

func (lineCodec) Name() string { return Line }

func (lineCodec) ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	return readUntil(r, max, anyLine)
}

func (lineCodec) DecodeRequest(frame []byte) (RequestBatch, error) {
	line := strings.TrimRight(string(frame), "\r\n")
	batch := RequestBatch{}

	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "id":
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: id %q is not an integer", ErrMalformed, value)
			}
			batch = append(batch, RequestItem{ID: device.ControllerID(id)})
		case "p":
			if len(batch) == 0 {
				return nil, fmt.Errorf("%w: p given before id", ErrMalformed)
			}
			p, err := parseFinite(value)
			if err != nil {
				return nil, err
			}
			batch[len(batch)-1].Position = p
			batch[len(batch)-1].Apply = true
		}
	}
	return batch, nil
}

func (lineCodec) EncodeResponse(batch ResponseBatch) ([]byte, error) {
	var buf bytes.Buffer
	for _, item := range batch {
		fmt.Fprintf(&buf, "id=%d;ep=%s\n", item.ID, formatFloat(item.Telemetry.Position))
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (lineCodec) ErrorReply(error) []byte {
	return invalidCommand
}

func (lineCodec) EncodeRequest(batch RequestBatch) ([]byte, error) {
	parts := make([]string, 0, 2*len(batch))
	for _, item := range batch {
		parts = append(parts, "id="+strconv.Itoa(int(item.ID)))
		if item.Apply {
			if math.IsNaN(item.Position) || math.IsInf(item.Position, 0) {
				return nil, fmt.Errorf("controller %d: position must be finite", item.ID)
			}
			parts = append(parts, "p="+formatFloat(item.Position))
		}
	}
	return []byte(strings.Join(parts, ";") + "\n"), nil
}

// ReadResponse reads item lines up to the blank terminator. The single-line
// error reply is returned as its own frame.
func (lineCodec) ReadResponse(r *bufio.Reader, max int) ([]byte, error) {
	return readUntil(r, max, func(frame []byte) bool {
		return bytes.Equal(frame, []byte("\n")) ||
			blankLineTerminated(frame) ||
			bytes.Equal(frame, invalidCommand)
	})
}

func (lineCodec) DecodeResponse(frame []byte) (ResponseBatch, error) {
	if bytes.Equal(frame, invalidCommand) {
		return nil, ErrRejected
	}

	batch := ResponseBatch{}
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var item ResponseItem
		var haveID bool
		for _, part := range strings.Split(line, ";") {
			key, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			switch strings.TrimSpace(key) {
			case "id":
				id, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					return nil, fmt.Errorf("%w: id %q is not an integer", ErrMalformed, value)
				}
				item.ID = device.ControllerID(id)
				haveID = true
			case "ep":
				ep, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
				if err != nil {
					return nil, fmt.Errorf("%w: ep %q is not a number", ErrMalformed, value)
				}
				item.Telemetry.Position = ep
			}
		}
		if !haveID {
			return nil, fmt.Errorf("%w: response line %q has no id", ErrMalformed, line)
		}
		batch = append(batch, item)
	}
	return batch, nil
}

func parseFinite(value string) (float64, error) {
	p, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: p %q is not a number", ErrMalformed, value)
	}
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: p %q is not finite", ErrMalformed, value)
	}
	return p, nil
}

// formatFloat renders v the shortest way that still reads as a float: 0.0,
// 0.5, 24.0, 1e-05.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}

	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
