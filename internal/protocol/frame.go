package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// readUntil accumulates newline-terminated chunks until done reports a
// complete frame. The frame never grows beyond max bytes.
func readUntil(r *bufio.Reader, max int, done func([]byte) bool) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(frame)+len(chunk) > max {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrFraming, max)
		}
		frame = append(frame, chunk...)

		switch {
		case err == nil:
			if done(frame) {
				return frame, nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			if len(frame) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: connection closed mid-frame", ErrFraming)
		default:
			return nil, err
		}
	}
}

func anyLine([]byte) bool { return true }

// blankLineTerminated reports whether frame ends with an empty line.
func blankLineTerminated(frame []byte) bool {
	return bytes.HasSuffix(frame, []byte("\n\n")) || bytes.HasSuffix(frame, []byte("\n\r\n"))
}
