package lgrd

/*
Wire protocol shared by the client library and the daemon.

A connection is a local stream socket that carries any number of frames:

	+-------+-------------------+----------------------+
	| level | length (uint32 BE)| payload (UTF-8)      |
	+-------+-------------------+----------------------+
	 1 byte   4 bytes             length bytes

There is no trailing delimiter. Right after accept the daemon writes a single
status byte (STATUS_ACCEPTED or STATUS_REFUSED); nothing else is ever sent back
to the client.
*/

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	FRAME_HEADER_SIZE = 5

	STATUS_ACCEPTED byte = 0x06 // ASCII ACK
	STATUS_REFUSED  byte = 0x15 // ASCII NAK, connection cap reached
)

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, level LogLevel, payload []byte) ([]byte, error) {
	if !level.IsValid() {
		return dst, NewError(KIND_PROTOCOL, "encode frame", errors.Errorf("%s %d", _ERROR_MESSAGE_BAD_LEVEL, level))
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return dst, NewError(KIND_PROTOCOL, "encode frame", errors.New(_ERROR_MESSAGE_BAD_LENGTH))
	}
	dst = append(dst, byte(level))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame encodes a frame and writes it with a single Write call so that
// concurrent writers sharing w never interleave partial frames.
func WriteFrame(w io.Writer, level LogLevel, payload []byte) error {
	frame, err := AppendFrame(make([]byte, 0, FRAME_HEADER_SIZE+len(payload)), level, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame decodes the next frame from r. It returns io.EOF (unwrapped) when
// the stream ends exactly on a frame boundary. A bad level, a length above
// maxSize or a stream ending inside a frame yield a KIND_PROTOCOL error. Any
// other read failure is returned as a KIND_CONNECTION error.
func ReadFrame(r io.Reader, maxSize int) (LogLevel, []byte, error) {
	var header [FRAME_HEADER_SIZE]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		switch {
		case err == io.EOF:
			return LVL_UNKNOWN, nil, io.EOF
		case err == io.ErrUnexpectedEOF:
			return LVL_UNKNOWN, nil, protocolError(_ERROR_MESSAGE_TRUNCATED, err)
		default:
			return LVL_UNKNOWN, nil, NewError(KIND_CONNECTION, "read frame", err)
		}
	}
	level := LogLevel(header[0])
	if !level.IsValid() {
		return LVL_UNKNOWN, nil, protocolError(_ERROR_MESSAGE_BAD_LEVEL, errors.Errorf("level byte %#02x", header[0]))
	}
	length := binary.BigEndian.Uint32(header[1:])
	if maxSize <= 0 {
		maxSize = DEFAULT_MAX_FRAME
	}
	if uint64(length) > uint64(maxSize) {
		return LVL_UNKNOWN, nil, protocolError(_ERROR_MESSAGE_BAD_LENGTH, errors.Errorf("%d > %d", length, maxSize))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return LVL_UNKNOWN, nil, protocolError(_ERROR_MESSAGE_TRUNCATED, io.ErrUnexpectedEOF)
		}
		return LVL_UNKNOWN, nil, NewError(KIND_CONNECTION, "read frame", err)
	}
	return level, payload, nil
}

// WriteStatus sends the connection status byte.
func WriteStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

// ReadStatus reads the connection status byte sent by the daemon and turns
// it into an error: nil when accepted, KIND_CAPACITY when refused.
func ReadStatus(r io.Reader) error {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return NewError(KIND_CONNECTION, "read status", err)
	}
	switch status[0] {
	case STATUS_ACCEPTED:
		return nil
	case STATUS_REFUSED:
		return NewError(KIND_CAPACITY, "connect", errors.New("daemon refused connection: client limit reached"))
	default:
		return NewError(KIND_PROTOCOL, "read status", errors.Errorf("unexpected status byte %#02x", status[0]))
	}
}

var (
	escapedLF = []byte(`\n`)
	escapedCR = []byte(`\r`)
)

// SanitizePayload makes a payload safe to store as one line: invalid UTF-8
// sequences become U+FFFD and CR/LF are escaped. The input is returned as is
// when nothing has to change.
func SanitizePayload(p []byte) []byte {
	if utf8.Valid(p) && bytes.IndexAny(p, "\r\n") < 0 {
		return p
	}
	p = bytes.ToValidUTF8(p, []byte("�"))
	p = bytes.ReplaceAll(p, []byte{'\n'}, escapedLF)
	return bytes.ReplaceAll(p, []byte{'\r'}, escapedCR)
}
