package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single payload. Larger prefixes are rejected
// before any allocation.
const MaxFrameSize = 16 << 20

const headerSize = 4

// ErrFrameTooLarge is returned for a payload over MaxFrameSize in either
// direction.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds size limit")

// ReadFrame reads one payload prefixed with its 4-byte little-endian length.
// A stream that ends inside a frame yields io.ErrUnexpectedEOF; one that
// ends cleanly between frames yields io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// WriteFrame writes payload with its length prefix in a single Write, so
// frames from concurrent writers on a stream socket never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	return writeFrame(w, payload)
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

func readJSON(r io.Reader, v any) error {
	payload, err := readFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
