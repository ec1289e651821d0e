package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// TCP DNS messages are preceded by a two-octet big-endian length
// (RFC 1035 §4.2.2). A single connection may pipeline multiple queries.

var ErrFrameTooLarge = errors.New("wire: tcp frame exceeds 65535 octets")

// ReadFrame reads one length-prefixed message, handling short reads.
// Returns io.EOF when the peer closed the connection cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	length := binary.BigEndian.Uint16(hdr[:])
	if length == 0 {
		return nil, ErrTruncated
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > 0xffff {
		return ErrFrameTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
