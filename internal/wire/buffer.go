// Package wire implements the procd frame codec: a cursor-based message
// buffer with length-checked typed reads and writes, and send/recv over
// a message-preserving unixpacket (SOCK_SEQPACKET) connection.
//
// Every integer on the wire is big-endian; every string and byte buffer
// is u16-length-prefixed with no trailing NUL, per the protocol's wire
// format. The style here — manual field-by-field encode/decode against
// a byte slice and a cursor offset, rather than reflection — follows the
// teacher package's hand-rolled struct marshaling.
package wire

import (
	"encoding/binary"

	"github.com/behrlich/procd/internal/errs"
)

// Buffer is a fixed-capacity byte slice with a read/write cursor. The
// same type serves both directions: freshly received frames are read
// from offset 0 forward, and outgoing frames are built by writing into
// a zeroed buffer from offset 0 forward.
type Buffer struct {
	buf []byte
	off int
}

// NewBuffer wraps an existing byte slice for reading (its full length is
// readable from offset 0).
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// NewWriteBuffer allocates a zeroed buffer of the given capacity for
// writing; Bytes returns what has been written into it so far.
func NewWriteBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// Len returns the length of the underlying slice: the full capacity of
// a write buffer, however much has been written, or the total readable
// length of a read buffer. Offset (or len(Bytes())) gives the bytes
// written so far.
func (b *Buffer) Len() int { return len(b.buf) }

// Offset returns the current cursor position.
func (b *Buffer) Offset() int { return b.off }

// Remaining returns the number of unread/unwritten bytes left.
func (b *Buffer) Remaining() int { return len(b.buf) - b.off }

// Bytes returns the buffer's contents written so far, i.e. buf[:off].
// Used once a message has been fully built, to get the frame to send.
func (b *Buffer) Bytes() []byte { return b.buf[:b.off] }

func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if b.off+n > len(b.buf) {
		return nil, errs.BufferUnderflow("wire.Read")
	}
	out := b.buf[b.off : b.off+n]
	b.off += n
	return out, nil
}

func (b *Buffer) ReadU16() (uint16, error) {
	raw, err := b.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

func (b *Buffer) ReadU32() (uint32, error) {
	raw, err := b.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (b *Buffer) ReadI32() (int32, error) {
	v, err := b.ReadU32()
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// ReadBuf reads a u16-length-prefixed byte slice. The returned slice
// aliases the underlying buffer and must not be retained past the
// buffer's lifetime without copying.
func (b *Buffer) ReadBuf() ([]byte, error) {
	n, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	return b.ReadBytes(int(n))
}

// ReadStr reads a u16-length-prefixed string with no trailing NUL.
func (b *Buffer) ReadStr() (string, error) {
	raw, err := b.ReadBuf()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadStrArray reads a u16-count-prefixed array of u16-length-prefixed
// strings.
func (b *Buffer) ReadStrArray() ([]string, error) {
	count, err := b.ReadU16()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		s, err := b.ReadStr()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *Buffer) WriteBytes(p []byte) error {
	if b.off+len(p) > len(b.buf) {
		return errs.BufferOverflow("wire.Write")
	}
	copy(b.buf[b.off:], p)
	b.off += len(p)
	return nil
}

func (b *Buffer) WriteU16(v uint16) error {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return b.WriteBytes(tmp[:])
}

func (b *Buffer) WriteU32(v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return b.WriteBytes(tmp[:])
}

func (b *Buffer) WriteI32(v int32) error {
	return b.WriteU32(uint32(v))
}

// WriteBuf writes a u16-length-prefixed byte slice.
func (b *Buffer) WriteBuf(p []byte) error {
	if len(p) > 0xffff {
		return errs.BufferOverflow("wire.WriteBuf")
	}
	if err := b.WriteU16(uint16(len(p))); err != nil {
		return err
	}
	return b.WriteBytes(p)
}

// WriteStr writes a u16-length-prefixed string with no trailing NUL.
func (b *Buffer) WriteStr(s string) error {
	return b.WriteBuf([]byte(s))
}

// WriteStrArray writes a u16-count-prefixed array of length-prefixed
// strings.
func (b *Buffer) WriteStrArray(strs []string) error {
	if len(strs) > 0xffff {
		return errs.BufferOverflow("wire.WriteStrArray")
	}
	if err := b.WriteU16(uint16(len(strs))); err != nil {
		return err
	}
	for _, s := range strs {
		if err := b.WriteStr(s); err != nil {
			return err
		}
	}
	return nil
}
