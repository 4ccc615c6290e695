package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/billm/infralink/pkg/types"
)

// MaxUTFLength is the largest byte length a length-prefixed string can carry
const MaxUTFLength = math.MaxUint16

// Buffer is a growable byte buffer with independent write and read cursors.
// Multi-byte integers are big-endian.
//
// Writes always land at the write cursor and advance it, growing the buffer
// when needed. Reads start at the read cursor and advance it by exactly the
// number of bytes consumed. A failed read leaves the read cursor untouched.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf      []byte
	writePos int
	readPos  int
}

// New returns an empty buffer
func New() *Buffer {
	return &Buffer{}
}

// FromBytes returns a buffer that reads from b. The write cursor is placed at
// the end of b so further writes append. The buffer takes ownership of b.
func FromBytes(b []byte) *Buffer {
	return &Buffer{buf: b, writePos: len(b)}
}

// Len returns the physical length of the buffer
func (b *Buffer) Len() int {
	return len(b.buf)
}

// BytesAvailable returns the number of bytes left to read
func (b *Buffer) BytesAvailable() int {
	return len(b.buf) - b.readPos
}

// WritePosition returns the write cursor
func (b *Buffer) WritePosition() int {
	return b.writePos
}

// ReadPosition returns the read cursor
func (b *Buffer) ReadPosition() int {
	return b.readPos
}

// Bytes returns the buffer contents. The slice aliases the buffer until the next write.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Clear empties the buffer and resets both cursors
func (b *Buffer) Clear() {
	b.buf = nil
	b.writePos = 0
	b.readPos = 0
}

// Expand ensures at least n bytes of physical capacity past the write cursor
func (b *Buffer) Expand(n int) {
	if free := len(b.buf) - b.writePos; free < n {
		b.buf = append(b.buf, make([]byte, n-free)...)
	}
}

// grab expands the buffer for n bytes and returns the slice to fill, advancing the write cursor
func (b *Buffer) grab(n int) []byte {
	b.Expand(n)
	p := b.buf[b.writePos : b.writePos+n]
	b.writePos += n
	return p
}

// Write copies p at the write cursor. It implements io.Writer and never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	copy(b.grab(len(p)), p)
	return len(p), nil
}

// WriteBool writes a single byte, 1 for true and 0 for false
func (b *Buffer) WriteBool(v bool) *Buffer {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteInt8 writes a signed byte
func (b *Buffer) WriteInt8(v int8) *Buffer {
	b.grab(1)[0] = byte(v)
	return b
}

// WriteUint8 writes an unsigned byte
func (b *Buffer) WriteUint8(v uint8) *Buffer {
	b.grab(1)[0] = v
	return b
}

// WriteInt16 writes a signed 16-bit integer
func (b *Buffer) WriteInt16(v int16) *Buffer {
	binary.BigEndian.PutUint16(b.grab(2), uint16(v))
	return b
}

// WriteUint16 writes an unsigned 16-bit integer
func (b *Buffer) WriteUint16(v uint16) *Buffer {
	binary.BigEndian.PutUint16(b.grab(2), v)
	return b
}

// WriteInt32 writes a signed 32-bit integer
func (b *Buffer) WriteInt32(v int32) *Buffer {
	binary.BigEndian.PutUint32(b.grab(4), uint32(v))
	return b
}

// WriteUint32 writes an unsigned 32-bit integer
func (b *Buffer) WriteUint32(v uint32) *Buffer {
	binary.BigEndian.PutUint32(b.grab(4), v)
	return b
}

// WriteUTF writes a 16-bit byte-length prefix followed by the UTF-8 bytes of s.
// Strings longer than MaxUTFLength bytes are rejected and nothing is written.
func (b *Buffer) WriteUTF(s string) error {
	if len(s) > MaxUTFLength {
		return types.ErrPayloadTooLarge("string", len(s), MaxUTFLength)
	}
	b.WriteUint16(uint16(len(s)))
	copy(b.grab(len(s)), s)
	return nil
}

// WriteBufBytes writes a raw byte run. The length is not recorded.
func (b *Buffer) WriteBufBytes(p []byte) *Buffer {
	copy(b.grab(len(p)), p)
	return b
}

// WriteBytes writes length bytes of src starting at offset. A zero length
// means everything from offset to the end of src.
func (b *Buffer) WriteBytes(src *Buffer, offset, length int) error {
	if offset < 0 || offset > src.Len() {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("offset %d out of range", offset))
	}
	if length == 0 {
		length = src.Len() - offset
	}
	if length < 0 || offset+length > src.Len() {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("length %d out of range", length))
	}
	b.WriteBufBytes(src.buf[offset : offset+length])
	return nil
}

// take returns the next n unread bytes and advances the read cursor
func (b *Buffer) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "negative read length")
	}
	if avail := b.BytesAvailable(); avail < n {
		return nil, types.ErrBufferUnderrun(n, avail)
	}
	p := b.buf[b.readPos : b.readPos+n]
	b.readPos += n
	return p, nil
}

// ReadBool reads a byte; any nonzero value is true
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

// ReadInt8 reads a signed byte
func (b *Buffer) ReadInt8() (int8, error) {
	v, err := b.ReadUint8()
	return int8(v), err
}

// ReadUint8 reads an unsigned byte
func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadInt16 reads a signed 16-bit integer
func (b *Buffer) ReadInt16() (int16, error) {
	v, err := b.ReadUint16()
	return int16(v), err
}

// ReadUint16 reads an unsigned 16-bit integer
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// ReadInt32 reads a signed 32-bit integer
func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadUint32 reads an unsigned 32-bit integer
func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadUTF reads a length-prefixed UTF-8 string. The read cursor is restored
// if the prefix promises more bytes than are available.
func (b *Buffer) ReadUTF() (string, error) {
	start := b.readPos
	size, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	p, err := b.take(int(size))
	if err != nil {
		b.readPos = start
		return "", err
	}
	if !utf8.Valid(p) {
		b.readPos = start
		return "", types.ErrProtocol("string is not valid UTF-8", nil)
	}
	return string(p), nil
}

// ReadBufBytes reads n raw bytes. The returned slice is a copy.
func (b *Buffer) ReadBufBytes(n int) ([]byte, error) {
	p, err := b.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

// String returns a printable, escaped rendering of the contents
func (b *Buffer) String() string {
	return strconv.Quote(string(b.buf))
}
