package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxMessagePayload is the hard cap on any decoded size prefix and on a
// single framed payload.
const MaxMessagePayload = 32 * 1024 * 1024

var (
	ErrUnexpectedEnd = errors.New("wire: unexpected end of buffer")
	ErrSizeTooLarge  = errors.New("wire: size prefix exceeds maximum")
)

// Encodable is implemented by every type with a canonical serialization.
// Composite encodings derive from field order.
type Encodable interface {
	Encode(w *Writer) error
}

// Decodable is the fallible counterpart; decoding consumes a cursor.
type Decodable interface {
	Decode(r *Reader) error
}

// Writer accumulates a canonical little-endian encoding.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *Writer) Len() int {
	return w.buf.Len()
}

func (w *Writer) PutUint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) PutBytes(b []byte) {
	w.buf.Write(b)
}

func (w *Writer) PutHash(h *chainhash.Hash) {
	w.buf.Write(h[:])
}

// PutVarInt writes the variable-length size prefix.
func (w *Writer) PutVarInt(n uint64) {
	switch {
	case n < 0xfd:
		w.PutUint8(uint8(n))
	case n <= 0xffff:
		w.PutUint8(0xfd)
		w.PutUint16(uint16(n))
	case n <= 0xffffffff:
		w.PutUint8(0xfe)
		w.PutUint32(uint32(n))
	default:
		w.PutUint8(0xff)
		w.PutUint64(n)
	}
}

// PutVarBytes writes a size prefix followed by the raw bytes.
func (w *Writer) PutVarBytes(b []byte) {
	w.PutVarInt(uint64(len(b)))
	w.buf.Write(b)
}

func (w *Writer) PutVarString(s string) {
	w.PutVarBytes([]byte(s))
}

// Reader is a cursor over an immutable byte slice. All reads fail with
// ErrUnexpectedEnd on short input rather than panicking.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrUnexpectedEnd
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadHash(h *chainhash.Hash) error {
	b, err := r.take(chainhash.HashSize)
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// VarInt reads the variable-length size prefix and enforces the message cap.
func (r *Reader) VarInt() (uint64, error) {
	tag, err := r.Uint8()
	if err != nil {
		return 0, err
	}

	var n uint64
	switch tag {
	case 0xfd:
		v, err := r.Uint16()
		if err != nil {
			return 0, err
		}
		n = uint64(v)
	case 0xfe:
		v, err := r.Uint32()
		if err != nil {
			return 0, err
		}
		n = uint64(v)
	case 0xff:
		v, err := r.Uint64()
		if err != nil {
			return 0, err
		}
		n = v
	default:
		n = uint64(tag)
	}

	if n > MaxMessagePayload {
		return 0, fmt.Errorf("%w: %d", ErrSizeTooLarge, n)
	}
	return n, nil
}

func (r *Reader) VarBytes() ([]byte, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(int(n))
}

func (r *Reader) VarString() (string, error) {
	b, err := r.VarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VarIntSize returns the encoded length of the size prefix for n.
func VarIntSize(n uint64) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// Serialize runs an Encodable through a fresh writer.
func Serialize(e Encodable) ([]byte, error) {
	w := NewWriter()
	if err := e.Encode(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Deserialize decodes d from b and rejects trailing garbage.
func Deserialize(b []byte, d Decodable) error {
	r := NewReader(b)
	if err := d.Decode(r); err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("wire: %d trailing bytes", r.Remaining())
	}
	return nil
}
