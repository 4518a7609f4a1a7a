package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxTextLength bounds the byte length of string payloads.
const MaxTextLength = math.MaxUint16

// ErrShortBuffer is returned when a payload ends before a field is complete.
var ErrShortBuffer = errors.New("short buffer")

// DecodeError reports an unrecognized tag or a malformed payload.
type DecodeError struct {
	Tag    Tag
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Tag, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Tag, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reconstructs a variant from its payload.
type Decoder func(r *Reader, source int32) (Command, error)

// Registry maps wire tags to decoders. It is built once per session and is
// read-only afterwards. Command is sealed, so every decodable variant is
// defined and registered in this package.
type Registry struct {
	decoders map[Tag]Decoder
}

// NewRegistry returns a registry holding every built-in variant.
func NewRegistry() *Registry {
	reg := &Registry{decoders: make(map[Tag]Decoder)}
	for _, v := range []struct {
		variant Command
		dec     Decoder
	}{
		{Test{}, decodeTest},
		{Spawn{}, decodeSpawn},
		{Move{}, decodeMove},
		{Say{}, decodeSay},
	} {
		if err := reg.register(v.variant, v.dec); err != nil {
			panic(err)
		}
	}
	return reg
}

// register adds dec under the tag of variant. The decoder must produce that
// variant, otherwise a decoded command would re-encode under another tag.
func (reg *Registry) register(variant Command, dec Decoder) error {
	tag := variant.Tag()
	if dec == nil {
		return fmt.Errorf("nil decoder for %s", tag)
	}
	if _, ok := reg.decoders[tag]; ok {
		return fmt.Errorf("tag %d already registered", uint16(tag))
	}
	reg.decoders[tag] = dec
	return nil
}

// Known reports whether tag has a decoder.
func (reg *Registry) Known(tag Tag) bool {
	_, ok := reg.decoders[tag]
	return ok
}

// Decode reads one tagged command from r and stamps it with source.
func (reg *Registry) Decode(r *Reader, source int32) (Command, error) {
	raw, err := r.Uint16()
	if err != nil {
		return nil, &DecodeError{Reason: "missing tag", Err: err}
	}
	tag := Tag(raw)
	dec, ok := reg.decoders[tag]
	if !ok {
		return nil, &DecodeError{Tag: tag, Reason: "unregistered tag"}
	}
	cmd, err := dec(r, source)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Reason: "malformed payload", Err: err}
	}
	if cmd.Tag() != tag {
		return nil, &DecodeError{Tag: tag, Reason: fmt.Sprintf("decoder produced %s", cmd.Tag())}
	}
	return cmd, nil
}

// Append writes the tag and payload of cmd to buf.
func Append(buf []byte, cmd Command) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(cmd.Tag()))
	return cmd.appendPayload(buf)
}

// Encode returns the tagged wire form of cmd.
func Encode(cmd Command) []byte {
	return Append(nil, cmd)
}

// AppendUint32 appends v in network byte order.
func AppendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

// AppendInt32 appends v in network byte order.
func AppendInt32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

// AppendInt64 appends v in network byte order.
func AppendInt64(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v))
}

func appendString(buf []byte, s string) []byte {
	if len(s) > MaxTextLength {
		s = truncateUTF8(s, MaxTextLength)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Reader consumes big-endian fields from a byte slice.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) next(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, r.Len())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Int64() (int64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Text reads a uint16 length-prefixed UTF-8 string.
func (r *Reader) Text() (string, error) {
	n, err := r.Uint16()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("invalid utf-8 text")
	}
	return string(b), nil
}
