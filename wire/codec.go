package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrCommandTooLarge is returned by Encode when the packed command
	// would exceed BufSize bytes.
	ErrCommandTooLarge = errors.New("wire: command exceeds buffer size")
	// ErrMalformedEvent is returned by Decode (and Value accessors) when
	// a buffer cannot be parsed as a well-formed packed value.
	ErrMalformedEvent = errors.New("wire: malformed event")
)

// Encode packs v into a byte buffer suitable for a single queue message
// body. v must be an Array value (spec.md §3: "one message body = one
// top-level array"). The result is zero-padded to BufSize; it never
// exceeds BufSize.
func Encode(v Value) ([]byte, error) {
	buf := make([]byte, 0, BufSize)
	buf = appendValue(buf, v)

	if len(buf) > BufSize {
		return nil, fmt.Errorf("%w: encoded %d bytes, max %d", ErrCommandTooLarge, len(buf), BufSize)
	}

	padded := make([]byte, BufSize)
	copy(padded, buf)

	return padded, nil
}

func appendValue(buf []byte, v Value) []byte {
	switch v.kind {
	case tagUint:
		buf = append(buf, byte(tagUint))
		buf = binary.BigEndian.AppendUint64(buf, v.u)
	case tagInt:
		buf = append(buf, byte(tagInt))
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.i))
	case tagString:
		buf = append(buf, byte(tagString))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.s)))
		buf = append(buf, v.s...)
	case tagBool:
		buf = append(buf, byte(tagBool))
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case tagArray:
		buf = append(buf, byte(tagArray))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.arr)))
		for _, e := range v.arr {
			buf = appendValue(buf, e)
		}
	}
	return buf
}

// Decode parses the first complete packed value out of buf and discards
// any trailing zero padding. buf is expected to be exactly BufSize bytes,
// as delivered by the queue transport, but Decode does not itself enforce
// that length so it can also be used against test fixtures.
func Decode(buf []byte) (Value, error) {
	v, _, err := readValue(buf)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

func readValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, fmt.Errorf("%w: empty buffer", ErrMalformedEvent)
	}

	t := tag(buf[0])
	rest := buf[1:]

	switch t {
	case tagUint:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("%w: truncated uint", ErrMalformedEvent)
		}
		return Value{kind: tagUint, u: binary.BigEndian.Uint64(rest[:8])}, rest[8:], nil

	case tagInt:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("%w: truncated int", ErrMalformedEvent)
		}
		return Value{kind: tagInt, i: int64(binary.BigEndian.Uint64(rest[:8]))}, rest[8:], nil

	case tagString:
		if len(rest) < 4 {
			return Value{}, nil, fmt.Errorf("%w: truncated string length", ErrMalformedEvent)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return Value{}, nil, fmt.Errorf("%w: truncated string body", ErrMalformedEvent)
		}
		return Value{kind: tagString, s: string(rest[:n])}, rest[n:], nil

	case tagBool:
		if len(rest) < 1 {
			return Value{}, nil, fmt.Errorf("%w: truncated bool", ErrMalformedEvent)
		}
		return Value{kind: tagBool, b: rest[0] != 0}, rest[1:], nil

	case tagArray:
		if len(rest) < 4 {
			return Value{}, nil, fmt.Errorf("%w: truncated array length", ErrMalformedEvent)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]

		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			var e Value
			var err error
			e, rest, err = readValue(rest)
			if err != nil {
				return Value{}, nil, fmt.Errorf("%w: array element %d: %v", ErrMalformedEvent, i, err)
			}
			elems = append(elems, e)
		}
		return Value{kind: tagArray, arr: elems}, rest, nil

	default:
		return Value{}, nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedEvent, t)
	}
}
