package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Array(String("attach"), Uint(4242)),
		Array(String("call"), Uint(1_700_000_000_000_000), Int(1), Int(3), Bool(false), Int(7)),
		Array(String("add"), Int(-1), String("String#gsub")),
		Array(String("exprval"), Int(2), Int(0), String("42")),
		Array(String("nested"), Array(Int(1), Int(2), Array(Bool(true), Bool(false)))),
	}

	for _, in := range cases {
		encoded, err := Encode(in)
		require.NoError(t, err)
		require.Len(t, encoded, BufSize)

		out, err := Decode(encoded)
		require.NoError(t, err)
		assertValueEqual(t, in, out)
	}
}

func assertValueEqual(t *testing.T, want, got Value) {
	t.Helper()
	require.Equal(t, want.kind, got.kind)

	switch want.kind {
	case tagUint:
		assert.Equal(t, want.u, got.u)
	case tagInt:
		assert.Equal(t, want.i, got.i)
	case tagString:
		assert.Equal(t, want.s, got.s)
	case tagBool:
		assert.Equal(t, want.b, got.b)
	case tagArray:
		require.Len(t, got.arr, len(want.arr))
		for i := range want.arr {
			assertValueEqual(t, want.arr[i], got.arr[i])
		}
	}
}

func TestEncodeAtBufSizeSucceeds(t *testing.T) {
	// A string value costs 1 (tag) + 4 (len) bytes of overhead beyond its
	// contents; the enclosing array costs 1 (tag) + 4 (len) + 1 (element
	// tag) + 4 (element len) for a one-string array.
	overhead := 1 + 4 + 1 + 4
	payload := strings.Repeat("x", BufSize-overhead)

	v := Array(String(payload))
	encoded, err := Encode(v)
	require.NoError(t, err)
	require.Len(t, encoded, BufSize)
}

func TestEncodeOverBufSizeFails(t *testing.T) {
	overhead := 1 + 4 + 1 + 4
	payload := strings.Repeat("x", BufSize-overhead+1)

	v := Array(String(payload))
	_, err := Encode(v)
	require.ErrorIs(t, err, ErrCommandTooLarge)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = Decode([]byte{byte(tagString), 0, 0, 0, 10, 'a'})
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = Decode([]byte{0xff})
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestValueAccessors(t *testing.T) {
	arr := Array(String("call"), Uint(5), Bool(true))

	elems, err := arr.Elems()
	require.NoError(t, err)
	require.Len(t, elems, 3)

	name, err := elems[0].Str()
	require.NoError(t, err)
	assert.Equal(t, "call", name)

	n, err := elems[1].Uint()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	b, err := elems[2].BoolVal()
	require.NoError(t, err)
	assert.True(t, b)

	_, err = elems[0].Uint()
	require.ErrorIs(t, err, ErrMalformedEvent)
}
