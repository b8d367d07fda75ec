package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixedSinkAddsPrefixPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewPrefixedSink(&buf, "[pid 1] ")

	n, err := sink.Write([]byte("hello\nworld\n"))
	require.NoError(t, err)
	assert.Equal(t, len("hello\nworld\n"), n)
	assert.Equal(t, "[pid 1] hello\n[pid 1] world\n", buf.String())
}

func TestPrefixedSinkHandlesPartialFinalLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewPrefixedSink(&buf, "> ")

	_, err := sink.Write([]byte("partial"))
	require.NoError(t, err)
	_, err = sink.Write([]byte(" line\n"))
	require.NoError(t, err)

	assert.Equal(t, "> partial line\n", buf.String())
}

func TestNullSinkDiscards(t *testing.T) {
	var sink NullSink
	n, err := sink.Write([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, len("anything"), n)
}
