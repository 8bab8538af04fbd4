package iostream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteUint32(42))
	require.NoError(t, w.WriteUint64(1<<40))
	require.NoError(t, w.WriteUvarint(300))
	require.NoError(t, w.WriteByte(7))
	require.NoError(t, w.WriteString("MI5-0005"))
	require.NoError(t, w.Flush())

	r := NewReader(&buf)
	v32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), v32)

	v64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), v64)

	uv, err := r.ReadUvarint()
	require.NoError(t, err)
	require.Equal(t, uint64(300), uv)

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(7), b)

	s, err := r.ReadString(8)
	require.NoError(t, err)
	require.Equal(t, "MI5-0005", s)
}
