package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_WaitsBelowMinimum(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("ab")))
	rec, ok, err := a.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Record{}, rec)
}

func TestAccumulator_WaitsWithoutLF(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("block 2223")))
	_, ok, err := a.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccumulator_ParsesSimpleRecord(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("block 2223\n")))
	rec, ok, err := a.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{Cmd: "block", Args: "2223"}, rec)
	assert.Equal(t, 0, a.Len())
}

func TestAccumulator_ParsesSecureEnvelope(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed(EncodeSecure("Zm9v")))
	rec, ok, err := a.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, IsSecureEnvelope(rec))
	assert.Equal(t, "Zm9v", rec.Args)
}

func TestAccumulator_MissingSpaceWithLF_IsMalformed(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("nospaceline\n")))
	_, ok, err := a.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestAccumulator_LFBeforeSpace_IsMalformed(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("bad\ncmd more\n")))
	_, ok, err := a.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestAccumulator_DegenerateCommand_IsMalformed(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("a x\n")))
	_, ok, err := a.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestAccumulator_OverflowClosesConnection(t *testing.T) {
	a := NewAccumulator()
	junk := make([]byte, MaxBufferSize+1)
	for i := range junk {
		junk[i] = 'x'
	}
	err := a.Feed(junk)
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestAccumulator_ConsumesTrailingLFCRSpaceRun(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("list ports\n\r\nblock 2223\n")))
	rec1, ok, err := a.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{Cmd: "list", Args: "ports"}, rec1)

	rec2, ok, err := a.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{Cmd: "block", Args: "2223"}, rec2)
}

func TestAccumulator_MultipleRecordsAcrossFeeds(t *testing.T) {
	a := NewAccumulator()
	require.NoError(t, a.Feed([]byte("list po")))
	_, ok, err := a.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Feed([]byte("rts\n")))
	rec, ok, err := a.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Record{Cmd: "list", Args: "ports"}, rec)
}

func TestEncodeRecord(t *testing.T) {
	assert.Equal(t, "block 2223\n", string(EncodeRecord("block", "2223")))
}

func TestEncodeSecure(t *testing.T) {
	assert.Equal(t, "_: Zm9v\n", string(EncodeSecure("Zm9v")))
}
