package execve_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"pios/internal/defs"
	"pios/internal/execve"
	"pios/internal/mem"
	"pios/internal/pgtbl"
)

func buildImage(t *testing.T, segs []execve.Segment, entry uint64) []byte {
	t.Helper()
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], 0x50494f53)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(segs)))
	for _, s := range segs {
		hdr := make([]byte, 13)
		binary.BigEndian.PutUint64(hdr[0:8], uint64(s.VA))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(s.Data)))
		if s.Writable {
			hdr[12] = 1
		}
		b = append(b, hdr...)
		b = append(b, s.Data...)
	}
	var et [8]byte
	binary.BigEndian.PutUint64(et[:], entry)
	return append(b, et[:]...)
}

func TestParseRoundTripsSegmentsAndEntry(t *testing.T) {
	raw := buildImage(t, []execve.Segment{
		{VA: defs.UserLo, Data: []byte("hello"), Writable: false},
		{VA: defs.UserLo + defs.PageSize, Data: []byte("world!"), Writable: true},
	}, 0xABCD)

	img, err := execve.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(0xABCD), img.Entry)
	require.Len(t, img.Segments, 2)
	require.Equal(t, []byte("hello"), img.Segments[0].Data)
	require.False(t, img.Segments[0].Writable)
	require.True(t, img.Segments[1].Writable)
}

func TestParseRejectsBadMagic(t *testing.T) {
	_, err := execve.Parse([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestParseRejectsTruncatedSegment(t *testing.T) {
	raw := buildImage(t, []execve.Segment{{VA: defs.UserLo, Data: []byte("x")}}, 0)
	// drop the 8-byte entry trailer and the last byte of segment data
	_, err := execve.Parse(raw[:len(raw)-9])
	require.Error(t, err)
}

func TestArgsEncodesOffsetTableAndNulTerminatedBlob(t *testing.T) {
	blob := execve.Args([]string{"prog", "a"})
	n := binary.BigEndian.Uint32(blob[0:4])
	require.Equal(t, uint32(2), n)
	off0 := binary.BigEndian.Uint32(blob[4:8])
	off1 := binary.BigEndian.Uint32(blob[8:12])
	data := blob[12:]
	require.Equal(t, "prog\x00a\x00", string(data[off0:]))
	require.Greater(t, off1, off0)
}

func TestLoadMapsSegmentsAndBuildsArgStack(t *testing.T) {
	a := mem.NewArena(64)
	pdir := pgtbl.NewDir()
	img := execve.Image{
		Segments: []execve.Segment{{VA: defs.UserLo, Data: []byte("payload"), Writable: false}},
		Entry:    0x1234,
	}

	entry, sp, err := execve.Load(a, pdir, img, []string{"init"})
	require.Zero(t, err)
	require.Equal(t, uintptr(0x1234), entry)
	require.NotZero(t, sp)

	e, err2 := pdir.Walk(a, defs.UserLo, false)
	require.Zero(t, err2)
	require.Equal(t, pgtbl.Local, e.Kind)
	require.Equal(t, []byte("payload"), a.Bytes(e.Frame)[:len("payload")])
	require.False(t, e.NominalWrite)
}

func TestLoadRejectsOversizeArgBlob(t *testing.T) {
	a := mem.NewArena(64)
	pdir := pgtbl.NewDir()
	huge := make([]string, 0)
	for i := 0; i < 2000; i++ {
		huge = append(huge, "argument-padding-to-overflow-one-page")
	}
	_, _, err := execve.Load(a, pdir, execve.Image{}, huge)
	require.Equal(t, defs.E2BIG, err)
}
