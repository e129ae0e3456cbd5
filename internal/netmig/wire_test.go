package netmig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pios/internal/defs"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Kind: MIGRQ, Src: 1, Dst: 2, HomeNode: 1, HomeSlot: 7, Seq: 0xdeadbeef}
	got, err := unmarshalHeader(h.marshal())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestUnmarshalHeaderRejectsShortBuffer(t *testing.T) {
	_, err := unmarshalHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestMigrMsgRoundTrip(t *testing.T) {
	var pg PagePayload
	pg.VA = defs.UserLo
	pg.RW = true
	pg.Data[0] = 0xAB
	pg.Data[defs.PageSize-1] = 0xCD

	m := MigrMsg{
		Header: Header{Kind: MIGRQ, Src: 1, Dst: 2, HomeNode: 1, HomeSlot: 3, Seq: 9},
		RegsIP: 0x1000, RegsSP: 0x2000, RegsA0: 1, RegsA1: 2, RegsA2: 3, RegsA3: 4,
		Pages:   []PagePayload{pg},
		Remotes: []RemoteEntry{{VA: defs.UserLo + defs.PageSize, Node: 3, Addr: 0x44, RW: false}},
	}

	got, err := unmarshalMigr(marshalMigr(m))
	require.NoError(t, err)
	require.Equal(t, m.Header, got.Header)
	require.Equal(t, m.RegsIP, got.RegsIP)
	require.Equal(t, m.RegsSP, got.RegsSP)
	require.Equal(t, m.Pages, got.Pages)
	require.Equal(t, m.Remotes, got.Remotes)
}

func TestMigrMsgRoundTripWithNoPagesOrRemotes(t *testing.T) {
	m := MigrMsg{Header: Header{Kind: MIGRQ, Src: 1, Dst: 2, Seq: 1}}
	got, err := unmarshalMigr(marshalMigr(m))
	require.NoError(t, err)
	require.Empty(t, got.Pages)
	require.Empty(t, got.Remotes)
}

func TestUnmarshalMigrRejectsTruncatedPagePayload(t *testing.T) {
	m := MigrMsg{
		Header: Header{Kind: MIGRQ, Seq: 1},
		Pages:  []PagePayload{{VA: defs.UserLo}},
	}
	raw := marshalMigr(m)
	_, err := unmarshalMigr(raw[:len(raw)-10])
	require.Error(t, err)
}

func TestPullMsgRoundTrip(t *testing.T) {
	m := PullMsg{
		Header: Header{Kind: PULLRQ, Src: 2, Dst: 1, Seq: 55},
		VA:     defs.UserLo,
		Level:  1,
		Data:   []byte("page contents"),
	}
	got, err := unmarshalPull(marshalPull(m))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestPullMsgRoundTripWithEmptyData(t *testing.T) {
	m := PullMsg{Header: Header{Kind: PULLRP, Seq: 2}, VA: defs.UserLo, Level: 0}
	got, err := unmarshalPull(marshalPull(m))
	require.NoError(t, err)
	require.Equal(t, m.VA, got.VA)
	require.Empty(t, got.Data)
}

func TestMsgKindString(t *testing.T) {
	require.Equal(t, "MIGRQ", MIGRQ.String())
	require.Equal(t, "PULLRP", PULLRP.String())
	require.Equal(t, "?", MsgKind(99).String())
}
