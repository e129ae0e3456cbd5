package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePeersConvertsStringKeysToNodeIDs(t *testing.T) {
	out, err := parsePeers(map[string]string{"2": "10.0.0.2:7670", "3": "10.0.0.3:7670"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:7670", out[2])
	require.Equal(t, "10.0.0.3:7670", out[3])
}

func TestParsePeersRejectsNonNumericKey(t *testing.T) {
	_, err := parsePeers(map[string]string{"not-a-node": "10.0.0.2:7670"})
	require.Error(t, err)
}

func TestParsePeersRejectsOutOfRangeNodeID(t *testing.T) {
	_, err := parsePeers(map[string]string{"300": "10.0.0.2:7670"})
	require.Error(t, err)
}
