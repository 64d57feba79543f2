package protocol_test

import (
	"testing"

	"github.com/CZERTAINLY/acqman/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestPayload(t *testing.T) {
	t.Parallel()
	require.Equal(t, "manager:shut down", protocol.Manager(protocol.ShutDown))

	p, ok := protocol.Payload("manager:done")
	require.True(t, ok)
	require.Equal(t, protocol.Done, p)

	_, ok = protocol.Payload("Acquiring some data.")
	require.False(t, ok)
}

func TestFolder(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     string
		ok       bool
	}{
		{"abs path", "manager:/data/181027-101010 - FOSOF - test/", "/data/181027-101010 - FOSOF - test/", true},
		{"ack", "manager:received rd", "", false},
		{"untagged", "/data/x", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			got, ok := protocol.Folder(tc.given)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, got)
		})
	}
}
