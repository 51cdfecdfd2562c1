package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pipeClient(t *testing.T) *client {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	return newClient("test", zap.NewNop().Sugar(), serverSide)
}

func TestRegistryRegisterLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := pipeClient(t)

	require.Nil(t, r.Register("alice", c))

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Same(t, c, got)

	_, ok = r.Lookup("bob")
	require.False(t, ok)
}

func TestRegistrySupersede(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := pipeClient(t)
	second := pipeClient(t)

	require.Nil(t, r.Register("alice", first))
	require.Same(t, first, r.Register("alice", second))

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Same(t, second, got)

	// re-registering the current owner supersedes nothing
	require.Nil(t, r.Register("alice", second))
}

func TestRegistryUnregisterStaleHandle(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := pipeClient(t)
	second := pipeClient(t)

	r.Register("alice", first)
	r.Register("alice", second)

	// the superseded handle must not evict the new session
	require.False(t, r.Unregister("alice", first))
	_, ok := r.Lookup("alice")
	require.True(t, ok)

	require.True(t, r.Unregister("alice", second))
	_, ok = r.Lookup("alice")
	require.False(t, ok)
}

func TestRegistrySnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := pipeClient(t)
	b := pipeClient(t)

	r.Register("alice", a)
	r.Register("bob", b)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	require.Same(t, a, snapshot["alice"])
	require.Same(t, b, snapshot["bob"])

	// the snapshot is a copy
	delete(snapshot, "alice")
	_, ok := r.Lookup("alice")
	require.True(t, ok)
}
