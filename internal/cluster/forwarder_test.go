package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	mu    sync.Mutex
	calls []string // "node:topic"
	fail  map[string]bool
}

func (f *recordingForwarder) Forward(_ context.Context, node, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[node] {
		return assert.AnError
	}
	f.calls = append(f.calls, node+":"+topic)
	return nil
}

func TestDispatchForwardsToEveryRemoteNodeOnce(t *testing.T) {
	rt := NewRouteTable(2, LockKey)
	defer rt.Close()

	require.NoError(t, rt.AddRoute("room/1/temp", "local"))
	require.NoError(t, rt.AddRoute("room/1/temp", "node-b"))
	require.NoError(t, rt.AddRoute("room/+/temp", "node-c"))

	fwd := &recordingForwarder{fail: map[string]bool{}}
	local, err := Dispatch(context.Background(), rt, fwd, "local", "room/1/temp", []byte("23.5"))
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, local)

	assert.ElementsMatch(t, []string{"node-b:room/1/temp", "node-c:room/1/temp"}, fwd.calls)
}

func TestDispatchToleratesFailedForwardWhileRouteStillResolves(t *testing.T) {
	rt := NewRouteTable(1, LockKey)
	defer rt.Close()

	require.NoError(t, rt.AddRoute("x/y", "node-a"))

	fwd := &recordingForwarder{fail: map[string]bool{"node-a": true}}
	_, err := Dispatch(context.Background(), rt, fwd, "local", "x/y", nil)
	require.NoError(t, err) // ResolveWithRetry still finds node-a, so Dispatch does not error

	// once the route itself is gone, Match finds no destination to forward to
	require.NoError(t, rt.DeleteRoute("x/y", "node-a"))
	_, err = Dispatch(context.Background(), rt, fwd, "local", "x/y", nil)
	assert.NoError(t, err) // no destinations at all is not an error, just nothing to forward to
}

func TestDispatchWithNoLocalDestinationReturnsNoLocalNodes(t *testing.T) {
	rt := NewRouteTable(1, LockKey)
	defer rt.Close()

	require.NoError(t, rt.AddRoute("only/remote", "node-b"))

	fwd := &recordingForwarder{fail: map[string]bool{}}
	local, err := Dispatch(context.Background(), rt, fwd, "local", "only/remote", nil)
	require.NoError(t, err)
	assert.Empty(t, local)
	assert.Equal(t, []string{"node-b:only/remote"}, fwd.calls)
}
