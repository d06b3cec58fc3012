package cluster

import (
	"context"

	"github.com/pyr33x/goqtt-router/pkg/er"
)

// Forwarder delivers a message to another node's broker exactly once
// (spec.md §4.5 step 2). The standalone deployment has no peer nodes to
// forward to; NoopForwarder satisfies the interface so Dispatch can call
// it unconditionally regardless of cluster size.
type Forwarder interface {
	Forward(ctx context.Context, node string, topic string, payload []byte) error
}

type NoopForwarder struct{}

func (NoopForwarder) Forward(context.Context, string, string, []byte) error { return nil }

// Resolver is the subset of RouteTable's API Dispatch needs: resolve a
// topic's current destinations, and re-resolve after a failed forward.
// *RouteTable satisfies this structurally; callers outside this package
// (the broker) depend on a narrower interface so they can be tested
// against a fake without a live worker pool.
type Resolver interface {
	Match(topicStr string) ([]string, error)
	ResolveWithRetry(filter string) ([]string, error)
}

// Dispatch resolves topic's destinations via table and forwards to every
// node other than localNode once. When a forward fails, it re-resolves
// topicStr through table.ResolveWithRetry (an exact-filter lookup) and
// returns ErrRouteUnavailable if that finds no destination; otherwise it
// moves on to the next node without re-sending the failed forward.
func Dispatch(ctx context.Context, table Resolver, fwd Forwarder, localNode, topicStr string, payload []byte) ([]string, error) {
	nodes, err := table.Match(topicStr)
	if err != nil {
		return nil, err
	}

	local := false
	var remote []string
	for _, n := range nodes {
		if n == localNode {
			local = true
			continue
		}
		remote = append(remote, n)
	}

	for _, n := range remote {
		if err := fwd.Forward(ctx, n, topicStr, payload); err != nil {
			retried, rerr := table.ResolveWithRetry(topicStr)
			if rerr != nil || len(retried) == 0 {
				return nil, &er.Err{Context: "Cluster", Message: er.ErrRouteUnavailable}
			}
		}
	}

	if local {
		return []string{localNode}, nil
	}
	return nil, nil
}
