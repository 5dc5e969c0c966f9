package connector

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultLookupTimeout bounds a shared lookup once its callers stop waiting.
const DefaultLookupTimeout = 10 * time.Second

// CoalescingResolver merges concurrent lookups of the same host into one
// call to the wrapped Resolver. Results are not cached.
//
// A caller whose context ends stops waiting, but the shared lookup keeps
// running for the other callers, bounded by LookupTimeout.
type CoalescingResolver struct {
	Resolver      Resolver
	LookupTimeout time.Duration

	group singleflight.Group
}

// LookupHost implements Resolver.
func (r *CoalescingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	timeout := r.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	ch := r.group.DoChan(host, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return r.Resolver.LookupHost(lookupCtx, host)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		addrs := res.Val.([]string)
		// Callers share the slice; hand each its own copy.
		return append([]string(nil), addrs...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
