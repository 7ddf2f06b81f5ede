package glomers

import (
	"context"
	"errors"
	"time"

	"github.com/StrayLittlePunk/glomers/telemetry"
)

// Deliverer re-sends a request until the destination acknowledges it, so a
// payload is eventually observed across message loss and partitions. Retries
// are unbounded in count but paced by a capped exponential backoff.
//
// The receiving handler must apply the payload idempotently; the Deliverer
// does not deduplicate.
type Deliverer struct {
	node *Node

	// Base is the interval before the first retry.
	Base time.Duration

	// Factor scales the interval after every failed attempt.
	Factor float64

	// Max caps the interval between attempts.
	Max time.Duration
}

// NewDeliverer returns a Deliverer for node with default pacing.
func NewDeliverer(node *Node) *Deliverer {
	return &Deliverer{
		node:   node,
		Base:   200 * time.Millisecond,
		Factor: 2.0,
		Max:    2 * time.Second,
	}
}

// Deliver sends body to dest and keeps re-sending it until a reply arrives
// or ctx is canceled. An explicit error reply from dest is surfaced to the
// caller rather than retried.
func (d *Deliverer) Deliver(ctx context.Context, dest string, body any) (Message, error) {
	interval := d.Base
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, interval)
		resp, err := d.node.SyncRPC(attemptCtx, dest, body)
		timedOut := attemptCtx.Err() != nil
		cancel()

		if err == nil {
			return resp, nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return resp, err
		}
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		telemetry.DeliveryRetries.Inc()

		// A send that failed outright returns before the attempt window
		// elapses; wait it out so retries stay rate-bounded.
		if !timedOut {
			select {
			case <-ctx.Done():
				return Message{}, ctx.Err()
			case <-time.After(interval):
			}
		}

		if interval = time.Duration(float64(interval) * d.Factor); interval > d.Max {
			interval = d.Max
		}
	}
}
