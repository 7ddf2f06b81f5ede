// Package counter implements a grow-only distributed counter (G-Counter).
// Each node owns one monotonically non-decreasing component; the counter's
// value is the sum of all components. Components replicate by periodic
// snapshot push and merge by per-component max, so replication is
// commutative, associative and idempotent.
package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"

	glomers "github.com/StrayLittlePunk/glomers"
)

// Options configures a Service.
type Options struct {
	// PushInterval is how often each peer pusher replicates the component
	// snapshot.
	PushInterval time.Duration
}

// Service handles the add, read and replicate message types.
type Service struct {
	node      *glomers.Node
	deliverer *glomers.Deliverer
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	counts map[string]int64
}

// New returns a Service registered on node. Replication pushers start once
// the init message arrives.
func New(node *glomers.Node, opt Options) *Service {
	if opt.PushInterval <= 0 {
		opt.PushInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		node:      node,
		deliverer: glomers.NewDeliverer(node),
		interval:  opt.PushInterval,
		ctx:       ctx,
		cancel:    cancel,
		counts:    make(map[string]int64),
	}

	node.Handle("init", s.handleInit)
	node.Handle("add", s.handleAdd)
	node.Handle("read", s.handleRead)
	node.Handle("replicate", s.handleReplicate)

	return s
}

// Close stops the replication pushers.
func (s *Service) Close() { s.cancel() }

func (s *Service) handleInit(msg glomers.Message) error {
	s.mu.Lock()
	s.counts[s.node.ID()] = 0
	s.mu.Unlock()

	peers := lo.Filter(s.node.NodeIDs(), func(id string, _ int) bool {
		return id != s.node.ID()
	})
	for _, id := range peers {
		go s.push(id)
	}
	return nil
}

func (s *Service) handleAdd(msg glomers.Message) error {
	var body addMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	if body.Delta < 0 {
		return glomers.NewRPCError(glomers.MalformedRequest, fmt.Sprintf("delta %d is negative", body.Delta))
	}

	// Local increments are visible to our own reads immediately, before any
	// replication round completes.
	s.mu.Lock()
	s.counts[s.node.ID()] += body.Delta
	s.mu.Unlock()

	return s.node.Reply(msg, glomers.MessageBody{Type: "add_ok"})
}

func (s *Service) handleRead(msg glomers.Message) error {
	s.mu.Lock()
	var total int64
	for _, v := range s.counts {
		total += v
	}
	s.mu.Unlock()

	return s.node.Reply(msg, readOKMessageBody{
		MessageBody: glomers.MessageBody{Type: "read_ok"},
		Value:       total,
	})
}

func (s *Service) handleReplicate(msg glomers.Message) error {
	var body replicateMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	s.merge(body.Counts)
	return s.node.Reply(msg, glomers.MessageBody{Type: "replicate_ok"})
}

// merge takes the per-component max. Every component is monotonically
// non-decreasing at its owner, so re-applying an already-seen snapshot never
// changes the result.
func (s *Service) merge(counts map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range counts {
		if v > s.counts[id] {
			s.counts[id] = v
		}
	}
}

func (s *Service) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counts)
}

// push replicates the full component snapshot to dest on a fixed cadence.
// Each round is delivered until acknowledged; the snapshot is re-taken per
// round so the freshest values ship.
func (s *Service) push(dest string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := s.deliverer.Deliver(s.ctx, dest, replicateMessageBody{
			MessageBody: glomers.MessageBody{Type: "replicate"},
			Counts:      s.snapshot(),
		}); err != nil {
			continue
		}
	}
}

type addMessageBody struct {
	glomers.MessageBody
	Delta int64 `json:"delta"`
}

type readOKMessageBody struct {
	glomers.MessageBody
	Value int64 `json:"value"`
}

type replicateMessageBody struct {
	glomers.MessageBody
	Counts map[string]int64 `json:"counts"`
}
