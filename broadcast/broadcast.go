// Package broadcast implements the gossip-based value broadcast workload.
// Every value accepted anywhere eventually reaches every node: values are
// unioned into a grow-only known set and re-sent to neighbors until each
// neighbor has acknowledged each value.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	glomers "github.com/StrayLittlePunk/glomers"
)

// Options configures a Service.
type Options struct {
	// GossipInterval is how often each neighbor pusher checks for values
	// that neighbor has not acknowledged yet.
	GossipInterval time.Duration
}

// Service handles the broadcast, read, topology and gossip message types.
type Service struct {
	node      *glomers.Node
	deliverer *glomers.Deliverer
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	known     mapset.Set[int64]
	neighbors []string
	// pending tracks, per neighbor, the values that neighbor has not yet
	// acknowledged. It only ever drains on acknowledgment, so a partitioned
	// neighbor simply accumulates until connectivity returns.
	pending map[string]mapset.Set[int64]
}

// New returns a Service registered on node. Gossip pushers start once the
// init message arrives.
func New(node *glomers.Node, opt Options) *Service {
	if opt.GossipInterval <= 0 {
		opt.GossipInterval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		node:      node,
		deliverer: glomers.NewDeliverer(node),
		interval:  opt.GossipInterval,
		ctx:       ctx,
		cancel:    cancel,
		known:     mapset.NewSet[int64](),
		pending:   make(map[string]mapset.Set[int64]),
	}

	node.Handle("init", s.handleInit)
	node.Handle("broadcast", s.handleBroadcast)
	node.Handle("read", s.handleRead)
	node.Handle("topology", s.handleTopology)
	node.Handle("gossip", s.handleGossip)

	return s
}

// Close stops the gossip pushers.
func (s *Service) Close() { s.cancel() }

func (s *Service) handleInit(msg glomers.Message) error {
	// Full mesh until a topology message narrows the fan-out.
	s.setNeighbors(lo.Filter(s.node.NodeIDs(), func(id string, _ int) bool {
		return id != s.node.ID()
	}))
	return nil
}

func (s *Service) handleBroadcast(msg glomers.Message) error {
	var body broadcastMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	s.learn(msg.Src, []int64{body.Message})
	return s.node.Reply(msg, glomers.MessageBody{Type: "broadcast_ok"})
}

func (s *Service) handleRead(msg glomers.Message) error {
	s.mu.Lock()
	messages := s.known.ToSlice()
	s.mu.Unlock()
	slices.Sort(messages)

	return s.node.Reply(msg, readOKMessageBody{
		MessageBody: glomers.MessageBody{Type: "read_ok"},
		Messages:    messages,
	})
}

func (s *Service) handleTopology(msg glomers.Message) error {
	var body topologyMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	if neighbors, ok := body.Topology[s.node.ID()]; ok {
		s.setNeighbors(neighbors)
	}
	return s.node.Reply(msg, glomers.MessageBody{Type: "topology_ok"})
}

func (s *Service) handleGossip(msg glomers.Message) error {
	var body gossipMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	s.learn(msg.Src, body.Messages)

	// Echo the batch so the sender can clear its pending set.
	return s.node.Reply(msg, gossipMessageBody{
		MessageBody: glomers.MessageBody{Type: "gossip_ok"},
		Messages:    body.Messages,
	})
}

// learn unions values into the known set. Novel values are queued for every
// neighbor except src; duplicates are dropped, which makes gossip delivery
// idempotent.
func (s *Service) learn(src string, values []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if !s.known.Add(v) {
			continue
		}
		for _, id := range s.neighbors {
			if id == src {
				continue
			}
			if set, ok := s.pending[id]; ok {
				set.Add(v)
			}
		}
	}
}

// setNeighbors records the fan-out set and starts a pusher for any neighbor
// that does not have one yet. A new neighbor owes us an ack for everything
// we already know.
func (s *Service) setNeighbors(neighbors []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range neighbors {
		if _, ok := s.pending[id]; ok {
			continue
		}
		s.pending[id] = s.known.Clone()
		go s.push(id)
	}
	s.neighbors = neighbors
}

// push is the per-neighbor gossip loop: batch everything dest has not acked
// into one message, deliver it until acknowledged, clear the acked values,
// repeat. One in-flight delivery per neighbor bounds message volume.
func (s *Service) push(dest string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		batch := s.pendingFor(dest)
		if len(batch) == 0 {
			continue
		}
		if _, err := s.deliverer.Deliver(s.ctx, dest, gossipMessageBody{
			MessageBody: glomers.MessageBody{Type: "gossip"},
			Messages:    batch,
		}); err != nil {
			continue
		}
		s.ack(dest, batch)
	}
}

func (s *Service) pendingFor(dest string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pending[dest]
	if !ok || set.Cardinality() == 0 {
		return nil
	}
	batch := set.ToSlice()
	slices.Sort(batch)
	return batch
}

func (s *Service) ack(dest string, values []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.pending[dest]; ok {
		set.RemoveAll(values...)
	}
}

type broadcastMessageBody struct {
	glomers.MessageBody
	Message int64 `json:"message"`
}

type readOKMessageBody struct {
	glomers.MessageBody
	Messages []int64 `json:"messages"`
}

type topologyMessageBody struct {
	glomers.MessageBody
	Topology map[string][]string `json:"topology"`
}

type gossipMessageBody struct {
	glomers.MessageBody
	Messages []int64 `json:"messages"`
}
