// Package kafka implements the replicated append-only log workload. Each key
// has a single authoritative node that assigns offsets, which keeps offsets
// contiguous from 0 with no distributed consensus; entries replicate to the
// other nodes asynchronously for read availability.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	glomers "github.com/StrayLittlePunk/glomers"
)

// Options configures a Service.
type Options struct {
	// ForwardTimeout bounds how long a proxied append waits for the key's
	// authoritative node before answering temporarily-unavailable.
	ForwardTimeout time.Duration

	// ReplicateInterval is how often each peer pusher ships queued entries.
	ReplicateInterval time.Duration
}

// entryPair is one log entry on the wire: [offset, msg].
type entryPair [2]int64

// Service handles the send, poll, commit_offsets and list_committed_offsets
// message types, plus the internal send_fwd, log_replicate and
// commit_replicate types.
type Service struct {
	node        *glomers.Node
	deliverer   *glomers.Deliverer
	fwdTimeout  time.Duration
	repInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// logs holds, per key, the entry values indexed by offset. On the
	// authoritative node the slice is the source of truth; elsewhere it is
	// a replica that may trail behind.
	logs map[string][]int64
	// staged buffers replicated entries that arrived ahead of a gap,
	// keyed by offset, until the log catches up to them.
	staged map[string]map[int64]int64
	// committed holds offset watermarks per client id, then per key.
	committed map[string]map[string]int64
	// backlog queues entries owed to each peer replica, in append order.
	backlog map[string][]replicaEntry
}

type replicaEntry struct {
	key    string
	offset int64
	msg    int64
}

// New returns a Service registered on node. Replica pushers start once the
// init message arrives.
func New(node *glomers.Node, opt Options) *Service {
	if opt.ForwardTimeout <= 0 {
		opt.ForwardTimeout = time.Second
	}
	if opt.ReplicateInterval <= 0 {
		opt.ReplicateInterval = 300 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		node:        node,
		deliverer:   glomers.NewDeliverer(node),
		fwdTimeout:  opt.ForwardTimeout,
		repInterval: opt.ReplicateInterval,
		ctx:         ctx,
		cancel:      cancel,
		logs:        make(map[string][]int64),
		staged:      make(map[string]map[int64]int64),
		committed:   make(map[string]map[string]int64),
		backlog:     make(map[string][]replicaEntry),
	}

	node.Handle("init", s.handleInit)
	node.Handle("send", s.handleSend)
	node.Handle("send_fwd", s.handleSendFwd)
	node.Handle("poll", s.handlePoll)
	node.Handle("commit_offsets", s.handleCommitOffsets)
	node.Handle("list_committed_offsets", s.handleListCommittedOffsets)
	node.Handle("log_replicate", s.handleLogReplicate)
	node.Handle("commit_replicate", s.handleCommitReplicate)

	return s
}

// Close stops the replica pushers.
func (s *Service) Close() { s.cancel() }

func (s *Service) handleInit(msg glomers.Message) error {
	for _, id := range s.peers() {
		go s.push(id)
	}
	return nil
}

func (s *Service) peers() []string {
	return lo.Filter(s.node.NodeIDs(), func(id string, _ int) bool {
		return id != s.node.ID()
	})
}

// owner returns the node authoritative for key. Numeric keys map by value
// modulo the cluster size; anything else hashes. node_ids ordering is the
// same on every node, so all nodes agree.
func (s *Service) owner(key string) string {
	ids := s.node.NodeIDs()
	if k, err := strconv.Atoi(key); err == nil && k >= 0 {
		return ids[k%len(ids)]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return ids[int(h.Sum32())%len(ids)]
}

func (s *Service) handleSend(msg glomers.Message) error {
	var body sendMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	owner := s.owner(body.Key)
	if owner == s.node.ID() {
		offset := s.append(body.Key, body.Msg)
		return s.node.Reply(msg, sendOKMessageBody{
			MessageBody: glomers.MessageBody{Type: "send_ok"},
			Offset:      offset,
		})
	}

	// Proxy to the authoritative node and relay its answer. Offsets are
	// never assigned locally for a foreign key: if the owner is unreachable
	// the append fails rather than risking conflicting offsets.
	ctx, cancel := context.WithTimeout(s.ctx, s.fwdTimeout)
	defer cancel()
	resp, err := s.node.SyncRPC(ctx, owner, sendMessageBody{
		MessageBody: glomers.MessageBody{Type: "send_fwd"},
		Key:         body.Key,
		Msg:         body.Msg,
	})
	if err != nil {
		if rpcErr, ok := err.(*glomers.RPCError); ok {
			return rpcErr
		}
		return glomers.NewRPCError(glomers.TemporarilyUnavailable,
			fmt.Sprintf("node %s owning key %q is unreachable", owner, body.Key))
	}

	var respBody sendOKMessageBody
	if err := json.Unmarshal(resp.Body, &respBody); err != nil {
		return err
	}
	return s.node.Reply(msg, sendOKMessageBody{
		MessageBody: glomers.MessageBody{Type: "send_ok"},
		Offset:      respBody.Offset,
	})
}

func (s *Service) handleSendFwd(msg glomers.Message) error {
	var body sendMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	if s.owner(body.Key) != s.node.ID() {
		return glomers.NewRPCError(glomers.Abort,
			fmt.Sprintf("node %s is not authoritative for key %q", s.node.ID(), body.Key))
	}
	offset := s.append(body.Key, body.Msg)
	return s.node.Reply(msg, sendOKMessageBody{
		MessageBody: glomers.MessageBody{Type: "send_ok"},
		Offset:      offset,
	})
}

// append assigns the next offset for key and queues the entry for every
// replica. Assignment is serialized under the state lock: single writer per
// key, offsets contiguous from 0.
func (s *Service) append(key string, value int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := int64(len(s.logs[key]))
	s.logs[key] = append(s.logs[key], value)
	for _, id := range s.peers() {
		s.backlog[id] = append(s.backlog[id], replicaEntry{key: key, offset: offset, msg: value})
	}
	return offset
}

func (s *Service) handlePoll(msg glomers.Message) error {
	var body pollMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	s.mu.Lock()
	msgs := make(map[string][]entryPair)
	for key, start := range body.Offsets {
		log := s.logs[key]
		if start < 0 {
			start = 0
		}
		var entries []entryPair
		for o := start; o < int64(len(log)); o++ {
			entries = append(entries, entryPair{o, log[o]})
		}
		if len(entries) > 0 {
			msgs[key] = entries
		}
	}
	s.mu.Unlock()

	return s.node.Reply(msg, pollOKMessageBody{
		MessageBody: glomers.MessageBody{Type: "poll_ok"},
		Msgs:        msgs,
	})
}

func (s *Service) handleCommitOffsets(msg glomers.Message) error {
	var body offsetsMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	s.commit(msg.Src, body.Offsets)

	// Watermarks merge by max, so re-delivery to a peer is harmless.
	for _, id := range s.peers() {
		go func(dest string) {
			_, _ = s.deliverer.Deliver(s.ctx, dest, commitReplicateMessageBody{
				MessageBody: glomers.MessageBody{Type: "commit_replicate"},
				Client:      msg.Src,
				Offsets:     body.Offsets,
			})
		}(id)
	}

	return s.node.Reply(msg, glomers.MessageBody{Type: "commit_offsets_ok"})
}

func (s *Service) handleCommitReplicate(msg glomers.Message) error {
	var body commitReplicateMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}
	s.commit(body.Client, body.Offsets)
	return s.node.Reply(msg, glomers.MessageBody{Type: "commit_replicate_ok"})
}

func (s *Service) commit(client string, offsets map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := s.committed[client]
	if marks == nil {
		marks = make(map[string]int64)
		s.committed[client] = marks
	}
	for key, off := range offsets {
		if cur, ok := marks[key]; !ok || off > cur {
			marks[key] = off
		}
	}
}

func (s *Service) handleListCommittedOffsets(msg glomers.Message) error {
	var body listCommittedMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	s.mu.Lock()
	offsets := make(map[string]int64)
	for _, key := range body.Keys {
		// The last committed watermark for a key is the furthest any client
		// has committed it.
		var best int64
		found := false
		for _, marks := range s.committed {
			if off, ok := marks[key]; ok && (!found || off > best) {
				best, found = off, true
			}
		}
		if found {
			offsets[key] = best
		}
	}
	s.mu.Unlock()

	return s.node.Reply(msg, offsetsMessageBody{
		MessageBody: glomers.MessageBody{Type: "list_committed_offsets_ok"},
		Offsets:     offsets,
	})
}

func (s *Service) handleLogReplicate(msg glomers.Message) error {
	var body logReplicateMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	s.mu.Lock()
	for _, key := range maps.Keys(body.Entries) {
		entries := body.Entries[key]
		slices.SortFunc(entries, func(a, b entryPair) bool {
			return a[0] < b[0]
		})
		for _, e := range entries {
			s.applyReplica(key, e[0], e[1])
		}
	}
	s.mu.Unlock()

	return s.node.Reply(msg, glomers.MessageBody{Type: "log_replicate_ok"})
}

// applyReplica applies one replicated entry, tolerating duplicates and
// reordering: stale offsets are dropped, future offsets wait in the staging
// buffer until the log is contiguous up to them. Callers hold s.mu.
func (s *Service) applyReplica(key string, offset, value int64) {
	log := s.logs[key]
	switch {
	case offset < int64(len(log)):
		return
	case offset == int64(len(log)):
		s.logs[key] = append(log, value)
	default:
		stage := s.staged[key]
		if stage == nil {
			stage = make(map[int64]int64)
			s.staged[key] = stage
		}
		stage[offset] = value
		return
	}

	// Drain any staged entries that are now contiguous.
	stage := s.staged[key]
	for {
		next := int64(len(s.logs[key]))
		v, ok := stage[next]
		if !ok {
			break
		}
		s.logs[key] = append(s.logs[key], v)
		delete(stage, next)
	}
}

// push ships this node's backlog for dest in batches, in append order. One
// in-flight delivery per peer keeps replica logs gapless in the common case;
// the staging buffer covers the rest.
func (s *Service) push(dest string) {
	ticker := time.NewTicker(s.repInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		batch := s.takeBacklog(dest)
		if len(batch) == 0 {
			continue
		}
		entries := make(map[string][]entryPair)
		for _, e := range batch {
			entries[e.key] = append(entries[e.key], entryPair{e.offset, e.msg})
		}
		if _, err := s.deliverer.Deliver(s.ctx, dest, logReplicateMessageBody{
			MessageBody: glomers.MessageBody{Type: "log_replicate"},
			Entries:     entries,
		}); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.node.Log.Errorf("replicating %d entries to %s: %s", len(batch), dest, err)
		}
	}
}

func (s *Service) takeBacklog(dest string) []replicaEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.backlog[dest]
	s.backlog[dest] = nil
	return batch
}

type sendMessageBody struct {
	glomers.MessageBody
	Key string `json:"key"`
	Msg int64  `json:"msg"`
}

type sendOKMessageBody struct {
	glomers.MessageBody
	Offset int64 `json:"offset"`
}

type pollMessageBody struct {
	glomers.MessageBody
	Offsets map[string]int64 `json:"offsets"`
}

type pollOKMessageBody struct {
	glomers.MessageBody
	Msgs map[string][]entryPair `json:"msgs"`
}

// offsetsMessageBody serves both commit_offsets requests and
// list_committed_offsets_ok replies.
type offsetsMessageBody struct {
	glomers.MessageBody
	Offsets map[string]int64 `json:"offsets"`
}

type listCommittedMessageBody struct {
	glomers.MessageBody
	Keys []string `json:"keys"`
}

type logReplicateMessageBody struct {
	glomers.MessageBody
	Entries map[string][]entryPair `json:"entries"`
}

type commitReplicateMessageBody struct {
	glomers.MessageBody
	Client  string           `json:"client"`
	Offsets map[string]int64 `json:"offsets"`
}
