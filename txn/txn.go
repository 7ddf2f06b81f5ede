// Package txn implements a replicated key-value register store that executes
// multi-operation transactions under a selectable isolation level. Writes
// propagate between nodes by replaying the write set; peers apply foreign
// writes by value, last writer wins by arrival order.
package txn

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

// Mode selects the isolation level transactions execute under.
type Mode string

const (
	// ReadUncommitted applies writes to the live store as they execute.
	// Other transactions on the same node see them immediately and the
	// service stays fully available under partition.
	ReadUncommitted Mode = "read-uncommitted"

	// ReadCommitted buffers writes and makes them visible only once a
	// majority of the cluster has acknowledged them. In a minority
	// partition the transaction is refused instead.
	ReadCommitted Mode = "read-committed"
)

// Options configures a Service.
type Options struct {
	Mode Mode

	// ReplicationTimeout bounds how long a read-committed transaction waits
	// for peer acknowledgments before refusing.
	ReplicationTimeout time.Duration
}

// Service handles the txn message type plus the internal txn_sync type.
type Service struct {
	node    *glomers.Node
	mode    Mode
	timeout time.Duration

	mu    sync.Mutex
	store map[int64]int64
}

// New returns a Service registered on node.
func New(node *glomers.Node, opt Options) *Service {
	if opt.Mode == "" {
		opt.Mode = ReadUncommitted
	}
	if opt.ReplicationTimeout <= 0 {
		opt.ReplicationTimeout = time.Second
	}
	s := &Service{
		node:    node,
		mode:    opt.Mode,
		timeout: opt.ReplicationTimeout,
		store:   make(map[int64]int64),
	}

	node.Handle("txn", s.handleTxn)
	node.Handle("txn_sync", s.handleTxnSync)

	return s
}

func (s *Service) handleTxn(msg glomers.Message) error {
	var body txnMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	switch s.mode {
	case ReadCommitted:
		return s.executeReadCommitted(msg, body.Txn)
	default:
		return s.executeReadUncommitted(msg, body.Txn)
	}
}

// executeReadUncommitted applies the operations in order against the live
// store under the state lock, so concurrent transactions on this node see
// either all of this transaction's writes or none mid-flight. The write set
// then fans out to peers without waiting for acknowledgment.
func (s *Service) executeReadUncommitted(msg glomers.Message, ops []Op) error {
	s.mu.Lock()
	result := make([]Op, 0, len(ops))
	var writes []writePair
	for _, op := range ops {
		switch op.Kind {
		case "r":
			if v, ok := s.store[op.Key]; ok {
				value := v
				op.Value = &value
			}
		case "w":
			if op.Value == nil {
				s.mu.Unlock()
				return glomers.NewRPCError(glomers.MalformedRequest, fmt.Sprintf("write to key %d has no value", op.Key))
			}
			s.store[op.Key] = *op.Value
			writes = append(writes, writePair{op.Key, *op.Value})
		default:
			s.mu.Unlock()
			return glomers.NewRPCError(glomers.MalformedRequest, fmt.Sprintf("unknown txn operation %q", op.Kind))
		}
		result = append(result, op)
	}
	s.mu.Unlock()

	if len(writes) > 0 {
		body := syncMessageBody{
			MessageBody: glomers.MessageBody{Type: "txn_sync"},
			Writes:      writes,
		}
		for _, dest := range s.peers() {
			// Fire and forget; the ack resolves the pending call and is
			// otherwise ignored.
			if err := s.node.RPC(dest, body, func(glomers.Message) error { return nil }); err != nil {
				s.node.Log.Errorf("txn_sync to %s: %s", dest, err)
			}
		}
	}

	return s.node.Reply(msg, txnMessageBody{
		MessageBody: glomers.MessageBody{Type: "txn_ok"},
		Txn:         result,
	})
}

// executeReadCommitted runs reads against a snapshot taken at transaction
// start and buffers writes. The write set must be acknowledged by a majority
// of the cluster (this node included) before it is applied locally — in one
// atomic step — and the transaction reported committed. Short of a majority
// the transaction is refused as temporarily unavailable and the local store
// is left untouched.
func (s *Service) executeReadCommitted(msg glomers.Message, ops []Op) error {
	s.mu.Lock()
	snapshot := maps.Clone(s.store)
	s.mu.Unlock()

	buffered := make(map[int64]int64)
	result := make([]Op, 0, len(ops))
	var writes []writePair
	for _, op := range ops {
		switch op.Kind {
		case "r":
			if v, ok := buffered[op.Key]; ok {
				value := v
				op.Value = &value
			} else if v, ok := snapshot[op.Key]; ok {
				value := v
				op.Value = &value
			}
		case "w":
			if op.Value == nil {
				return glomers.NewRPCError(glomers.MalformedRequest, fmt.Sprintf("write to key %d has no value", op.Key))
			}
			buffered[op.Key] = *op.Value
			writes = append(writes, writePair{op.Key, *op.Value})
		default:
			return glomers.NewRPCError(glomers.MalformedRequest, fmt.Sprintf("unknown txn operation %q", op.Kind))
		}
		result = append(result, op)
	}

	if len(writes) > 0 {
		if err := s.replicateToMajority(writes); err != nil {
			return err
		}
		s.mu.Lock()
		for _, w := range writes {
			s.store[w.Key] = w.Value
		}
		s.mu.Unlock()
	}

	return s.node.Reply(msg, txnMessageBody{
		MessageBody: glomers.MessageBody{Type: "txn_ok"},
		Txn:         result,
	})
}

// replicateToMajority ships the write set to every peer and waits for enough
// acknowledgments that a majority of the cluster, this node included, holds
// the writes.
func (s *Service) replicateToMajority(writes []writePair) error {
	cluster := len(s.node.NodeIDs())
	need := cluster/2 + 1

	body := syncMessageBody{
		MessageBody: glomers.MessageBody{Type: "txn_sync"},
		Writes:      writes,
	}

	var (
		wg    sync.WaitGroup
		ackMu sync.Mutex
		acks  = 1
	)
	for _, dest := range s.peers() {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if _, err := s.node.SyncRPC(ctx, dest, body); err != nil {
				return
			}
			ackMu.Lock()
			acks++
			ackMu.Unlock()
		}(dest)
	}
	wg.Wait()

	if acks < need {
		return glomers.NewRPCError(glomers.TemporarilyUnavailable,
			fmt.Sprintf("write set reached %d of %d nodes, need %d", acks, cluster, need))
	}
	return nil
}

func (s *Service) handleTxnSync(msg glomers.Message) error {
	var body syncMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return glomers.NewRPCError(glomers.MalformedRequest, err.Error())
	}

	s.mu.Lock()
	for _, w := range body.Writes {
		s.store[w.Key] = w.Value
	}
	s.mu.Unlock()

	return s.node.Reply(msg, glomers.MessageBody{Type: "txn_sync_ok"})
}

func (s *Service) peers() []string {
	return lo.Filter(s.node.NodeIDs(), func(id string, _ int) bool {
		return id != s.node.ID()
	})
}

type txnMessageBody struct {
	glomers.MessageBody
	Txn []Op `json:"txn"`
}

type syncMessageBody struct {
	glomers.MessageBody
	Writes []writePair `json:"writes"`
}

// writePair is one applied write on the wire: [key, value].
type writePair struct {
	Key   int64
	Value int64
}

func (w writePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{w.Key, w.Value})
}

func (w *writePair) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	w.Key, w.Value = pair[0], pair[1]
	return nil
}

// Op is one transaction operation on the wire: ["r", key, null] for a read,
// ["w", key, value] for a write. Replies carry the same shape with reads
// annotated by the value found, null if the register is undefined.
type Op struct {
	Kind  string
	Key   int64
	Value *int64
}

func (op Op) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{op.Kind, op.Key, op.Value})
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 3 {
		return fmt.Errorf("txn operation has %d elements, want 3", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &op.Kind); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &op.Key); err != nil {
		return err
	}
	return json.Unmarshal(tuple[2], &op.Value)
}
