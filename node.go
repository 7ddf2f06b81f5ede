// Package glomers implements nodes for Maelstrom-style distributed systems
// workloads. A Node speaks the line-delimited JSON message protocol on
// stdin/stdout; services register handlers per message type on top of it.
package glomers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/StrayLittlePunk/glomers/telemetry"
)

// Message represents a message sent from Src node to Dest node.
// The body is stored as unparsed JSON so the handler can parse it itself.
type Message struct {
	Src  string          `json:"src,omitempty"`
	Dest string          `json:"dest,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// MessageBody represents the reserved keys for a message body.
type MessageBody struct {
	Type      string `json:"type,omitempty"`
	MsgID     int    `json:"msg_id,omitempty"`
	InReplyTo int    `json:"in_reply_to,omitempty"`
}

// InitMessageBody represents the message body for the "init" message.
type InitMessageBody struct {
	MessageBody
	NodeID  string   `json:"node_id,omitempty"`
	NodeIDs []string `json:"node_ids,omitempty"`
}

// HandlerFunc is the function signature for a message handler.
type HandlerFunc func(msg Message) error

// Node represents a single node in the network. It owns the receive loop,
// the node's identity, and the table of pending RPC callbacks.
type Node struct {
	mu sync.Mutex
	wg sync.WaitGroup

	id        string
	nodeIDs   []string
	nextMsgID int

	handlers  map[string]HandlerFunc
	callbacks map[int]HandlerFunc

	// Stdin is for reading messages in from the Maelstrom network.
	Stdin io.Reader

	// Stdout is for writing messages out to the Maelstrom network.
	Stdout io.Writer

	// Log writes to stderr; stdout belongs to the protocol.
	Log *zap.SugaredLogger
}

// NewNode returns a new instance of Node connected to STDIN/STDOUT.
func NewNode() *Node {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("build logger: %s", err))
	}
	return &Node{
		handlers:  make(map[string]HandlerFunc),
		callbacks: make(map[int]HandlerFunc),

		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Log:    logger.Sugar(),
	}
}

// ID returns the identifier for this node.
// Only valid after "init" message has been received.
func (n *Node) ID() string {
	return n.id
}

// NodeIDs returns a list of all node IDs in the cluster. This list includes
// the local node ID and is the same order across all nodes. Only valid after
// "init" message has been received.
func (n *Node) NodeIDs() []string {
	return n.nodeIDs
}

// Handle registers a message handler for a given message type. Will panic if
// registering multiple handlers for the same message type.
func (n *Node) Handle(typ string, fn HandlerFunc) {
	if _, ok := n.handlers[typ]; ok {
		panic(fmt.Sprintf("duplicate message handler for %q message type", typ))
	}
	n.handlers[typ] = fn
}

// Run executes the main event handling loop. It reads in messages from STDIN
// and delegates them to the appropriate registered handler. This should be
// the last function executed by main().
//
// Malformed input lines are logged and skipped; a message with an
// unregistered type is answered with a not-supported error reply. Neither is
// fatal to the node.
func (n *Node) Run() error {
	scanner := bufio.NewScanner(n.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		// Parse next line from STDIN as a JSON-formatted message.
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			n.Log.Warnw("skipping malformed input line", "err", err, "line", string(line))
			continue
		}

		var body MessageBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			n.Log.Warnw("skipping message with malformed body", "err", err, "line", string(line))
			continue
		}
		n.Log.Debugf("received %s", line)
		telemetry.MessagesReceived.WithLabelValues(body.Type).Inc()

		// The init message has special handling. It is processed synchronously
		// to avoid race conditions and the node handles the reply itself.
		if body.Type == "init" {
			if err := n.handleInit(msg); err != nil {
				return fmt.Errorf("handle init: %w", err)
			}
			continue
		}

		// What handler should we use for this message?
		var h HandlerFunc
		if body.InReplyTo != 0 {
			// Extract callback, if replying to a previous message.
			// An unknown in_reply_to means the request already timed out
			// or this is a duplicate reply; either way it is dropped.
			h = n.takeCallback(body.InReplyTo)
			if h == nil {
				n.Log.Debugf("ignoring reply to %d with no pending call", body.InReplyTo)
				continue
			}
		} else {
			h = n.handlers[body.Type]
			if h == nil {
				n.Log.Warnw("no handler for message type", "type", body.Type)
				if err := n.Reply(msg, NewRPCError(NotSupported, fmt.Sprintf("unknown message type %q", body.Type))); err != nil {
					n.Log.Errorf("reply error: %s", err)
				}
				continue
			}
		}

		// Handle message in a separate goroutine so a blocking handler
		// (e.g. one waiting on an RPC reply) never stalls the dispatch loop.
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handle(h, msg)
		}()
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Wait for all in-flight handlers to complete.
	n.wg.Wait()

	return nil
}

// handle sends msg to a handler function. Sends an RPC error if an error is returned.
func (n *Node) handle(h HandlerFunc, msg Message) {
	if err := h(msg); err != nil {
		switch err := err.(type) {
		case *RPCError:
			if err := n.Reply(msg, err); err != nil {
				n.Log.Errorf("reply error: %s", err)
			}
		default:
			n.Log.Errorf("exception handling %#v:\n%s", msg, err)
			if err := n.Reply(msg, NewRPCError(Crash, err.Error())); err != nil {
				n.Log.Errorf("reply error: %s", err)
			}
		}
	}
}

func (n *Node) handleInit(msg Message) error {
	var body InitMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("unmarshal init message body: %w", err)
	}
	n.id = body.NodeID
	n.nodeIDs = body.NodeIDs

	// Delegate to application initialization handler, if specified.
	if h := n.handlers["init"]; h != nil {
		if err := h(msg); err != nil {
			return err
		}
	}

	// Send back a response that the node has been initialized.
	n.Log.Infof("node %s initialized, cluster %v", n.id, n.nodeIDs)
	return n.Reply(msg, MessageBody{Type: "init_ok"})
}

// Reply replies to a request with a response body.
func (n *Node) Reply(req Message, body any) error {
	// Extract the message ID from the original message.
	var reqBody MessageBody
	if err := json.Unmarshal(req.Body, &reqBody); err != nil {
		return err
	}

	// We have to marshal/unmarshal to inject our reply message ID.
	b := make(map[string]any)
	if buf, err := json.Marshal(body); err != nil {
		return err
	} else if err := json.Unmarshal(buf, &b); err != nil {
		return err
	}
	b["in_reply_to"] = reqBody.MsgID

	return n.Send(req.Src, b)
}

// Send sends a message body to a given destination node.
func (n *Node) Send(dest string, body any) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}

	buf, err := json.Marshal(Message{
		Src:  n.id,
		Dest: dest,
		Body: bodyJSON,
	})
	if err != nil {
		return err
	}

	// Synchronize access to STDOUT.
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Log.Debugf("sent %s", buf)
	telemetry.MessagesSent.Inc()

	if _, err = n.Stdout.Write(buf); err != nil {
		return err
	}
	_, err = n.Stdout.Write([]byte{'\n'})
	return err
}
