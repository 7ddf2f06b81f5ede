package glomers

import (
	"context"
	"encoding/json"

	"github.com/StrayLittlePunk/glomers/telemetry"
)

// RPC sends an async RPC request. Handler invoked when response message received.
func (n *Node) RPC(dest string, body any, handler HandlerFunc) error {
	_, err := n.rpc(dest, body, handler)
	return err
}

// rpc assigns a fresh msg_id, registers handler as the pending callback for
// it, and sends the request. It returns the assigned msg_id so callers can
// cancel the pending call.
func (n *Node) rpc(dest string, body any, handler HandlerFunc) (int, error) {
	n.mu.Lock()

	// Generate a unique message ID.
	n.nextMsgID++
	msgID := n.nextMsgID

	// Register a handler for our callback.
	n.callbacks[msgID] = handler

	n.mu.Unlock()

	// We have to marshal/unmarshal to inject our message ID.
	b := make(map[string]any)
	if buf, err := json.Marshal(body); err != nil {
		return 0, err
	} else if err := json.Unmarshal(buf, &b); err != nil {
		return 0, err
	}
	b["msg_id"] = msgID

	if err := n.Send(dest, b); err != nil {
		n.cancelCallback(msgID)
		return 0, err
	}
	return msgID, nil
}

// takeCallback removes and returns the pending callback for msgID. The
// delete-then-invoke sequence guarantees at most one resolution per msg_id.
func (n *Node) takeCallback(msgID int) HandlerFunc {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.callbacks[msgID]
	delete(n.callbacks, msgID)
	return h
}

// cancelCallback removes the pending callback for msgID, if any. A reply
// arriving afterwards is dropped by the dispatch loop.
func (n *Node) cancelCallback(msgID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.callbacks, msgID)
}

// SyncRPC sends a synchronous RPC request and waits for the response or for
// ctx to be canceled, whichever comes first. An "error"-typed response body
// is returned as an *RPCError.
func (n *Node) SyncRPC(ctx context.Context, dest string, body any) (Message, error) {
	respCh := make(chan Message, 1)
	msgID, err := n.rpc(dest, body, func(msg Message) error {
		respCh <- msg
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	select {
	case <-ctx.Done():
		n.cancelCallback(msgID)
		telemetry.RPCTimeouts.Inc()
		return Message{}, ctx.Err()

	case resp := <-respCh:
		var respBody errorMessageBody
		if err := json.Unmarshal(resp.Body, &respBody); err != nil {
			return Message{}, err
		}
		if respBody.Type == "error" {
			return resp, NewRPCError(respBody.Code, respBody.Text)
		}
		return resp, nil
	}
}

// errorMessageBody represents the body of an "error" reply.
type errorMessageBody struct {
	MessageBody
	Code int    `json:"code"`
	Text string `json:"text"`
}
