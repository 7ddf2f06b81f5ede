package glomers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	glomers "github.com/StrayLittlePunk/glomers"
)

// Ensure node can handle a request/response RPC call.
func TestNode_RPC(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		n, stdin, stdout := newNode(t)
		initNode(t, n, "n1", []string{"n1", "n2"}, stdin, stdout)

		// Send RPC call.
		respCh := make(chan glomers.Message)
		errorCh := make(chan error)
		go func() {
			if err := n.RPC("n2", map[string]any{"type": "foo", "bar": "baz"}, func(msg glomers.Message) error {
				respCh <- msg
				return nil
			}); err != nil {
				errorCh <- err
			}
		}()

		// Ensure RPC request is received by the network.
		if line, err := stdout.ReadString('\n'); err != nil {
			t.Fatal(err)
		} else if got, want := line, `{"src":"n1","dest":"n2","body":{"bar":"baz","msg_id":1,"type":"foo"}}`+"\n"; got != want {
			t.Fatalf("request=%s, want %s", got, want)
		}

		// Write response message back to node.
		if _, err := stdin.Write([]byte(`{"src":"n2", "dest":"n1", "body":{"type":"foo_ok", "msg_id":2, "in_reply_to":1}}` + "\n")); err != nil {
			t.Fatal(err)
		}

		// Ensure the callback was handled.
		select {
		case msg := <-respCh:
			if got, want := msg.Src, "n2"; got != want {
				t.Fatalf("Src=%s, want %s", got, want)
			}
			if got, want := msg.Dest, "n1"; got != want {
				t.Fatalf("Dest=%s, want %s", got, want)
			}
			if got, want := string(msg.Body), `{"type":"foo_ok", "msg_id":2, "in_reply_to":1}`; got != want {
				t.Fatalf("Body=%s, want %s", got, want)
			}
		case err := <-errorCh:
			t.Fatal(err)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for RPC response")
		}
	})

	t.Run("SkipMissingCallback", func(t *testing.T) {
		n, stdin, stdout := newNode(t)
		initNode(t, n, "n1", []string{"n1", "n2"}, stdin, stdout)
		if _, err := stdin.Write([]byte(`{"src":"n2", "dest":"n1", "body":{"type":"foo_ok", "msg_id":2, "in_reply_to":1000}}` + "\n")); err != nil {
			t.Fatal(err)
		}
	})
}

// Ensure node can handle a synchronous request/response RPC call.
func TestNode_SyncRPC(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		n, stdin, stdout := newNode(t)
		initNode(t, n, "n1", []string{"n1", "n2"}, stdin, stdout)

		// Send RPC call.
		respCh := make(chan glomers.Message)
		errorCh := make(chan error)
		go func() {
			resp, err := n.SyncRPC(context.Background(), "n2", map[string]any{"type": "foo", "bar": "baz"})
			if err != nil {
				errorCh <- err
			} else {
				respCh <- resp
			}
		}()

		// Ensure RPC request is received by the network.
		if line, err := stdout.ReadString('\n'); err != nil {
			t.Fatal(err)
		} else if got, want := line, `{"src":"n1","dest":"n2","body":{"bar":"baz","msg_id":1,"type":"foo"}}`+"\n"; got != want {
			t.Fatalf("request=%s, want %s", got, want)
		}

		// Write response message back to node.
		if _, err := stdin.Write([]byte(`{"src":"n2", "dest":"n1", "body":{"type":"foo_ok", "msg_id":2, "in_reply_to":1}}` + "\n")); err != nil {
			t.Fatal(err)
		}

		// Ensure the response was received.
		select {
		case msg := <-respCh:
			if got, want := msg.Src, "n2"; got != want {
				t.Fatalf("Src=%s, want %s", got, want)
			}
			if got, want := string(msg.Body), `{"type":"foo_ok", "msg_id":2, "in_reply_to":1}`; got != want {
				t.Fatalf("Body=%s, want %s", got, want)
			}
		case err := <-errorCh:
			t.Fatal(err)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for RPC response")
		}
	})

	t.Run("ErrContextTimeout", func(t *testing.T) {
		n, stdin, stdout := newNode(t)
		initNode(t, n, "n1", []string{"n1", "n2"}, stdin, stdout)

		// Send RPC call.
		errorCh := make(chan error)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			_, err := n.SyncRPC(ctx, "n2", map[string]any{"type": "foo", "bar": "baz"})
			errorCh <- err
		}()

		// Ensure RPC request is received by the network. Do not write a response.
		if line, err := stdout.ReadString('\n'); err != nil {
			t.Fatal(err)
		} else if got, want := line, `{"src":"n1","dest":"n2","body":{"bar":"baz","msg_id":1,"type":"foo"}}`+"\n"; got != want {
			t.Fatalf("request=%s, want %s", got, want)
		}

		// Ensure the caller observed the timeout.
		select {
		case err := <-errorCh:
			if err == nil || err.Error() != `context deadline exceeded` {
				t.Fatalf("unexpected error: %s", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for RPC response")
		}

		// A reply arriving after cancellation is dropped without effect.
		if _, err := stdin.Write([]byte(`{"src":"n2", "dest":"n1", "body":{"type":"foo_ok", "msg_id":2, "in_reply_to":1}}` + "\n")); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("RPCError", func(t *testing.T) {
		n, stdin, stdout := newNode(t)
		initNode(t, n, "n1", []string{"n1", "n2"}, stdin, stdout)

		// Send RPC call.
		errorCh := make(chan error)
		go func() {
			_, err := n.SyncRPC(context.Background(), "n2", map[string]any{"type": "foo", "bar": "baz"})
			errorCh <- err
		}()

		// Ensure RPC request is received by the network.
		if line, err := stdout.ReadString('\n'); err != nil {
			t.Fatal(err)
		} else if got, want := line, `{"src":"n1","dest":"n2","body":{"bar":"baz","msg_id":1,"type":"foo"}}`+"\n"; got != want {
			t.Fatalf("request=%s, want %s", got, want)
		}

		// Write error response back to node.
		if _, err := stdin.Write([]byte(`{"src":"n2", "dest":"n1", "body":{"type":"error", "msg_id":2, "in_reply_to":1, "code":20, "text":"key does not exist"}}` + "\n")); err != nil {
			t.Fatal(err)
		}

		// Ensure the response was received.
		select {
		case err := <-errorCh:
			var rpcError *glomers.RPCError
			if !errors.As(err, &rpcError) {
				t.Fatalf("unexpected error type: %#v", err)
			} else if got, want := rpcError.Code, 20; got != want {
				t.Fatalf("code=%v, want %v", got, want)
			} else if got, want := rpcError.Text, "key does not exist"; got != want {
				t.Fatalf("text=%v, want %v", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for RPC response")
		}
	})
}
