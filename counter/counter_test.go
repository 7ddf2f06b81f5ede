package counter_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	glomers "github.com/StrayLittlePunk/glomers"
	"github.com/StrayLittlePunk/glomers/counter"
)

// Ensure local increments are summed into reads immediately.
func TestService_AddAndRead(t *testing.T) {
	stdin, stdout := newService(t, counter.Options{PushInterval: time.Hour})
	initService(t, "n1", []string{"n1"}, stdin, stdout)

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"add","msg_id":2,"delta":5}}`)
	awaitType(t, stdout, "add_ok")

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"add","msg_id":3,"delta":3}}`)
	awaitType(t, stdout, "add_ok")

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":4}}`)
	assertRead(t, stdout, 8)
}

// Ensure a negative delta is refused without touching the counter.
func TestService_AddNegativeDelta(t *testing.T) {
	stdin, stdout := newService(t, counter.Options{PushInterval: time.Hour})
	initService(t, "n1", []string{"n1"}, stdin, stdout)

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"add","msg_id":2,"delta":-1}}`)
	msg := awaitType(t, stdout, "error")

	var body struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatal(err)
	}
	if got, want := body.Code, glomers.MalformedRequest; got != want {
		t.Fatalf("code=%d, want %d", got, want)
	}

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":3}}`)
	assertRead(t, stdout, 0)
}

// Ensure replicated snapshots merge by per-component max, so re-delivery and
// stale snapshots never change the total.
func TestService_Replicate(t *testing.T) {
	stdin, stdout := newService(t, counter.Options{PushInterval: time.Hour})
	initService(t, "n1", []string{"n1", "n2", "n3"}, stdin, stdout)

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"add","msg_id":2,"delta":1}}`)
	awaitType(t, stdout, "add_ok")

	send(t, stdin, `{"src":"n2","dest":"n1","body":{"type":"replicate","msg_id":10,"counts":{"n2":1}}}`)
	awaitType(t, stdout, "replicate_ok")

	send(t, stdin, `{"src":"n3","dest":"n1","body":{"type":"replicate","msg_id":11,"counts":{"n3":1}}}`)
	awaitType(t, stdout, "replicate_ok")

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":3}}`)
	assertRead(t, stdout, 3)

	// A duplicate and a stale snapshot are both no-ops.
	send(t, stdin, `{"src":"n2","dest":"n1","body":{"type":"replicate","msg_id":12,"counts":{"n2":1}}}`)
	awaitType(t, stdout, "replicate_ok")
	send(t, stdin, `{"src":"n3","dest":"n1","body":{"type":"replicate","msg_id":13,"counts":{"n3":0}}}`)
	awaitType(t, stdout, "replicate_ok")

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":4}}`)
	assertRead(t, stdout, 3)
}

// Ensure the pusher ships component snapshots to peers on its cadence.
func TestService_Push(t *testing.T) {
	stdin, stdout := newService(t, counter.Options{PushInterval: 30 * time.Millisecond})
	initService(t, "n1", []string{"n1", "n2"}, stdin, stdout)

	send(t, stdin, `{"src":"c1","dest":"n1","body":{"type":"add","msg_id":2,"delta":7}}`)

	for {
		msg := awaitType(t, stdout, "replicate")
		if got, want := msg.Dest, "n2"; got != want {
			t.Fatalf("replicate dest=%s, want %s", got, want)
		}
		var body struct {
			Counts map[string]int64 `json:"counts"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			t.Fatal(err)
		}
		if body.Counts["n1"] == 7 {
			return
		}
	}
}

func assertRead(tb testing.TB, stdout *bufio.Reader, want int64) {
	tb.Helper()
	msg := awaitType(tb, stdout, "read_ok")
	var body struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		tb.Fatal(err)
	}
	if got := body.Value; got != want {
		tb.Fatalf("value=%d, want %d", got, want)
	}
}

// newService starts a counter node wired to test pipes.
func newService(tb testing.TB, opt counter.Options) (stdin io.Writer, stdout *bufio.Reader) {
	tb.Helper()

	inr, inw := io.Pipe()
	outr, outw := io.Pipe()

	n := glomers.NewNode()
	n.Stdin = inr
	n.Stdout = outw

	svc := counter.New(n, opt)

	done := make(chan struct{})
	go func() {
		if err := n.Run(); err != nil {
			tb.Errorf("run error: %s", err)
		}
		close(done)
	}()

	tb.Cleanup(func() {
		svc.Close()
		go io.Copy(io.Discard, outr)
		if err := inw.Close(); err != nil {
			tb.Fatalf("closing stdin: %s", err)
		}
		select {
		case <-time.After(5 * time.Second):
			tb.Fatalf("timeout waiting for node to stop")
		case <-done:
		}
	})

	return inw, bufio.NewReader(outr)
}

func initService(tb testing.TB, id string, nodeIDs []string, stdin io.Writer, stdout *bufio.Reader) {
	tb.Helper()

	nodeIDsStr := `"` + strings.Join(nodeIDs, `","`) + `"`
	send(tb, stdin, fmt.Sprintf(`{"body":{"type":"init", "msg_id":1, "node_id":"%s", "node_ids":[%s]}}`, id, nodeIDsStr))
	awaitType(tb, stdout, "init_ok")
}

func send(tb testing.TB, stdin io.Writer, line string) {
	tb.Helper()
	if _, err := stdin.Write([]byte(line + "\n")); err != nil {
		tb.Fatal(err)
	}
}

// awaitType reads outbound messages until one with the given body type
// appears, skipping unrelated traffic such as background replication.
func awaitType(tb testing.TB, stdout *bufio.Reader, typ string) glomers.Message {
	tb.Helper()
	for {
		line, err := stdout.ReadString('\n')
		if err != nil {
			tb.Fatalf("awaiting %q: %s", typ, err)
		}
		var msg glomers.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			tb.Fatalf("unmarshal %q: %s", line, err)
		}
		var body glomers.MessageBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			tb.Fatalf("unmarshal body %q: %s", msg.Body, err)
		}
		if body.Type == typ {
			return msg
		}
	}
}
