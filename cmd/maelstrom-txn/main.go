package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	glomers "github.com/StrayLittlePunk/glomers"
	"github.com/StrayLittlePunk/glomers/telemetry"
	"github.com/StrayLittlePunk/glomers/txn"
)

func main() {
	consistency := flag.String("consistency", string(txn.ReadUncommitted), "isolation level: read-uncommitted or read-committed")
	replicationTimeout := flag.Duration("replication-timeout", time.Second, "how long a read-committed transaction waits for peer acks")
	metricsAddr := flag.String("metrics-addr", "", "optional listen address for Prometheus metrics")
	flag.Parse()

	mode := txn.Mode(*consistency)
	if mode != txn.ReadUncommitted && mode != txn.ReadCommitted {
		fmt.Fprintf(os.Stderr, "unknown consistency level %q\n", *consistency)
		os.Exit(2)
	}

	n := glomers.NewNode()
	txn.New(n, txn.Options{
		Mode:               mode,
		ReplicationTimeout: *replicationTimeout,
	})

	serveMetrics(n, *metricsAddr)

	if err := n.Run(); err != nil {
		n.Log.Errorf("node run: %s", err)
		os.Exit(1)
	}
}

func serveMetrics(n *glomers.Node, addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			n.Log.Errorf("metrics listener: %s", err)
		}
	}()
}
