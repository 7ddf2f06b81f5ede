package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	glomers "github.com/StrayLittlePunk/glomers"
	"github.com/StrayLittlePunk/glomers/broadcast"
	"github.com/StrayLittlePunk/glomers/telemetry"
)

func main() {
	gossipInterval := flag.Duration("gossip-interval", 200*time.Millisecond, "delay between gossip rounds per neighbor")
	metricsAddr := flag.String("metrics-addr", "", "optional listen address for Prometheus metrics")
	flag.Parse()

	n := glomers.NewNode()
	svc := broadcast.New(n, broadcast.Options{GossipInterval: *gossipInterval})
	defer svc.Close()

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
