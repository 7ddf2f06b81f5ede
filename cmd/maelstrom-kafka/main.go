package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	glomers "github.com/StrayLittlePunk/glomers"
	"github.com/StrayLittlePunk/glomers/kafka"
	"github.com/StrayLittlePunk/glomers/telemetry"
)

func main() {
	forwardTimeout := flag.Duration("forward-timeout", time.Second, "how long a proxied append waits for the key's owner")
	replicateInterval := flag.Duration("replicate-interval", 300*time.Millisecond, "delay between replica push rounds per peer")
	metricsAddr := flag.String("metrics-addr", "", "optional listen address for Prometheus metrics")
	flag.Parse()

	n := glomers.NewNode()
	svc := kafka.New(n, kafka.Options{
		ForwardTimeout:    *forwardTimeout,
		ReplicateInterval: *replicateInterval,
	})
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
