package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pios/internal/defs"
	"pios/internal/metrics"
	"pios/internal/netmig"
	"pios/internal/proc"
	"pios/internal/prof"
)

// runDaemon wires a process table, a migration/pull endpoint, and an
// HTTP server exposing /metrics and /prof, and blocks serving traffic
// until the protocol loop returns. Guest processes are driven through
// forkwait.Runtime by whatever boots on top of this table; this
// daemon's job ends at the table, link and metrics surface (§SPEC_FULL
// Node daemon).
func runDaemon(c Config) error {
	table := proc.NewTable(c.NumSlots, c.NumFrames)

	peers, err := parsePeers(c.Peers)
	if err != nil {
		return err
	}
	link, err := netmig.NewUDPLink(c.ListenAddr, peers)
	if err != nil {
		return fmt.Errorf("piosd: listening on %s: %w", c.ListenAddr, err)
	}
	defer link.Close()

	node := netmig.NewNode(defs.NodeID(c.NodeID), link, table)

	registry := metrics.Registry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/prof", func(w http.ResponseWriter, r *http.Request) {
		samples := prof.Snapshot(table.Procs())
		p := prof.Build(samples)
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := p.Write(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	go http.ListenAndServe(c.MetricsAddr, mux)

	return node.Serve(context.Background())
}
