package observability

import (
	"fmt"
	"net/http"
	"sort"
)

// customCollectors contains callbacks that return fully formatted Prometheus metric lines.
// Other packages can register lightweight metrics without introducing dependencies here.
var customCollectors []func() []string

// RegisterCustomCollector adds a collector function whose returned lines will be emitted on /metrics.
func RegisterCustomCollector(f func() []string) {
	customCollectors = append(customCollectors, f)
}

// SetupPrometheus registers a minimal Prometheus-compatible text endpoint at /metrics.
// This avoids pulling external dependencies while remaining scrape-friendly.
func SetupPrometheus(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		// Aggregate under player="all"
		writeSnapshot(w, "all", Metrics.Snapshot())
		// Per-player breakdown
		snaps := Metrics.PlayerSnapshots()
		// Stable iteration order for readability
		keys := make([]string, 0, len(snaps))
		for k := range snaps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, id := range keys {
			writeSnapshot(w, id, snaps[id])
		}

		// Emit custom registered metrics
		for _, f := range customCollectors {
			if f == nil {
				continue
			}
			for _, line := range f() {
				if line == "" {
					continue
				}
				fmt.Fprintln(w, line)
			}
		}
	})
}

func writeSnapshot(w http.ResponseWriter, player string, snap map[string]interface{}) {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var val float64
		switch t := snap[k].(type) {
		case int64:
			val = float64(t)
		case int:
			val = float64(t)
		case float64:
			val = t
		default:
			continue
		}
		fmt.Fprintf(w, "playback_%s{player=%q} %g\n", k, player, val)
	}
}
