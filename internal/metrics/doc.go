// Package metrics exposes Prometheus counters and histograms for the chat
// pipeline on a private registry. A nil *Metrics records nothing.
package metrics
