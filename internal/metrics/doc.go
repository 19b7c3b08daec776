// Package metrics defines the Prometheus metrics exported by the voice agent.
package metrics
