// Package server exposes the service over HTTP. MediaServer accepts
// telephony media-stream websockets, allocates a connection id per socket and
// feeds envelopes to the session registry. HTTPServer mounts it next to the
// monitoring endpoints, the voice webhook and /metrics.
package server
