// Package audio handles telephony audio formats for a call session.
// It implements G.711 mu-law conversion to and from 16-bit linear PCM, a bounded
// frame ring for audio that cannot be forwarded yet, and a streaming WAV recorder
// whose header is finalized when the recording is closed.
package audio
