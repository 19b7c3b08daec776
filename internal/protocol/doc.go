// Package protocol implements the telephony media-stream wire format.
//
// The telephony provider sends JSON envelopes tagged by an event name
// (connected, start, media, mark, stop) over a websocket. Audio in media
// envelopes is base64 mu-law at 8 kHz. Outbound audio goes back as media
// envelopes followed by a mark so the provider reports when playback ends.
package protocol
