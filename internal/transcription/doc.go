// Package transcription streams caller audio to a speech-to-text provider.
//
// A Provider opens one streaming connection per call. The Bridge owns that
// connection for a session: frames sent before the connection is open are
// held in a bounded ring and flushed in order once it opens, a single writer
// goroutine forwards audio afterwards, and a silent keepalive frame is sent
// whenever an interval passes without audio so the provider does not drop an
// idle connection.
//
// DeepgramClient implements Provider over a websocket with dial retries.
package transcription
