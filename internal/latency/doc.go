// Package latency measures pipeline stages of a conversation turn.
//
// A Recorder wraps an operation, measures its elapsed time and reports the
// result both to the structured log and to the stage latency histogram.
// Stages are free-form labels; the turn controller uses "generate",
// "synthesize", "first_audio" and "turn".
package latency
