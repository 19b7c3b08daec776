// Package stream orchestrates live call sessions.
//
// A Registry maps connection ids to Sessions. Each Session owns the call's
// transcription bridge, optional transcoder and recording, and runs a
// TurnController that answers final transcripts one at a time: generate a
// reply, synthesize it and stream the audio back to the caller followed by a
// playback mark. Destroying a session removes it from the registry before
// releasing its resources, so callbacks that arrive late find it absent and
// do nothing.
package stream
