// Package transcoder converts a 16-bit linear PCM byte stream from one sample
// rate to another.
//
// Two implementations share the Transcoder interface: Process pipes audio
// through an external command such as ffmpeg or sox, and Resampler converts
// in-process. Output chunks are delivered to the callback supplied at start,
// in the order the corresponding input was written.
package transcoder
