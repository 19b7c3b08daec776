// Package synthesis turns reply text into telephone audio.
//
// Every synthesizer returns mu-law at 8 kHz, ready for the media stream.
// Providers that can only produce linear PCM are converted on the fly.
package synthesis
