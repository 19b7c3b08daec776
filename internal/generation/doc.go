// Package generation produces the agent's reply text for a caller utterance.
package generation
