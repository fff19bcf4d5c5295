// Package kiro runs prompts through a model backend and streams the
// output back to the caller. The primary backend wraps the kiro-cli
// binary as a subprocess; an OpenAI-compatible backend covers servers
// that speak the chat-completions protocol.
package kiro

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no kiro-cli binary can be located.
var ErrNotFound = errors.New("kiro-cli not found in PATH or common install locations")

// Streamer executes a prompt and delivers output incrementally.
//
// Stream calls fn once per cleaned output chunk as it arrives, then
// returns the full accumulated output. On failure the returned string
// holds whatever partial output was produced before the error, so
// callers can surface it alongside the error.
type Streamer interface {
	Stream(ctx context.Context, prompt string, fn func(chunk string)) (string, error)
}
