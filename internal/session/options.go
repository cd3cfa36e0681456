package session

import "github.com/rs/zerolog"

const (
	// DefaultFallbackReply replaces the bot reply when a send fails.
	DefaultFallbackReply = "Sorry, something went wrong. Please try again."
	// DefaultConnectionError is shown when a session could not be started.
	DefaultConnectionError = "Could not connect to the server. Please refresh the page."
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for request outcomes.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithFallbackReply overrides the bot text appended when a send fails.
func WithFallbackReply(text string) Option {
	return func(s *Store) {
		if text != "" {
			s.fallbackReply = text
		}
	}
}

// WithConnectionErrorMessage overrides the message set when a start fails.
func WithConnectionErrorMessage(text string) Option {
	return func(s *Store) {
		if text != "" {
			s.connectionError = text
		}
	}
}

// WithSerializedStart makes StartSession a silent no-op while any request is
// in flight, the same gate SendMessage uses. Without it, overlapping starts
// race and the last one to resolve wins.
func WithSerializedStart() Option {
	return func(s *Store) {
		s.serializeStart = true
	}
}
