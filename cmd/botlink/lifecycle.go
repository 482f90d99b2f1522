package main

import (
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/events"
)

// logLifecycle writes one log line per session lifecycle event.
func logLifecycle(e events.Lifecycle) {
	switch e.Kind {
	case events.KindConnected:
		log.Info().Str("session", e.Session).Str("remote", e.Remote).Str("epoch", e.Epoch).Msg("session connected")
	case events.KindReconnecting:
		log.Warn().Str("session", e.Session).Int("attempt", e.Attempt).Dur("delay", e.Delay).Str("error", e.Error).Msg("session reconnecting")
	case events.KindExhausted:
		log.Error().Str("session", e.Session).Str("error", e.Error).Msg("session gave up reconnecting")
	default:
		log.Info().Str("session", e.Session).Msg("session disconnected")
	}
}
