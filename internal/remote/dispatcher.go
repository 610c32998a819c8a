package remote

import (
	"github.com/danmuck/redcoll/internal/correlation"
	"github.com/danmuck/redcoll/internal/pending"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/rs/zerolog"
)

// Dispatcher routes inbound response payloads to the pending call they answer.
type Dispatcher struct {
	registry *pending.Registry[Response]
	log      zerolog.Logger
}

func NewDispatcher(registry *pending.Registry[Response], logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		log:      logger.With().Str("channel", registry.Channel()).Logger(),
	}
}

// Handle resolves the call payload answers. It reports false when the payload
// was malformed or arrived after the call already settled.
func (d *Dispatcher) Handle(payload []byte) bool {
	resp, err := DecodeResponse(payload)
	if err != nil {
		d.log.Warn().Err(err).Msg("dropping undecodable response")
		return false
	}
	key, err := correlation.ParseKey(resp.ID)
	if err != nil {
		d.log.Warn().Err(err).Str("id", resp.ID).Msg("dropping response with malformed id")
		return false
	}
	return d.registry.Resolve(key, resp)
}

// Run drains sub until it closes.
func (d *Dispatcher) Run(sub store.Subscription) {
	for payload := range sub.Messages() {
		d.Handle(payload)
	}
	d.log.Debug().Msg("response subscription closed")
}
