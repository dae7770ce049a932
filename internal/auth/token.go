package auth

import (
	"context"

	"github.com/rs/zerolog/log"
)

// tokenProvider hands out a static token taken from VAULT_TOKEN.
type tokenProvider struct {
	token string
}

func (p *tokenProvider) Acquire(_ context.Context) (string, error) {
	if p.token == "" {
		log.Debug().Str("action", "auth_acquire").Str("method", "token").Msg("missing token")
		return "", ErrNoToken
	}
	// Never log the token content.
	log.Debug().Str("action", "auth_acquire").Str("method", "token").Msg("token acquired")
	return p.token, nil
}
