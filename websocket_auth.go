package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"paddlecourt/engine/internal/auth"
)

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// anonymousAuthenticator trusts the optional player_id and name query parameters and otherwise
// hands out fresh ids. It is only used when no token secret is configured.
type anonymousAuthenticator struct {
	next atomic.Int64
}

func newAnonymousAuthenticator() *anonymousAuthenticator {
	return &anonymousAuthenticator{}
}

func (a *anonymousAuthenticator) Authenticate(r *http.Request) (auth.Identity, error) {
	query := r.URL.Query()
	var id int64
	if raw := strings.TrimSpace(query.Get("player_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return auth.Identity{}, errors.New("player_id must be a positive integer")
		}
		id = parsed
	} else {
		id = a.next.Add(1)
	}
	name := strings.TrimSpace(query.Get("name"))
	if name == "" {
		name = "player-" + strconv.FormatInt(id, 10)
	}
	return auth.Identity{PlayerID: id, Name: name}, nil
}

type tokenWebsocketAuthenticator struct {
	verifier *auth.TokenVerifier
}

func newTokenWebsocketAuthenticator(secret string) (websocketAuthenticator, error) {
	verifier, err := auth.NewTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &tokenWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns the player it names.
func (a *tokenWebsocketAuthenticator) Authenticate(r *http.Request) (auth.Identity, error) {
	if a == nil || a.verifier == nil {
		return auth.Identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	if token == "" {
		return auth.Identity{}, errors.New("missing auth token")
	}
	return a.verifier.Verify(token)
}

// WithWebsocketAuthenticator wires a custom authenticator into the broker.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) BrokerOption {
	return func(b *Broker) {
		if b == nil || authenticator == nil {
			return
		}
		b.wsAuthenticator = authenticator
	}
}
