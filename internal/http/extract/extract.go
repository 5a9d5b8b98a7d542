package extract

import (
	"fmt"
	"net/http"
	"strings"
)

// Strategy pulls a token out of an incoming request. The set is closed:
// bearer header and cookie, ordered by configuration.
type Strategy interface {
	Token(r *http.Request) (string, bool)
}

type bearerStrategy struct{}

func (bearerStrategy) Token(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// Bearer reads the token from the Authorization header.
func Bearer() Strategy {
	return bearerStrategy{}
}

type cookieStrategy struct {
	name string
}

func (s cookieStrategy) Token(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Cookie reads the token from the named cookie.
func Cookie(name string) Strategy {
	return cookieStrategy{name: name}
}

type chain []Strategy

func (c chain) Token(r *http.Request) (string, bool) {
	for _, s := range c {
		if token, ok := s.Token(r); ok {
			return token, true
		}
	}
	return "", false
}

// Chain tries each strategy in order and returns the first hit.
func Chain(strategies ...Strategy) Strategy {
	return chain(strategies)
}

// FromNames builds a chain from configured strategy names.
func FromNames(names []string, cookieName string) (Strategy, error) {
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case "bearer":
			strategies = append(strategies, Bearer())
		case "cookie":
			strategies = append(strategies, Cookie(cookieName))
		default:
			return nil, fmt.Errorf("unknown token extraction strategy: %q", name)
		}
	}
	if len(strategies) == 0 {
		strategies = append(strategies, Bearer())
	}
	return Chain(strategies...), nil
}
