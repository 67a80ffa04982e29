package llm

import (
	"context"
	"sync"
	"time"
)

// Scripted is a Provider that replays fixed tokens. It records every
// request it receives.
type Scripted struct {
	Tokens []string
	// Err is delivered after the tokens, if set.
	Err error
	// Delay is slept before each token.
	Delay time.Duration

	mu       sync.Mutex
	requests []Request
}

// Stream implements Provider.
func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(tokens)
		for _, tok := range s.Tokens {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, tokens, tok) {
				return
			}
		}
		if s.Err != nil {
			errs <- s.Err
		}
	}()
	return tokens, errs
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
