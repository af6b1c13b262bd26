// Package auth is the Auth State component (C9): the only reader of
// cookies on the hot path. It holds the current cookie blob in memory and
// persists it via the Store, recovering it on process start.
package auth

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Persister is the subset of the Store this component needs; kept narrow
// so auth does not depend on the whole store package surface.
type Persister interface {
	SaveCookies(ctx context.Context, blob []byte) error
	GetCookies(ctx context.Context) ([]byte, bool)
}

// EventSink receives the authRequired signal.
type EventSink interface {
	AuthRequired()
}

// MetricsSink receives the auth_cookie_present gauge (§6). Optional; a nil
// sink is a no-op.
type MetricsSink interface {
	SetAuthCookiePresent(present bool)
}

// State holds the current cookie blob.
type State struct {
	mu      sync.RWMutex
	cookies []byte
	present bool

	store   Persister
	sink    EventSink
	metrics MetricsSink
}

// New builds an auth State backed by store; events go to sink (may be
// nil, in which case Recover's authRequired signal is simply dropped).
func New(store Persister, sink EventSink, opts ...Option) *State {
	s := &State{store: store, sink: sink}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a State at construction.
type Option func(*State)

// WithMetrics wires a sink for the auth_cookie_present gauge.
func WithMetrics(m MetricsSink) Option {
	return func(s *State) { s.metrics = m }
}

func (s *State) reportPresence() {
	if s.metrics != nil {
		s.metrics.SetAuthCookiePresent(s.present)
	}
}

// Recover attempts to load the cookie blob saved from a prior run. On
// decrypt failure (surfaced by the store as "no cookies"), in-memory
// credentials are cleared and authRequired is emitted (§4.9).
func (s *State) Recover(ctx context.Context) {
	blob, ok := s.store.GetCookies(ctx)
	s.mu.Lock()
	if ok {
		s.cookies = blob
		s.present = true
	} else {
		s.cookies = nil
		s.present = false
	}
	s.mu.Unlock()
	s.reportPresence()

	if !ok {
		log.Info("auth: no recoverable cookies on start")
		if s.sink != nil {
			s.sink.AuthRequired()
		}
	}
}

// Set installs a new cookie blob and persists it.
func (s *State) Set(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	s.cookies = append([]byte(nil), blob...)
	s.present = true
	s.mu.Unlock()
	s.reportPresence()
	return s.store.SaveCookies(ctx, blob)
}

// Clear drops in-memory credentials without touching the persisted copy
// (used when the upstream reports AUTHENTICATION_ERROR).
func (s *State) Clear() {
	s.mu.Lock()
	s.cookies = nil
	s.present = false
	s.mu.Unlock()
	s.reportPresence()
	if s.sink != nil {
		s.sink.AuthRequired()
	}
}

// Cookies returns a copy-on-read snapshot of the current blob and whether
// credentials are present.
func (s *State) Cookies() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.present {
		return nil, false
	}
	return append([]byte(nil), s.cookies...), true
}
