// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity issues the evaluation identities presented to the flag
// service: one stable session key per listening session, and a fresh
// request key for every negotiation attempt.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer/flags"
	"github.com/google/uuid"
)

// ErrNoSession is returned by a SessionStore that holds no session key.
var ErrNoSession = errors.New("identity: no stored session")

// SessionStore persists the session key for the session's lifetime.
type SessionStore interface {
	// Load returns the stored key, or ErrNoSession.
	Load(ctx context.Context) (string, error)

	// Save stores key.
	Save(ctx context.Context, key string) error
}

// Manager creates and caches evaluation identities.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	store  SessionStore
	logger *slog.Logger

	mu         sync.Mutex
	sessionKey string

	counter atomic.Uint64

	// newRandom is the strong key source. Replaced in tests.
	newRandom func() (uuid.UUID, error)
}

// NewManager creates a Manager. store may be nil, in which case the session
// key lives only in memory.
func NewManager(store SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		logger:    logger.With(slog.String("component", "identity")),
		newRandom: uuid.NewRandom,
	}
}

// SessionKey returns the stable key for this session.
//
// # Description
//
// The first call loads the key from the store, or creates and saves a new
// one. If there is no store, or the store fails, a memory-only key is used
// and the store is not written; that key is still stable for the lifetime
// of the Manager.
func (m *Manager) SessionKey(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionKey != "" {
		return m.sessionKey
	}

	if m.store == nil {
		m.sessionKey = m.generate()
		return m.sessionKey
	}

	key, err := m.store.Load(ctx)
	if err == nil && key != "" {
		m.sessionKey = key
		return key
	}
	if err != nil && !errors.Is(err, ErrNoSession) {
		m.logger.Warn("session store unavailable, using in-memory session key",
			slog.String("error", err.Error()))
		m.sessionKey = m.generate()
		return m.sessionKey
	}

	key = m.generate()
	if err := m.store.Save(ctx, key); err != nil {
		m.logger.Warn("failed to persist session key", slog.String("error", err.Error()))
	}
	m.sessionKey = key
	return key
}

// NewRequestKey returns a fresh key, tagged "<key>-<suffix>" when suffix is
// non-empty. Keys never repeat within a process.
func (m *Manager) NewRequestKey(suffix string) string {
	key := m.generate()
	if suffix == "" {
		return key
	}
	return key + "-" + suffix
}

// Context builds the multi-kind evaluation context for requestKey: the
// anonymous session user plus the request.
func (m *Manager) Context(ctx context.Context, requestKey string) flags.EvaluationContext {
	return flags.NewContext(
		flags.ContextKind{Kind: flags.KindUser, Key: m.SessionKey(ctx), Anonymous: true},
		flags.ContextKind{Kind: flags.KindRequest, Key: requestKey},
	)
}

// Bootstrap returns the initial context: the session user plus a fresh
// per-session request key.
func (m *Manager) Bootstrap(ctx context.Context) flags.EvaluationContext {
	return m.Context(ctx, m.NewRequestKey("session"))
}

// generate returns a UUIDv4, falling back to timestamp, PRNG and counter
// when the system random source fails.
func (m *Manager) generate() string {
	n := m.counter.Add(1)
	if id, err := m.newRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("%x-%x-%x", time.Now().UnixNano(), rand.Uint64(), n)
}
