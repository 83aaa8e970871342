// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/djtoggle/services/storage/badger"
)

// sessionKeyName is the store key holding the session key.
const sessionKeyName = "identity/session-key"

// BadgerStore keeps the session key in a badger.Store with a TTL. Every
// successful Load renews the TTL, so a session ends on its own once no
// process has loaded it for longer than the TTL.
type BadgerStore struct {
	store *badger.Store
	ttl   time.Duration
}

// NewBadgerStore wraps store. A non-positive ttl stores the key without
// expiry.
func NewBadgerStore(store *badger.Store, ttl time.Duration) *BadgerStore {
	return &BadgerStore{store: store, ttl: ttl}
}

// Load returns the stored session key or ErrNoSession.
func (s *BadgerStore) Load(ctx context.Context) (string, error) {
	value, err := s.store.Get(ctx, sessionKeyName)
	if errors.Is(err, badger.ErrNotFound) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", err
	}
	if s.ttl > 0 {
		// A failed renewal leaves the old expiry in place; the key is still valid.
		_ = s.store.Put(ctx, sessionKeyName, value, s.ttl)
	}
	return string(value), nil
}

// Save stores key, refreshing its TTL.
func (s *BadgerStore) Save(ctx context.Context, key string) error {
	return s.store.Put(ctx, sessionKeyName, []byte(key), s.ttl)
}
