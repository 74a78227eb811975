// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/despacho/despacho/structs"
	"github.com/hashicorp/despacho/kv"
)

// SessionStore persists sessions as JSON under session:<chatID>. Every
// write refreshes the idle TTL; a driver that goes quiet simply ages
// out of the store.
type SessionStore struct {
	store *kv.Store
	ttl   time.Duration
}

func NewSessionStore(store *kv.Store, ttl time.Duration) *SessionStore {
	return &SessionStore{store: store, ttl: ttl}
}

// Get loads a session, reporting whether it exists.
func (s *SessionStore) Get(ctx context.Context, chatID string) (*structs.Session, bool, error) {
	raw, ok, err := s.store.Get(ctx, sessionKey(chatID))
	if err != nil || !ok {
		return nil, false, err
	}
	var sess structs.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// A corrupt record is unrecoverable; drop it and start over.
		_ = s.store.Del(ctx, sessionKey(chatID))
		return nil, false, nil
	}
	return &sess, true, nil
}

// Put writes the session and refreshes its idle TTL.
func (s *SessionStore) Put(ctx context.Context, sess *structs.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.store.SetTTL(ctx, sessionKey(sess.ChatID), string(raw), s.ttl)
}

// Delete removes the session. Deleting an absent session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, chatID string) error {
	return s.store.Del(ctx, sessionKey(chatID))
}
