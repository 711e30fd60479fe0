// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis caches resolved sessions in Redis in front of the database.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/authsvc/internal/auth"
)

// DefaultKeyPrefix namespaces every key the cache writes.
const DefaultKeyPrefix = "authsvc:"

// SessionCache implements auth.SessionCache. Keys are
// "<prefix>session:<token hash>" and values are JSON.
type SessionCache struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// storedSession is the JSON form of an auth.Session.
type storedSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New connects to the Redis server at url (redis:// or rediss://) and
// verifies the connection.
func New(ctx context.Context, url, keyPrefix string) (*SessionCache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("CACHE_URL_INVALID").With("operation", "parse redis url").Wrap(err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("CACHE_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return NewWithClient(client, keyPrefix), nil
}

// NewWithClient wraps an existing client. An empty prefix selects
// DefaultKeyPrefix.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *SessionCache {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &SessionCache{client: client, keyPrefix: keyPrefix}
}

// Get returns the cached session for tokenHash, or auth.ErrNotFound.
func (c *SessionCache) Get(ctx context.Context, tokenHash string) (*auth.Session, error) {
	data, err := c.client.Get(ctx, c.key(tokenHash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, oops.Code("CACHE_MISS").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("CACHE_GET_FAILED").With("operation", "get session").Wrap(err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, oops.Code("CACHE_DECODE_FAILED").With("operation", "decode session").Wrap(err)
	}
	return stored.toSession()
}

// Set caches session for ttl. Non-positive ttls are ignored.
func (c *SessionCache) Set(ctx context.Context, session *auth.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(fromSession(session))
	if err != nil {
		return oops.Code("CACHE_ENCODE_FAILED").With("operation", "encode session").Wrap(err)
	}
	if err := c.client.Set(ctx, c.key(session.TokenHash), data, ttl).Err(); err != nil {
		return oops.Code("CACHE_SET_FAILED").
			With("operation", "set session").
			With("session_id", session.ID.String()).
			Wrap(err)
	}
	return nil
}

// Delete evicts the session for tokenHash. Missing keys are not an error.
func (c *SessionCache) Delete(ctx context.Context, tokenHash string) error {
	if err := c.client.Del(ctx, c.key(tokenHash)).Err(); err != nil {
		return oops.Code("CACHE_DELETE_FAILED").With("operation", "delete session").Wrap(err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *SessionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *SessionCache) Close() error {
	return c.client.Close()
}

func (c *SessionCache) key(tokenHash string) string {
	return c.keyPrefix + "session:" + tokenHash
}

func fromSession(s *auth.Session) storedSession {
	return storedSession{
		ID:        s.ID.String(),
		UserID:    s.UserID.String(),
		TokenHash: s.TokenHash,
		UserAgent: s.UserAgent,
		IPAddress: s.IPAddress,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (s storedSession) toSession() (*auth.Session, error) {
	id, err := ulid.Parse(s.ID)
	if err != nil {
		return nil, oops.Code("CACHE_DECODE_FAILED").With("id", s.ID).Wrap(err)
	}
	userID, err := ulid.Parse(s.UserID)
	if err != nil {
		return nil, oops.Code("CACHE_DECODE_FAILED").With("user_id", s.UserID).Wrap(err)
	}
	return &auth.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: s.TokenHash,
		UserAgent: s.UserAgent,
		IPAddress: s.IPAddress,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}, nil
}

var _ auth.SessionCache = (*SessionCache)(nil)
