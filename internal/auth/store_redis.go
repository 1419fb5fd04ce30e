// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rknop/rkwebutil/internal/platform/constants"
)

// # Session Store

// RedisSessionStore implements SessionStore using Redis.
//
// Each browser session is one JSON value under auth:session:<id> with a
// sliding TTL: every Save resets the clock, so a session dies after
// [constants.SessionTTL] of inactivity, not of age.
type RedisSessionStore struct {
	client *redis.Client
}

// NewSessionStore creates a new Redis-backed SessionStore.
func NewSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

/*
Get retrieves the session State for the given id.

Description: A missing key is not an error; it yields a fresh anonymous
State. That covers both brand-new sessions and sessions whose TTL lapsed.

Parameters:
  - context: context.Context
  - sessionID: string

Returns:
  - *State: Hydrated or fresh anonymous state
  - error: Connectivity or decoding failures
*/
func (store *RedisSessionStore) Get(context context.Context, sessionID string) (*State, error) {
	key := constants.RedisPrefixSession + sessionID

	payload, err := store.client.Get(context, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("redis_session_get_failed: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(payload, state); err != nil {
		// Corrupt state is treated as no state: the user just logs in again.
		return &State{}, nil
	}

	return state, nil
}

/*
Save persists the session State, resetting the sliding TTL.

Parameters:
  - context: context.Context
  - sessionID: string
  - state: *State

Returns:
  - error: Encoding or connectivity failures
*/
func (store *RedisSessionStore) Save(context context.Context, sessionID string, state *State) error {
	key := constants.RedisPrefixSession + sessionID

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis_session_encode_failed: %w", err)
	}

	if err := store.client.Set(context, key, payload, constants.SessionTTL).Err(); err != nil {
		return fmt.Errorf("redis_session_set_failed: %w", err)
	}

	return nil
}

/*
Delete removes all stored state for the session id.

Parameters:
  - context: context.Context
  - sessionID: string

Returns:
  - error: Deletion failures
*/
func (store *RedisSessionStore) Delete(context context.Context, sessionID string) error {
	key := constants.RedisPrefixSession + sessionID

	if err := store.client.Del(context, key).Err(); err != nil {
		return fmt.Errorf("redis_session_delete_failed: %w", err)
	}

	return nil
}
