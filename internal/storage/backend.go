package storage

import (
	"context"
	"errors"
)

// Key layout. Session records and per-(client,agent) index records live in
// the same keyspace so a single Backend serves both.
const (
	sessionKeyPrefix = "chat_session:"
	indexKeyPrefix   = "chat_index:"
)

// ErrKeyNotFound is returned by backends for missing keys
var ErrKeyNotFound = errors.New("key not found")

// Backend is the durable byte store underneath the session service. It
// mirrors web-storage semantics: opaque values under string keys plus
// prefix enumeration.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func indexKey(clientID, agentID string) string {
	return indexKeyPrefix + clientID + ":" + agentID
}
