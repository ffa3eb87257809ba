package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
	"github.com/redis/go-redis/v9"
)

const sessionPersistenceKey = "meetrelay:sessions"

// Persister snapshots a SessionTable to Redis as a JWE-encrypted blob and
// restores it on startup, so bearer sessions survive a process restart
// (spec.md §9 "Persistent sessions"). Repurposes go-jose from signing
// bearer tokens (the teacher's use) to encrypting this at-rest blob.
type Persister struct {
	redis     *redis.Client
	encrypter jose.Encrypter
	key       []byte
	logger    *slog.Logger
}

// NewPersister builds a Persister from a 32-byte encryption key. Returns
// an error if the key is the wrong length or go-jose rejects it.
func NewPersister(rdb *redis.Client, key []byte, logger *slog.Logger) (*Persister, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("session persistence key must be 32 bytes, got %d", len(key))
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating session encrypter: %w", err)
	}
	return &Persister{redis: rdb, encrypter: enc, key: key, logger: logger}, nil
}

// Save encrypts and writes the table's current contents to Redis.
func (p *Persister) Save(ctx context.Context, t *SessionTable) error {
	plaintext, err := json.Marshal(t.snapshot())
	if err != nil {
		return fmt.Errorf("marshaling session snapshot: %w", err)
	}

	obj, err := p.encrypter.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting session snapshot: %w", err)
	}
	serialized, err := obj.CompactSerialize()
	if err != nil {
		return fmt.Errorf("serializing session snapshot: %w", err)
	}

	if err := p.redis.Set(ctx, sessionPersistenceKey, serialized, 0).Err(); err != nil {
		return fmt.Errorf("writing session snapshot: %w", err)
	}
	return nil
}

// Load reads and decrypts the persisted blob into t, returning nil (not
// an error) and leaving t unchanged if no blob exists yet.
func (p *Persister) Load(ctx context.Context, t *SessionTable) error {
	serialized, err := p.redis.Get(ctx, sessionPersistenceKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session snapshot: %w", err)
	}

	obj, err := jose.ParseEncrypted(serialized, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return fmt.Errorf("parsing session snapshot: %w", err)
	}
	plaintext, err := obj.Decrypt(p.key)
	if err != nil {
		return fmt.Errorf("decrypting session snapshot: %w", err)
	}

	var sessions []Session
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return fmt.Errorf("unmarshaling session snapshot: %w", err)
	}

	t.restore(sessions)
	if p.logger != nil {
		p.logger.Info("restored persisted sessions", "count", len(sessions))
	}
	return nil
}
