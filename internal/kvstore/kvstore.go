// Package kvstore keeps the credential denylist and the principal cache in
// NATS JetStream key-value buckets, so every collabd replica sees the same
// revocations.
package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

// Config names the buckets and their retention.
type Config struct {
	RevocationBucket string
	// RevocationTTL must be at least the longest token lifetime so an entry
	// never expires before the token it blocks.
	RevocationTTL   time.Duration
	PrincipalBucket string
	PrincipalTTL    time.Duration
}

// Store implements auth.RevocationList and auth.PrincipalCache.
type Store struct {
	revoked    nats.KeyValue
	principals nats.KeyValue
	now        func() time.Time
}

var (
	_ auth.RevocationList = (*Store)(nil)
	_ auth.PrincipalCache = (*Store)(nil)
)

// revocation is the stored value. Expiry is kept alongside the bucket TTL
// so a long-lived bucket never reports a token revoked past its own exp.
type revocation struct {
	Until time.Time `json:"until"`
}

// New binds to the buckets, creating them when missing.
func New(js nats.JetStreamContext, cfg Config) (*Store, error) {
	revoked, err := bucket(js, cfg.RevocationBucket, cfg.RevocationTTL, "collabd revoked credentials")
	if err != nil {
		return nil, err
	}
	principals, err := bucket(js, cfg.PrincipalBucket, cfg.PrincipalTTL, "collabd principal cache")
	if err != nil {
		return nil, err
	}
	return &Store{revoked: revoked, principals: principals, now: time.Now}, nil
}

func bucket(js nats.JetStreamContext, name string, ttl time.Duration, desc string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      name,
		Description: desc,
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}

// Revoke implements auth.RevocationList. The key is the token fingerprint.
func (s *Store) Revoke(_ context.Context, token string, ttl time.Duration) error {
	val, err := json.Marshal(revocation{Until: s.now().Add(ttl).UTC()})
	if err != nil {
		return err
	}
	if _, err := s.revoked.Put(auth.Fingerprint(token), val); err != nil {
		return fmt.Errorf("put revocation: %w", err)
	}
	return nil
}

// IsRevoked implements auth.RevocationList.
func (s *Store) IsRevoked(_ context.Context, token string) (bool, error) {
	entry, err := s.revoked.Get(auth.Fingerprint(token))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get revocation: %w", err)
	}

	var r revocation
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		// Unreadable entries still block the token.
		return true, nil
	}
	return s.now().Before(r.Until), nil
}

// Get implements auth.PrincipalCache.
func (s *Store) Get(_ context.Context, email string) (*auth.Principal, bool, error) {
	entry, err := s.principals.Get(principalKey(email))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get principal: %w", err)
	}

	var p auth.Principal
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, false, nil
	}
	return &p, true, nil
}

// Put implements auth.PrincipalCache.
func (s *Store) Put(_ context.Context, p *auth.Principal) error {
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := s.principals.Put(principalKey(p.Email), val); err != nil {
		return fmt.Errorf("put principal: %w", err)
	}
	return nil
}

// Evict implements auth.PrincipalCache.
func (s *Store) Evict(_ context.Context, email string) error {
	err := s.principals.Delete(principalKey(email))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete principal: %w", err)
	}
	return nil
}

// principalKey encodes an email into the KV key alphabet. Emails contain
// '@', which NATS keys do not allow.
func principalKey(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(strings.TrimSpace(email))))
}
