package iceconf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// LocalSource self-issues coturn-compatible TURN REST credentials from a
// shared secret, for deployments that run their own TURN server and no
// external credential service.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<identity_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
type LocalSource struct {
	turnURLs       []string
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	identitySource func() (string, error)
}

type LocalSourceConfig struct {
	TURNURLs       []string
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	IdentitySource func() (string, error)
}

func NewLocalSource(cfg LocalSourceConfig) (*LocalSource, error) {
	if len(cfg.TURNURLs) == 0 {
		return nil, errors.New("at least one TURN URL is required")
	}
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if containsColon(cfg.UsernamePrefix) {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdentitySource == nil {
		cfg.IdentitySource = cryptoRandomIdentity
	}
	return &LocalSource{
		turnURLs:       cfg.TURNURLs,
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		identitySource: cfg.IdentitySource,
	}, nil
}

func (s *LocalSource) Fetch(ctx context.Context) (Configuration, error) {
	if err := ctx.Err(); err != nil {
		return Configuration{}, err
	}
	identity, err := s.identitySource()
	if err != nil {
		return Configuration{}, err
	}
	return s.Generate(identity)
}

// Generate issues credentials bound to the given identity.
func (s *LocalSource) Generate(identity string) (Configuration, error) {
	if identity == "" {
		return Configuration{}, errors.New("identity is required")
	}
	if containsColon(identity) {
		return Configuration{}, errors.New("identity must not contain ':'")
	}
	now := s.now()
	expiryUnix := now.UTC().Unix() + s.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, s.usernamePrefix, identity)
	return Configuration{
		URLs:           s.turnURLs,
		Username:       username,
		Credential:     signUsername(s.sharedSecret, username),
		CredentialType: "password",
		FetchedAt:      now,
		TTL:            time.Duration(s.ttlSeconds) * time.Second,
	}, nil
}

func cryptoRandomIdentity() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	sum := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
