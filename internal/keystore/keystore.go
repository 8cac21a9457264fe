/*
Copyright © 2024 John Dudmesh <john@dudmesh.co.uk>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package keystore

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
)

const defaultKeyMaxAge = 24 * time.Hour

// Service resolves key identifiers to public keys. Remote keys are fetched
// from the owning actor's document and cached; concurrent misses for one
// keyID share a single in-flight fetch.
type Service struct {
	store  *store
	client *activitypub.Client
	logger *slog.Logger
	group  singleflight.Group
	maxAge time.Duration
}

func New(db *sqlx.DB, client *activitypub.Client, logger *slog.Logger) *Service {
	return &Service{
		store:  &store{db: db},
		client: client,
		logger: logger,
		maxAge: defaultKeyMaxAge,
	}
}

func (s *Service) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	cached, err := s.store.GetRemoteKey(keyID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("reading key cache: %w", err)
	}

	if cached != nil && s.isFresh(cached) {
		return ParsePublicKey(cached.PublicKey)
	}

	keyPEM, err, _ := s.group.Do(keyID, func() (any, error) {
		return s.fetchKey(ctx, keyID)
	})
	if err != nil {
		// a stale cached copy beats no key at all
		if cached != nil {
			s.logger.Warn("refreshing remote key failed, using cached copy", "key", keyID, "error", err)
			return ParsePublicKey(cached.PublicKey)
		}
		return nil, err
	}

	return ParsePublicKey(keyPEM.(string))
}

// PrivateKey returns the PEM-encoded private key of a local actor.
func (s *Service) PrivateKey(userID string) (string, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return "", err
	}
	return user.PrivateKey, nil
}

// Invalidate drops a cached remote key so the next lookup refetches it.
// Used to tolerate remote key rotation after a verification failure.
func (s *Service) Invalidate(keyID string) error {
	return s.store.DeleteRemoteKey(keyID)
}

func (s *Service) isFresh(key *model.RemoteKey) bool {
	touched := key.CreatedAt
	if key.UpdatedAt != nil {
		touched = *key.UpdatedAt
	}
	return time.Since(touched) < s.maxAge
}

func (s *Service) fetchKey(ctx context.Context, keyID string) (string, error) {
	// the key lives in the actor document named by the keyId minus fragment
	actorURL, _, _ := strings.Cut(keyID, "#")

	s.logger.Debug("fetching remote actor key", "actor", actorURL)

	actor, err := s.client.FetchActor(ctx, actorURL)
	if err != nil {
		return "", err
	}

	if actor.PubKey.PublicKeyPem == "" {
		return "", fmt.Errorf("actor %s: no public key", actorURL)
	}
	if actor.PubKey.ID != "" && actor.PubKey.ID != keyID {
		return "", fmt.Errorf("actor %s: key id mismatch: %s", actorURL, actor.PubKey.ID)
	}

	// validate before caching
	_, err = ParsePublicKey(actor.PubKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("actor %s: %w", actorURL, err)
	}

	owner := actor.PubKey.Owner
	if owner == "" {
		owner = actor.ID
	}

	err = s.store.PutRemoteKey(&model.RemoteKey{
		ID:        keyID,
		Owner:     owner,
		PublicKey: actor.PubKey.PublicKeyPem,
	})
	if err != nil {
		return "", fmt.Errorf("caching key %s: %w", keyID, err)
	}

	return actor.PubKey.PublicKeyPem, nil
}

// ParsePublicKey decodes a PEM public key in either PKIX or PKCS#1 form.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("parsing public key: no PEM block")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("parsing public key: not an RSA key")
	}
	return key, nil
}
