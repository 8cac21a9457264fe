package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/jmoiron/sqlx"
)

const keySize = 2048

// Service manages local actors: their key material and the federation
// documents other servers fetch to discover them.
type Service struct {
	store  *store
	domain string
}

func NewService(db *sqlx.DB, domain string) *Service {
	return &Service{
		store:  &store{db: db},
		domain: domain,
	}
}

// CreateActor registers a local actor with a fresh RSA key pair. The handle
// must be unique on this instance.
func (s *Service) CreateActor(handle, displayName, summary string) (*model.User, error) {
	_, err := s.store.GetUserByHandle(handle)
	if err == nil {
		return nil, fmt.Errorf("actor %s: %w", handle, model.ErrAlreadyExists)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("checking handle: %w", err)
	}

	user := &model.User{
		ID:          model.NewID(),
		CreatedAt:   time.Now().UTC(),
		Handle:      handle,
		DisplayName: displayName,
		Summary:     summary,
	}

	err = s.createCredentials(user)
	if err != nil {
		return nil, fmt.Errorf("creating credentials: %w", err)
	}

	err = s.store.PutUser(user)
	if err != nil {
		return nil, fmt.Errorf("storing actor: %w", err)
	}

	return user, nil
}

func (s *Service) createCredentials(user *model.User) error {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return fmt.Errorf("generating new key: %w", err)
	}

	user.PrivateKey = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	user.PublicKey = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}))

	return nil
}

func (s *Service) ActorByHandle(handle string) (*model.User, error) {
	return s.store.GetUserByHandle(handle)
}

func (s *Service) ActorByURI(uri string) (*model.User, error) {
	handle, ok := s.HandleOf(uri)
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.store.GetUserByHandle(handle)
}

func (s *Service) ActorURI(user *model.User) string {
	return fmt.Sprintf("https://%s/u/%s", s.domain, user.Handle)
}

func (s *Service) KeyID(user *model.User) string {
	return s.ActorURI(user) + "#main-key"
}

func (s *Service) InboxURI(user *model.User) string {
	return fmt.Sprintf("https://%s/inbox/%s", s.domain, user.Handle)
}

func (s *Service) SharedInboxURI() string {
	return fmt.Sprintf("https://%s/inbox", s.domain)
}

func (s *Service) OutboxURI(user *model.User) string {
	return fmt.Sprintf("https://%s/outbox/%s", s.domain, user.Handle)
}

func (s *Service) FollowersURI(user *model.User) string {
	return s.ActorURI(user) + "/followers"
}

// NewActivityURI mints a globally unique id for a locally generated
// activity.
func (s *Service) NewActivityURI() string {
	return fmt.Sprintf("https://%s/activity/%s", s.domain, model.NewID())
}

// HandleOf maps a local actor URI back to its handle. Returns false for
// URIs on other instances.
func (s *Service) HandleOf(actorURI string) (string, bool) {
	prefix := fmt.Sprintf("https://%s/u/", s.domain)
	if len(actorURI) <= len(prefix) || actorURI[:len(prefix)] != prefix {
		return "", false
	}
	return actorURI[len(prefix):], true
}

// ActorDocument renders the actor document served to remote instances. This
// is how verifying peers obtain the actor's public key.
func (s *Service) ActorDocument(user *model.User) *activitypub.Actor {
	uri := s.ActorURI(user)
	return &activitypub.Actor{
		Context: []string{
			activitypub.ContextActivityStreams,
			activitypub.ContextSecurity,
		},
		ID:                uri,
		Type:              "Person",
		PreferredUsername: user.Handle,
		Name:              user.DisplayName,
		Summary:           user.Summary,
		Inbox:             s.InboxURI(user),
		Outbox:            s.OutboxURI(user),
		Followers:         s.FollowersURI(user),
		Endpoints: activitypub.Endpoints{
			SharedInbox: s.SharedInboxURI(),
		},
		PubKey: activitypub.PublicKey{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: user.PublicKey,
		},
	}
}

func (s *Service) WebFinger(user *model.User) *activitypub.WebFingerResponse {
	return &activitypub.WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", user.Handle, s.domain),
		Links: []activitypub.WebFingerLink{
			{
				Rel:  "self",
				Type: activitypub.ContentTypeActivityJSON,
				Href: s.ActorURI(user),
			},
		},
	}
}
