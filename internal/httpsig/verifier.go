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
package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jdudmesh/propolis-social/internal/model"
)

// KeyStore resolves a key identifier to the owning actor's public key,
// fetching and caching remote keys as needed.
type KeyStore interface {
	PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

type Result struct {
	Verified bool
	KeyID    string
}

// Verifier authenticates inbound requests against their Signature header.
// It is a pure predicate: it never persists anything and never processes the
// request body.
type Verifier struct {
	keys KeyStore
}

func NewVerifier(keys KeyStore) *Verifier {
	return &Verifier{keys: keys}
}

func (v *Verifier) Verify(ctx context.Context, req *http.Request) (*Result, error) {
	raw := req.Header.Get(HeaderSignature)
	if raw == "" {
		return nil, ErrMissingSignature
	}

	params, err := ParseSignatureHeader(raw)
	if err != nil {
		return nil, err
	}

	key, err := v.keys.PublicKey(ctx, params.KeyID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownActor, params.KeyID)
		}
		return nil, fmt.Errorf("resolving key %s: %w", params.KeyID, err)
	}

	// every header the sender claims to have signed must actually be on the
	// request; the signing string below is rebuilt from the live values, so
	// the sender only controls which headers are covered, not their content
	for _, h := range params.Headers {
		if headerValue(req, h) == "" && strings.ToLower(h) != RequestTarget {
			return nil, fmt.Errorf("%w: %s", ErrMissingSignedHeader, h)
		}
	}

	msg := SigningString(req.Method, RequestTargetOf(req.URL), params.Headers, func(name string) string {
		return headerValue(req, name)
	})

	hashed := sha256.Sum256([]byte(msg))
	err = rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], params.Signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return &Result{
		Verified: true,
		KeyID:    params.KeyID,
	}, nil
}

// headerValue reads a header off the live request. The Host header needs
// special handling: net/http strips it from Header and carries it on the
// request itself.
func headerValue(req *http.Request, name string) string {
	if strings.ToLower(name) == "host" {
		if req.Host != "" {
			return req.Host
		}
		return req.URL.Host
	}
	return req.Header.Get(name)
}
