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
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/httpsig"
	"github.com/jdudmesh/propolis-social/internal/model"
)

func (s *server) handleInbox(w http.ResponseWriter, r *http.Request) {
	s.acceptActivity(w, r)
}

func (s *server) handleUserInbox(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	_, err := s.identity.ActorByHandle(handle)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NotFound", "no such user")
			return
		}
		s.logger.Error("looking up inbox owner", "handle", handle, "error", err)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "")
		return
	}

	s.acceptActivity(w, r)
}

func (s *server) acceptActivity(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "reading request body")
		return
	}
	if len(body) > MaxBodySize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "activity exceeds maximum size")
		return
	}

	if !s.skipVerification {
		_, err = s.verifyRequest(r)
		if err != nil {
			kind, status := classifyVerificationError(err)
			if status == http.StatusInternalServerError {
				s.logger.Error("verifying inbound request", "error", err)
				s.writeError(w, status, kind, "")
				return
			}
			s.logger.Info("rejecting inbound request", "kind", kind, "error", err)
			s.writeError(w, status, kind, err.Error())
			return
		}
	}

	err = s.processor.Process(r.Context(), body)
	if err != nil {
		s.logger.Error("processing inbound activity", "error", err)
		s.writeError(w, http.StatusInternalServerError, "ProcessingError", "")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// verifyRequest verifies the request signature, retrying once with a fresh
// copy of the signer's key when the cached one no longer validates. Remote
// servers rotate keys without notice and a stale cache entry is
// indistinguishable from a forged signature until the key is refetched.
func (s *server) verifyRequest(r *http.Request) (*httpsig.Result, error) {
	res, err := s.verifier.Verify(r.Context(), r)
	if err == nil || !errors.Is(err, httpsig.ErrInvalidSignature) {
		return res, err
	}

	params, parseErr := httpsig.ParseSignatureHeader(r.Header.Get(httpsig.HeaderSignature))
	if parseErr != nil {
		return nil, err
	}

	invErr := s.keys.Invalidate(params.KeyID)
	if invErr != nil {
		s.logger.Warn("invalidating cached key", "keyId", params.KeyID, "error", invErr)
		return nil, err
	}

	return s.verifier.Verify(r.Context(), r)
}

func (s *server) handleActor(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	user, err := s.identity.ActorByHandle(handle)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NotFound", "no such user")
			return
		}
		s.logger.Error("looking up actor", "handle", handle, "error", err)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "")
		return
	}

	doc := s.identity.ActorDocument(user)

	w.Header().Set("Content-Type", activitypub.ContentTypeActivityJSON)
	err = json.NewEncoder(w).Encode(doc)
	if err != nil {
		s.logger.Error("writing actor document", "handle", handle, "error", err)
	}
}

func (s *server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "missing resource parameter")
		return
	}

	handle, ok := parseAcctResource(resource)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "BadRequest", "unsupported resource")
		return
	}

	user, err := s.identity.ActorByHandle(handle)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "NotFound", "no such user")
			return
		}
		s.logger.Error("looking up webfinger subject", "handle", handle, "error", err)
		s.writeError(w, http.StatusInternalServerError, "InternalError", "")
		return
	}

	w.Header().Set("Content-Type", activitypub.ContentTypeJRD)
	err = json.NewEncoder(w).Encode(s.identity.WebFinger(user))
	if err != nil {
		s.logger.Error("writing webfinger response", "handle", handle, "error", err)
	}
}

func parseAcctResource(resource string) (string, bool) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", false
	}
	handle, _, _ := strings.Cut(acct, "@")
	if handle == "" {
		return "", false
	}
	return handle, true
}

func classifyVerificationError(err error) (string, int) {
	switch {
	case errors.Is(err, httpsig.ErrMissingSignature):
		return "MissingSignature", http.StatusUnauthorized
	case errors.Is(err, httpsig.ErrMalformedSignature):
		return "MalformedSignature", http.StatusUnauthorized
	case errors.Is(err, httpsig.ErrIncompleteSignature):
		return "IncompleteSignature", http.StatusUnauthorized
	case errors.Is(err, httpsig.ErrUnknownActor):
		return "UnknownActor", http.StatusUnauthorized
	case errors.Is(err, httpsig.ErrMissingSignedHeader):
		return "MissingSignedHeader", http.StatusUnauthorized
	case errors.Is(err, httpsig.ErrInvalidSignature):
		return "InvalidSignature", http.StatusUnauthorized
	default:
		return "InternalError", http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, kind, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload := map[string]string{"error": kind}
	if details != "" {
		payload["details"] = details
	}

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		s.logger.Error("writing error response", "error", err)
	}
}
