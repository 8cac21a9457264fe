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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/datastore"
	"github.com/jdudmesh/propolis-social/internal/httpsig"
	"github.com/jdudmesh/propolis-social/internal/identity"
	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const remoteKeyID = "https://remote.example/u/bob#main-key"

type fakeKeys struct {
	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	replacement *rsa.PublicKey
	invalidated []string
}

func (f *fakeKeys) PublicKey(_ context.Context, keyID string) (*rsa.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[keyID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return key, nil
}

func (f *fakeKeys) Invalidate(keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, keyID)
	if f.replacement != nil {
		f.keys[keyID] = f.replacement
	}
	return nil
}

type fakeProcessor struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (f *fakeProcessor) Process(_ context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, bytes.Clone(body))
	return nil
}

func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, string(privPEM)
}

func newTestServer(t *testing.T, databaseURL string, keys *fakeKeys, processor *fakeProcessor, skipVerification bool) *httptest.Server {
	t.Helper()

	db, err := datastore.New(databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ident := identity.NewService(db, "local.example")
	_, err = ident.CreateActor("alice", "Alice", "")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := New(Config{
		Domain:                   "local.example",
		Logger:                   logger,
		InsecureSkipVerification: skipVerification,
	}, httpsig.NewVerifier(keys), keys, processor, ident)
	require.NoError(t, err)

	srv := httptest.NewServer(s.newServeMux())
	t.Cleanup(srv.Close)
	return srv
}

func signedRequest(t *testing.T, privPEM, keyID, rawURL string, body []byte) *http.Request {
	t.Helper()

	signer, err := httpsig.NewSigner(privPEM, keyID)
	require.NoError(t, err)

	headers, err := signer.Sign(http.MethodPost, rawURL, body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(body))
	require.NoError(t, err)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", activitypub.ContentTypeActivityJSON)
	return req
}

func decodeError(t *testing.T, res *http.Response) map[string]string {
	t.Helper()

	payload := map[string]string{}
	err := json.NewDecoder(res.Body).Decode(&payload)
	require.NoError(t, err)
	return payload
}

func TestInboxRejectsUnsignedRequest(t *testing.T) {
	assert := assert.New(t)

	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{}}
	srv := newTestServer(t, "file:server1.db?mode=memory&cache=shared", keys, &fakeProcessor{}, false)

	res, err := http.Post(srv.URL+"/inbox", activitypub.ContentTypeActivityJSON, bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusUnauthorized, res.StatusCode)
	assert.Equal("MissingSignature", decodeError(t, res)["error"])
}

func TestInboxAcceptsSignedActivity(t *testing.T) {
	assert := assert.New(t)

	key, privPEM := newTestKey(t)
	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{remoteKeyID: &key.PublicKey}}
	processor := &fakeProcessor{}
	srv := newTestServer(t, "file:server2.db?mode=memory&cache=shared", keys, processor, false)

	body := []byte(`{"type":"Follow","actor":"https://remote.example/u/bob"}`)
	req := signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox", body)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusAccepted, res.StatusCode)
	require.Len(t, processor.bodies, 1)
	assert.Equal(body, processor.bodies[0])
}

func TestInboxRejectsUnknownSigner(t *testing.T) {
	assert := assert.New(t)

	_, privPEM := newTestKey(t)
	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{}}
	srv := newTestServer(t, "file:server3.db?mode=memory&cache=shared", keys, &fakeProcessor{}, false)

	req := signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox", []byte(`{}`))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusUnauthorized, res.StatusCode)
	assert.Equal("UnknownActor", decodeError(t, res)["error"])
}

func TestInboxRetriesWithFreshKey(t *testing.T) {
	assert := assert.New(t)

	key, privPEM := newTestKey(t)
	staleKey, _ := newTestKey(t)
	keys := &fakeKeys{
		keys:        map[string]*rsa.PublicKey{remoteKeyID: &staleKey.PublicKey},
		replacement: &key.PublicKey,
	}
	processor := &fakeProcessor{}
	srv := newTestServer(t, "file:server4.db?mode=memory&cache=shared", keys, processor, false)

	req := signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox", []byte(`{"type":"Follow"}`))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusAccepted, res.StatusCode)
	assert.Equal([]string{remoteKeyID}, keys.invalidated)
	assert.Len(processor.bodies, 1)
}

func TestInboxInvalidSignatureAfterRefresh(t *testing.T) {
	assert := assert.New(t)

	_, privPEM := newTestKey(t)
	staleKey, _ := newTestKey(t)
	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{remoteKeyID: &staleKey.PublicKey}}
	srv := newTestServer(t, "file:server5.db?mode=memory&cache=shared", keys, &fakeProcessor{}, false)

	req := signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox", []byte(`{}`))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusUnauthorized, res.StatusCode)
	assert.Equal("InvalidSignature", decodeError(t, res)["error"])
	assert.Equal([]string{remoteKeyID}, keys.invalidated)
}

func TestInboxProcessingError(t *testing.T) {
	assert := assert.New(t)

	key, privPEM := newTestKey(t)
	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{remoteKeyID: &key.PublicKey}}
	processor := &fakeProcessor{err: errors.New("store failure")}
	srv := newTestServer(t, "file:server6.db?mode=memory&cache=shared", keys, processor, false)

	req := signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox", []byte(`{"type":"Create"}`))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusInternalServerError, res.StatusCode)
	assert.Equal("ProcessingError", decodeError(t, res)["error"])
}

func TestUserInbox(t *testing.T) {
	assert := assert.New(t)

	key, privPEM := newTestKey(t)
	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{remoteKeyID: &key.PublicKey}}
	processor := &fakeProcessor{}
	srv := newTestServer(t, "file:server7.db?mode=memory&cache=shared", keys, processor, false)

	req := signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox/alice", []byte(`{"type":"Follow"}`))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(http.StatusAccepted, res.StatusCode)
	assert.Len(processor.bodies, 1)

	req = signedRequest(t, privPEM, remoteKeyID, srv.URL+"/inbox/nobody", []byte(`{"type":"Follow"}`))
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(http.StatusNotFound, res.StatusCode)
}

func TestInboxRejectsOversizedBody(t *testing.T) {
	assert := assert.New(t)

	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{}}
	processor := &fakeProcessor{}
	srv := newTestServer(t, "file:server11.db?mode=memory&cache=shared", keys, processor, false)

	body := bytes.Repeat([]byte("x"), MaxBodySize+1)
	res, err := http.Post(srv.URL+"/inbox", activitypub.ContentTypeActivityJSON, bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusRequestEntityTooLarge, res.StatusCode)
	assert.Equal("PayloadTooLarge", decodeError(t, res)["error"])
	assert.Empty(processor.bodies)
}

func TestInboxSkipVerification(t *testing.T) {
	assert := assert.New(t)

	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{}}
	processor := &fakeProcessor{}
	srv := newTestServer(t, "file:server8.db?mode=memory&cache=shared", keys, processor, true)

	res, err := http.Post(srv.URL+"/inbox", activitypub.ContentTypeActivityJSON, bytes.NewReader([]byte(`{"type":"Create"}`)))
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(http.StatusAccepted, res.StatusCode)
	assert.Len(processor.bodies, 1)
}

func TestActorDocument(t *testing.T) {
	assert := assert.New(t)

	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{}}
	srv := newTestServer(t, "file:server9.db?mode=memory&cache=shared", keys, &fakeProcessor{}, false)

	res, err := http.Get(srv.URL + "/u/alice")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(activitypub.ContentTypeActivityJSON, res.Header.Get("Content-Type"))

	doc := activitypub.Actor{}
	err = json.NewDecoder(res.Body).Decode(&doc)
	require.NoError(t, err)
	assert.Equal("https://local.example/u/alice", doc.ID)
	assert.Equal("https://local.example/u/alice#main-key", doc.PubKey.ID)
	assert.NotEmpty(doc.PubKey.PublicKeyPem)

	res, err = http.Get(srv.URL + "/u/nobody")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(http.StatusNotFound, res.StatusCode)
}

func TestWebFinger(t *testing.T) {
	assert := assert.New(t)

	keys := &fakeKeys{keys: map[string]*rsa.PublicKey{}}
	srv := newTestServer(t, "file:server10.db?mode=memory&cache=shared", keys, &fakeProcessor{}, false)

	res, err := http.Get(srv.URL + "/.well-known/webfinger?resource=acct:alice@local.example")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(activitypub.ContentTypeJRD, res.Header.Get("Content-Type"))

	wf := activitypub.WebFingerResponse{}
	err = json.NewDecoder(res.Body).Decode(&wf)
	require.NoError(t, err)
	assert.Equal("acct:alice@local.example", wf.Subject)

	res, err = http.Get(srv.URL + "/.well-known/webfinger")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(srv.URL + "/.well-known/webfinger?resource=acct:nobody@local.example")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(http.StatusNotFound, res.StatusCode)
}
