package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/datastore"
	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, databaseURL string) *Service {
	t.Helper()

	db, err := datastore.New(databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(db, activitypub.NewClient("propolis-social/test"), logger)
}

func newActorServer(t *testing.T, fetches *atomic.Int32, delay time.Duration) (*httptest.Server, string, *rsa.PublicKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	actorURI := server.URL + "/u/bob"
	keyID := actorURI + "#main-key"

	mux.HandleFunc("GET /u/bob", func(w http.ResponseWriter, req *http.Request) {
		fetches.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", activitypub.ContentTypeActivityJSON)
		json.NewEncoder(w).Encode(activitypub.Actor{
			ID:   actorURI,
			Type: "Person",
			PubKey: activitypub.PublicKey{
				ID:           keyID,
				Owner:        actorURI,
				PublicKeyPem: keyPEM,
			},
		})
	})

	return server, keyID, &key.PublicKey
}

func TestPublicKeyFetchAndCache(t *testing.T) {
	assert := assert.New(t)

	fetches := atomic.Int32{}
	_, keyID, want := newActorServer(t, &fetches, 0)

	svc := newTestService(t, "file:keystore_fetch.db?mode=memory&cache=shared")

	got, err := svc.PublicKey(context.Background(), keyID)
	assert.NoError(err)
	assert.True(want.Equal(got))
	assert.Equal(int32(1), fetches.Load())

	// second lookup is served from the cache
	got, err = svc.PublicKey(context.Background(), keyID)
	assert.NoError(err)
	assert.True(want.Equal(got))
	assert.Equal(int32(1), fetches.Load())
}

func TestPublicKeyCoalescesConcurrentFetches(t *testing.T) {
	assert := assert.New(t)

	fetches := atomic.Int32{}
	_, keyID, _ := newActorServer(t, &fetches, 100*time.Millisecond)

	svc := newTestService(t, "file:keystore_coalesce.db?mode=memory&cache=shared")

	wg := sync.WaitGroup{}
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PublicKey(context.Background(), keyID)
			assert.NoError(err)
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), fetches.Load())
}

func TestPublicKeyNotFound(t *testing.T) {
	assert := assert.New(t)

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := newTestService(t, "file:keystore_notfound.db?mode=memory&cache=shared")

	_, err := svc.PublicKey(context.Background(), server.URL+"/u/nobody#main-key")
	assert.ErrorIs(err, model.ErrNotFound)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	assert := assert.New(t)

	fetches := atomic.Int32{}
	_, keyID, _ := newActorServer(t, &fetches, 0)

	svc := newTestService(t, "file:keystore_invalidate.db?mode=memory&cache=shared")

	_, err := svc.PublicKey(context.Background(), keyID)
	assert.NoError(err)
	assert.Equal(int32(1), fetches.Load())

	err = svc.Invalidate(keyID)
	assert.NoError(err)

	_, err = svc.PublicKey(context.Background(), keyID)
	assert.NoError(err)
	assert.Equal(int32(2), fetches.Load())
}

func TestPrivateKey(t *testing.T) {
	assert := assert.New(t)

	svc := newTestService(t, "file:keystore_private.db?mode=memory&cache=shared")

	_, err := svc.store.db.Exec(`insert into users (id, created_at, handle, private_key, public_key)
		values (?, ?, ?, ?, ?)`,
		"u123", time.Now().UTC(), "alice", "PRIVATE-PEM", "PUBLIC-PEM")
	require.NoError(t, err)

	keyPEM, err := svc.PrivateKey("u123")
	assert.NoError(err)
	assert.Equal("PRIVATE-PEM", keyPEM)

	_, err = svc.PrivateKey("missing")
	assert.ErrorIs(err, model.ErrNotFound)
}
