package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/httpsig"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Sends a signed Follow to a running instance. Usage:
//
//	go run scripts/sendfollow.go <inbox-url> <actor-uri> <target-actor-uri> <private-key.pem>
//
// The actor URI must resolve to a document whose key matches the PEM file,
// otherwise the receiving server will reject the signature.
func main() {
	if len(os.Args) != 5 {
		log.Fatal("usage: sendfollow <inbox-url> <actor-uri> <target-actor-uri> <private-key.pem>")
	}

	inboxURL := os.Args[1]
	actorURI := os.Args[2]
	targetURI := os.Args[3]

	keyPEM, err := os.ReadFile(os.Args[4])
	if err != nil {
		log.Fatalf("reading key: %v", err)
	}

	object, _ := json.Marshal(targetURI)
	activity := activitypub.Activity{
		Context:   activitypub.ContextActivityStreams,
		ID:        fmt.Sprintf("%s/activity/%s", actorURI, gonanoid.Must()),
		Type:      "Follow",
		Actor:     actorURI,
		Object:    object,
		Published: time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(activity)
	if err != nil {
		log.Fatalf("marshalling activity: %v", err)
	}

	signer, err := httpsig.NewSigner(string(keyPEM), actorURI+"#main-key")
	if err != nil {
		log.Fatalf("creating signer: %v", err)
	}

	headers, err := signer.Sign(http.MethodPost, inboxURL, body)
	if err != nil {
		log.Fatalf("signing request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("building request: %v", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", activitypub.ContentTypeActivityJSON)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("sending request: %v", err)
	}
	defer res.Body.Close()

	resBody, _ := io.ReadAll(res.Body)
	fmt.Printf("%s\n%s\n", res.Status, resBody)
}
