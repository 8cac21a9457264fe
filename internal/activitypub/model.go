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
package activitypub

import (
	"encoding/json"
	"fmt"

	"github.com/jdudmesh/propolis-social/internal/model"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"

	// PublicCollection addresses an activity to the world at large. Its
	// presence in to/cc is what makes a post public.
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeJRD          = "application/jrd+json"
	AcceptActivityJSON      = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

type ActivityType int

const (
	ActivityTypeUnknown ActivityType = iota
	ActivityTypeCreate
	ActivityTypeFollow
	ActivityTypeAccept
	ActivityTypeReject
	ActivityTypeUndo
	ActivityTypeLike
)

func ParseActivityType(raw string) ActivityType {
	switch raw {
	case "Create":
		return ActivityTypeCreate
	case "Follow":
		return ActivityTypeFollow
	case "Accept":
		return ActivityTypeAccept
	case "Reject":
		return ActivityTypeReject
	case "Undo":
		return ActivityTypeUndo
	case "Like":
		return ActivityTypeLike
	}
	return ActivityTypeUnknown
}

type Activity struct {
	Context   any             `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Published string          `json:"published,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
}

// ObjectURI returns the activity object as a bare URI. Accept, Reject and
// Undo frequently carry the full embedded activity rather than its id, so
// fall back to the embedded object's id field.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}

	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}

	embedded := struct {
		ID string `json:"id"`
	}{}
	if err := json.Unmarshal(a.Object, &embedded); err == nil {
		return embedded.ID
	}

	return ""
}

// EmbeddedActivity decodes the object field as a nested activity (the shape
// of Accept/Reject/Undo wrapping the original Follow).
func (a *Activity) EmbeddedActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity %s: no object", a.ID)
	}
	inner := &Activity{}
	err := json.Unmarshal(a.Object, inner)
	if err != nil {
		return nil, fmt.Errorf("decoding embedded activity: %w", err)
	}
	return inner, nil
}

type Note struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Published    string   `json:"published,omitempty"`
	AttributedTo string   `json:"attributedTo"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	Content      string   `json:"content"`
	Summary      string   `json:"summary,omitempty"`
	Sensitive    bool     `json:"sensitive,omitempty"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
}

type Actor struct {
	Context           any       `json:"@context"`
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	PreferredUsername string    `json:"preferredUsername"`
	Name              string    `json:"name,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Inbox             string    `json:"inbox"`
	Outbox            string    `json:"outbox"`
	Followers         string    `json:"followers,omitempty"`
	Endpoints         Endpoints `json:"endpoints,omitempty"`
	PubKey            PublicKey `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// VisibilityOf applies the addressing rule: a note is public iff the public
// collection appears in its to or cc list, otherwise it is followers-only.
func VisibilityOf(to, cc []string) model.Visibility {
	for _, addr := range to {
		if addr == PublicCollection {
			return model.VisibilityPublic
		}
	}
	for _, addr := range cc {
		if addr == PublicCollection {
			return model.VisibilityPublic
		}
	}
	return model.VisibilityFollowers
}
