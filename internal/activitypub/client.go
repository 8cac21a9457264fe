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
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jdudmesh/propolis-social/internal/model"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 3
)

// Client fetches remote federation documents.
type Client struct {
	rc *resty.Client
}

func NewClient(userAgent string) *Client {
	rc := resty.New().
		SetTimeout(defaultTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetHeader("Accept", AcceptActivityJSON).
		SetHeader("User-Agent", userAgent)

	return &Client{rc: rc}
}

// FetchActor retrieves and decodes a remote actor document.
func (c *Client) FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	actor := &Actor{}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(actor).
		Get(actorURL)
	if err != nil {
		return nil, fmt.Errorf("fetching actor %s: %w", actorURL, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone:
		return nil, model.ErrNotFound
	case resp.IsError():
		return nil, fmt.Errorf("fetching actor %s: status %d", actorURL, resp.StatusCode())
	}

	return actor, nil
}

// Inbox resolves an actor URI to its inbox URL, preferring the shared inbox
// when the remote instance advertises one.
func (c *Client) Inbox(ctx context.Context, actorURL string) (string, error) {
	actor, err := c.FetchActor(ctx, actorURL)
	if err != nil {
		return "", err
	}
	if actor.Endpoints.SharedInbox != "" {
		return actor.Endpoints.SharedInbox, nil
	}
	if actor.Inbox == "" {
		return "", fmt.Errorf("actor %s: no inbox", actorURL)
	}
	return actor.Inbox, nil
}
