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
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/httpsig"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRetryCount    = 2
	defaultRetryWait     = 500 * time.Millisecond
	defaultRetryMaxWait  = 5 * time.Second
	defaultMaxConcurrent = 8
	maxRedirects         = 3
)

type Target struct {
	ActorURI string
	Inbox    string
}

type Result struct {
	Inbox      string
	Succeeded  bool
	StatusCode int
	Attempts   int
	Err        error
}

type Config struct {
	UserAgent     string
	Logger        *slog.Logger
	Timeout       time.Duration
	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	MaxConcurrent int
}

// Engine pushes signed activities to remote inboxes. Deliveries fan out
// concurrently up to a bound; transport errors and 5xx responses are retried
// with capped exponential backoff, everything else is terminal on the first
// response.
type Engine struct {
	client        *resty.Client
	logger        *slog.Logger
	maxConcurrent int
}

func New(config Config) *Engine {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RetryCount == 0 {
		config.RetryCount = defaultRetryCount
	}
	if config.RetryWait == 0 {
		config.RetryWait = defaultRetryWait
	}
	if config.RetryMaxWait == 0 {
		config.RetryMaxWait = defaultRetryMaxWait
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(config.RetryWait).
		SetRetryMaxWaitTime(config.RetryMaxWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", activitypub.ContentTypeActivityJSON).
		SetHeader("Accept", activitypub.AcceptActivityJSON).
		SetHeader("User-Agent", config.UserAgent)

	return &Engine{
		client:        client,
		logger:        config.Logger,
		maxConcurrent: config.MaxConcurrent,
	}
}

// Deliver signs the activity with the given key and posts it to each target
// inbox. Targets sharing an inbox URL are collapsed into one delivery. Every
// target gets a Result; one inbox failing never blocks the others.
func (e *Engine) Deliver(ctx context.Context, activity *activitypub.Activity, keyID, privateKeyPEM string, targets []Target) ([]Result, error) {
	signer, err := httpsig.NewSigner(privateKeyPEM, keyID)
	if err != nil {
		e.logger.Error("delivery aborted", "activity", activity.ID, "key", keyID, "error", err)
		return nil, err
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("serializing activity %s: %w", activity.ID, err)
	}

	inboxes := dedupeInboxes(targets)
	results := make([]Result, len(inboxes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)
	for i, inbox := range inboxes {
		g.Go(func() error {
			results[i] = e.deliverOne(ctx, signer, inbox, body)
			return nil
		})
	}
	g.Wait()

	return results, nil
}

func (e *Engine) deliverOne(ctx context.Context, signer *httpsig.Signer, inbox string, body []byte) Result {
	headers, err := signer.Sign(http.MethodPost, inbox, body)
	if err != nil {
		e.logger.Error("signing delivery", "inbox", inbox, "error", err)
		return Result{Inbox: inbox, Err: err}
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(inbox)

	result := Result{Inbox: inbox}
	if resp != nil {
		result.StatusCode = resp.StatusCode()
		result.Attempts = resp.Request.Attempt
	}

	switch {
	case err != nil:
		result.Err = fmt.Errorf("delivering to %s: %w", inbox, err)
		e.logger.Error("delivery failed", "inbox", inbox, "attempts", result.Attempts, "error", err)
	case resp.IsSuccess():
		result.Succeeded = true
		e.logger.Debug("delivered", "inbox", inbox, "status", result.StatusCode)
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		// signature rejected; the remote may hold a stale copy of our key,
		// so retrying the same signature is pointless
		result.Err = fmt.Errorf("delivering to %s: signature rejected: %d", inbox, result.StatusCode)
		e.logger.Error("delivery rejected", "inbox", inbox, "status", result.StatusCode)
	default:
		result.Err = fmt.Errorf("delivering to %s: status %d after %d attempts", inbox, result.StatusCode, result.Attempts)
		e.logger.Error("delivery failed", "inbox", inbox, "status", result.StatusCode, "attempts", result.Attempts)
	}

	return result
}

// dedupeInboxes collapses targets sharing one (shared) inbox URL, preserving
// first-seen order.
func dedupeInboxes(targets []Target) []string {
	seen := map[string]struct{}{}
	inboxes := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Inbox == "" {
			continue
		}
		if _, ok := seen[t.Inbox]; ok {
			continue
		}
		seen[t.Inbox] = struct{}{}
		inboxes = append(inboxes, t.Inbox)
	}
	return inboxes
}
