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
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/delivery"
	"github.com/jdudmesh/propolis-social/internal/identity"
	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/jmoiron/sqlx"
)

// AcceptPolicy decides whether an inbound follow request is accepted
// automatically. The state machine itself never makes that call.
type AcceptPolicy interface {
	ShouldAccept(ctx context.Context, follower, following string) bool
}

type acceptAll struct{}

func (acceptAll) ShouldAccept(context.Context, string, string) bool { return true }

type acceptNone struct{}

func (acceptNone) ShouldAccept(context.Context, string, string) bool { return false }

func AcceptAll() AcceptPolicy  { return acceptAll{} }
func AcceptNone() AcceptPolicy { return acceptNone{} }

// Deliverer pushes a signed activity to remote inboxes.
type Deliverer interface {
	Deliver(ctx context.Context, activity *activitypub.Activity, keyID, privateKeyPEM string, targets []delivery.Target) ([]delivery.Result, error)
}

// InboxResolver maps a remote actor URI to its inbox URL.
type InboxResolver interface {
	Inbox(ctx context.Context, actorURL string) (string, error)
}

type Config struct {
	Logger *slog.Logger
	Policy AcceptPolicy
}

// Processor applies verified inbound activities to local state. Processing
// is idempotent per activity id: a replay of an already processed activity
// is a no-op.
type Processor struct {
	store     *store
	logger    *slog.Logger
	policy    AcceptPolicy
	identity  *identity.Service
	deliverer Deliverer
	resolver  InboxResolver
}

func New(config Config, db *sqlx.DB, ident *identity.Service, deliverer Deliverer, resolver InboxResolver) (*Processor, error) {
	if config.Policy == nil {
		config.Policy = AcceptNone()
	}

	return &Processor{
		store:     &store{db: db},
		logger:    config.Logger,
		policy:    config.Policy,
		identity:  ident,
		deliverer: deliverer,
		resolver:  resolver,
	}, nil
}

func (p *Processor) Process(ctx context.Context, body []byte) error {
	activity := &activitypub.Activity{}
	err := json.Unmarshal(body, activity)
	if err != nil {
		return fmt.Errorf("decoding activity: %w", err)
	}

	if activity.ID != "" {
		processed, err := p.store.IsProcessed(activity.ID)
		if err != nil {
			return fmt.Errorf("checking activity %s: %w", activity.ID, err)
		}
		if processed {
			p.logger.Debug("replayed activity, skipping", "activity", activity.ID)
			return nil
		}
	}

	switch activitypub.ParseActivityType(activity.Type) {
	case activitypub.ActivityTypeCreate:
		err = p.processCreate(ctx, activity)
	case activitypub.ActivityTypeFollow:
		err = p.processFollow(ctx, activity)
	case activitypub.ActivityTypeAccept:
		err = p.processAccept(ctx, activity)
	case activitypub.ActivityTypeReject:
		err = p.processReject(ctx, activity)
	case activitypub.ActivityTypeUndo:
		err = p.processUndo(ctx, activity)
	case activitypub.ActivityTypeLike:
		// not surfaced anywhere yet, but a recognized type
		p.logger.Debug("like received", "activity", activity.ID, "actor", activity.Actor)
	default:
		// peers must not be penalized for types we don't implement
		p.logger.Info("unrecognized activity type", "type", activity.Type, "activity", activity.ID, "actor", activity.Actor)
	}
	if err != nil {
		return err
	}

	if activity.ID != "" {
		err = p.store.MarkProcessed(activity.ID, activity.Type, activity.Actor)
		if err != nil {
			return fmt.Errorf("marking activity %s: %w", activity.ID, err)
		}
	}

	return nil
}

func (p *Processor) processCreate(_ context.Context, activity *activitypub.Activity) error {
	note := &activitypub.Note{}
	err := json.Unmarshal(activity.Object, note)
	if err != nil {
		return fmt.Errorf("decoding note: %w", err)
	}

	if note.Type != "" && note.Type != "Note" {
		p.logger.Info("unsupported object type", "type", note.Type, "activity", activity.ID)
		return nil
	}
	if note.ID == "" {
		return fmt.Errorf("activity %s: note has no id", activity.ID)
	}

	author := note.AttributedTo
	if author == "" {
		author = activity.Actor
	}

	to := append(append([]string{}, note.To...), activity.To...)
	cc := append(append([]string{}, note.Cc...), activity.Cc...)

	published := time.Now().UTC()
	if note.Published != "" {
		if ts, err := time.Parse(time.RFC3339, note.Published); err == nil {
			published = ts
		}
	}

	post := &model.Post{
		ID:             note.ID,
		CreatedAt:      time.Now().UTC(),
		PublishedAt:    published,
		Author:         author,
		Content:        note.Content,
		Visibility:     activitypub.VisibilityOf(to, cc),
		InReplyTo:      note.InReplyTo,
		ContentWarning: note.Summary,
		Sensitive:      note.Sensitive,
	}

	err = p.store.CreatePost(post)
	if err != nil {
		return fmt.Errorf("storing post %s: %w", note.ID, err)
	}

	return nil
}

func (p *Processor) processFollow(ctx context.Context, activity *activitypub.Activity) error {
	follower := activity.Actor
	following := activity.ObjectURI()
	if follower == "" || following == "" {
		return fmt.Errorf("activity %s: follow missing actor or object", activity.ID)
	}

	local, err := p.identity.ActorByURI(following)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			p.logger.Info("follow for unknown local actor", "activity", activity.ID, "following", following)
			return nil
		}
		return fmt.Errorf("resolving follow target: %w", err)
	}

	err = p.store.UpsertFollow(follower, following, model.FollowStatusPending)
	if err != nil {
		return fmt.Errorf("storing follow: %w", err)
	}

	if !p.policy.ShouldAccept(ctx, follower, following) {
		return nil
	}

	err = p.store.AcceptFollow(follower, following)
	if err != nil {
		return fmt.Errorf("accepting follow: %w", err)
	}

	p.sendAccept(ctx, activity, local)

	return nil
}

// sendAccept notifies the follower that their request was accepted. The
// follow is already recorded, so a delivery failure is logged rather than
// failing the inbound request; the remote will re-send the Follow if it
// never sees our Accept.
func (p *Processor) sendAccept(ctx context.Context, followActivity *activitypub.Activity, local *model.User) {
	inboxURL, err := p.resolver.Inbox(ctx, followActivity.Actor)
	if err != nil {
		p.logger.Error("resolving follower inbox", "actor", followActivity.Actor, "error", err)
		return
	}

	object, err := json.Marshal(followActivity)
	if err != nil {
		p.logger.Error("encoding follow for accept", "activity", followActivity.ID, "error", err)
		return
	}

	accept := &activitypub.Activity{
		Context:   activitypub.ContextActivityStreams,
		ID:        p.identity.NewActivityURI(),
		Type:      "Accept",
		Actor:     p.identity.ActorURI(local),
		Object:    object,
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        []string{followActivity.Actor},
	}

	results, err := p.deliverer.Deliver(ctx, accept, p.identity.KeyID(local), local.PrivateKey, []delivery.Target{
		{ActorURI: followActivity.Actor, Inbox: inboxURL},
	})
	if err != nil {
		p.logger.Error("delivering accept", "activity", accept.ID, "error", err)
		return
	}
	for _, r := range results {
		if !r.Succeeded {
			p.logger.Error("delivering accept", "activity", accept.ID, "inbox", r.Inbox, "error", r.Err)
		}
	}
}

// processAccept finalizes an outbound follow: the remote actor has accepted
// the embedded Follow that one of our users sent.
func (p *Processor) processAccept(_ context.Context, activity *activitypub.Activity) error {
	inner, err := activity.EmbeddedActivity()
	if err != nil {
		p.logger.Info("accept with unsupported object shape", "activity", activity.ID, "error", err)
		return nil
	}
	if activitypub.ParseActivityType(inner.Type) != activitypub.ActivityTypeFollow {
		p.logger.Info("accept for unsupported object", "type", inner.Type, "activity", activity.ID)
		return nil
	}

	follower := inner.Actor
	following := activity.Actor

	err = p.store.AcceptFollow(follower, following)
	if err != nil {
		return fmt.Errorf("accepting follow: %w", err)
	}

	return nil
}

func (p *Processor) processReject(_ context.Context, activity *activitypub.Activity) error {
	inner, err := activity.EmbeddedActivity()
	if err != nil {
		p.logger.Info("reject with unsupported object shape", "activity", activity.ID, "error", err)
		return nil
	}
	if activitypub.ParseActivityType(inner.Type) != activitypub.ActivityTypeFollow {
		p.logger.Info("reject for unsupported object", "type", inner.Type, "activity", activity.ID)
		return nil
	}

	err = p.store.DeleteFollow(inner.Actor, activity.Actor)
	if err != nil {
		return fmt.Errorf("deleting follow: %w", err)
	}

	return nil
}

func (p *Processor) processUndo(_ context.Context, activity *activitypub.Activity) error {
	inner, err := activity.EmbeddedActivity()
	if err != nil {
		p.logger.Info("undo with unsupported object shape", "activity", activity.ID, "error", err)
		return nil
	}
	if activitypub.ParseActivityType(inner.Type) != activitypub.ActivityTypeFollow {
		p.logger.Info("undo for unsupported object", "type", inner.Type, "activity", activity.ID)
		return nil
	}

	follower := inner.Actor
	if follower == "" {
		follower = activity.Actor
	}
	following := inner.ObjectURI()
	if following == "" {
		return fmt.Errorf("activity %s: undone follow has no object", activity.ID)
	}

	err = p.store.DeleteFollow(follower, following)
	if err != nil {
		return fmt.Errorf("deleting follow: %w", err)
	}

	return nil
}
