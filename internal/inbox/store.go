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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/jmoiron/sqlx"
)

type store struct {
	db *sqlx.DB
}

func (s *store) IsProcessed(activityID string) (bool, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from activities where id = ?`, activityID)
	if err != nil {
		return false, fmt.Errorf("is activity processed: %w", err)
	}
	return count > 0, nil
}

func (s *store) MarkProcessed(activityID, activityType, actor string) error {
	_, err := s.db.Exec(`insert into activities (id, processed_at, activity_type, actor)
		values (?, ?, ?, ?)
		on conflict(id) do nothing`,
		activityID, time.Now().UTC(), activityType, actor)
	if err != nil {
		return fmt.Errorf("mark activity processed: %w", err)
	}
	return nil
}

// UpsertFollow records a follow request. At most one row exists per
// (follower, following) pair; re-sending a Follow never downgrades an
// already accepted relationship.
func (s *store) UpsertFollow(follower, following string, status model.FollowStatus) error {
	_, err := s.db.Exec(`insert into follows (id, created_at, follower, following, status)
		values (?, ?, ?, ?, ?)
		on conflict(follower, following) do nothing`,
		model.NewID(), time.Now().UTC(), follower, following, status)
	if err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}
	return nil
}

func (s *store) AcceptFollow(follower, following string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`update follows set status = ?, updated_at = ?
		where follower = ? and following = ?`,
		model.FollowStatusAccepted, now, follower, following)
	if err != nil {
		return fmt.Errorf("accept follow: %w", err)
	}
	return nil
}

func (s *store) DeleteFollow(follower, following string) error {
	_, err := s.db.Exec(`delete from follows where follower = ? and following = ?`, follower, following)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

func (s *store) GetFollow(follower, following string) (*model.Follow, error) {
	follow := &model.Follow{}
	err := s.db.Get(follow, `select * from follows where follower = ? and following = ?`, follower, following)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get follow: %w", err)
	}
	return follow, nil
}

func (s *store) CountFollows(follower, following string) (int, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from follows where follower = ? and following = ?`, follower, following)
	if err != nil {
		return 0, fmt.Errorf("count follows: %w", err)
	}
	return count, nil
}

// CreatePost persists an inbound note. Keyed by the note's id so replays
// are no-ops.
func (s *store) CreatePost(post *model.Post) error {
	_, err := s.db.NamedExec(`insert into posts (id, created_at, published_at, author, content, visibility, in_reply_to, content_warning, sensitive)
		values (:id, :created_at, :published_at, :author, :content, :visibility, :in_reply_to, :content_warning, :sensitive)
		on conflict(id) do nothing`, post)
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (s *store) GetPost(id string) (*model.Post, error) {
	post := &model.Post{}
	err := s.db.Get(post, `select * from posts where id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

func (s *store) CountPosts(id string) (int, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from posts where id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return count, nil
}
