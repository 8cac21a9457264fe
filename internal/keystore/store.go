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
package keystore

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

func (s *store) GetRemoteKey(keyID string) (*model.RemoteKey, error) {
	key := &model.RemoteKey{}
	err := s.db.Get(key, `select * from remote_keys where id = ?`, keyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get remote key: %w", err)
	}
	return key, nil
}

func (s *store) PutRemoteKey(key *model.RemoteKey) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`insert into remote_keys (id, created_at, owner, public_key)
		values (?, ?, ?, ?)
		on conflict(id) do update
		set updated_at = ?, owner = ?, public_key = ?`,
		key.ID,
		now,
		key.Owner,
		key.PublicKey,
		now,
		key.Owner,
		key.PublicKey)
	if err != nil {
		return fmt.Errorf("put remote key: %w", err)
	}
	return nil
}

func (s *store) DeleteRemoteKey(keyID string) error {
	_, err := s.db.Exec(`delete from remote_keys where id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("delete remote key: %w", err)
	}
	return nil
}

func (s *store) GetUser(id string) (*model.User, error) {
	user := &model.User{}
	err := s.db.Get(user, `select * from users where id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
