package identity

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jdudmesh/propolis-social/internal/model"
	"github.com/jmoiron/sqlx"
)

type store struct {
	db *sqlx.DB
}

func (s *store) GetUserByHandle(handle string) (*model.User, error) {
	user := &model.User{}
	err := s.db.Get(user, `select * from users where handle = ?`, handle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get user by handle: %w", err)
	}
	return user, nil
}

func (s *store) PutUser(user *model.User) error {
	_, err := s.db.NamedExec(`
		insert into users (id, created_at, handle, display_name, summary, private_key, public_key)
		values (:id, :created_at, :handle, :display_name, :summary, :private_key, :public_key)
	`, user)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}
