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
package model

import (
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var ErrAlreadyExists = errors.New("entity already exists")
var ErrNotFound = errors.New("entity not found")

func NewID() string {
	return gonanoid.Must()
}

type FollowStatus int

const (
	FollowStatusPending FollowStatus = iota
	FollowStatusAccepted
)

type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityFollowers
)

type User struct {
	ID          string     `db:"id"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
	Handle      string     `db:"handle"`
	DisplayName string     `db:"display_name"`
	Summary     string     `db:"summary"`
	PrivateKey  string     `db:"private_key"`
	PublicKey   string     `db:"public_key"`
}

type Follow struct {
	ID        string       `db:"id"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt *time.Time   `db:"updated_at"`
	Follower  string       `db:"follower"`
	Following string       `db:"following"`
	Status    FollowStatus `db:"status"`
}

type Post struct {
	ID             string     `db:"id"`
	CreatedAt      time.Time  `db:"created_at"`
	PublishedAt    time.Time  `db:"published_at"`
	Author         string     `db:"author"`
	Content        string     `db:"content"`
	Visibility     Visibility `db:"visibility"`
	InReplyTo      string     `db:"in_reply_to"`
	ContentWarning string     `db:"content_warning"`
	Sensitive      bool       `db:"sensitive"`
}

type RemoteKey struct {
	ID        string     `db:"id"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
	Owner     string     `db:"owner"`
	PublicKey string     `db:"public_key"`
}

type InboundActivity struct {
	ID          string    `db:"id"`
	ProcessedAt time.Time `db:"processed_at"`
	Type        string    `db:"activity_type"`
	Actor       string    `db:"actor"`
}
