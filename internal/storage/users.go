package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
)

// CreateUser creates a user record on the primary partition and returns its id.
func (c *Cluster) CreateUser(ctx context.Context, username, passwordHash, displayName string) (int64, error) {
	c.logger.Debugf("Creating user (%s)", username)

	var id int64
	sql := "insert into users (username, password_hash, display_name, created_at) values ($1, $2, $3, $4) returning id"
	err := c.primary().QueryRow(ctx, sql, username, passwordHash, displayName, time.Now()).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return 0, ErrUserExists
			}
		}
		return 0, err
	}

	c.logger.Debugf("Created user (%s) with id %d", username, id)

	return id, nil
}

// UserByUsername returns the full user record including credential hash and
// banned flag, which the login handler verifies.
func (c *Cluster) UserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	sql := "select id, username, password_hash, display_name, coalesce(avatar, ''::bytea), banned from users where username = $1"
	err := c.primary().QueryRow(ctx, sql, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Avatar, &u.Banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}

	return u, nil
}

// SearchUsers matches username or display name against a substring, ordered by
// username, capped at limit.
func (c *Cluster) SearchUsers(ctx context.Context, keyword string, limit int) ([]User, error) {
	c.logger.Debugf("Searching users by %q", keyword)

	sql := `select id, username, display_name, banned
			  from users
			 where username ilike $1 or display_name ilike $1
			 order by username asc
			 limit $2`

	rows, err := c.primary().Query(ctx, sql, "%"+keyword+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Banned); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return users, nil
}

// UpdateAvatar replaces the inline avatar blob of a user.
func (c *Cluster) UpdateAvatar(ctx context.Context, userID int64, avatar []byte) error {
	tag, err := c.primary().Exec(ctx, "update users set avatar = $1 where id = $2", avatar, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// SetBanned flips the banned flag; banned users are rejected at login.
func (c *Cluster) SetBanned(ctx context.Context, username string, banned bool) error {
	tag, err := c.primary().Exec(ctx, "update users set banned = $1 where username = $2", banned, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// usernamesByIDs resolves sender ids to usernames with one primary query.
// Messages carry no FK to users since they live on other partitions.
func (c *Cluster) usernamesByIDs(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	rows, err := c.primary().Query(ctx, "select id, username from users where id = any($1)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, err
		}
		names[id] = username
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return names, nil
}
