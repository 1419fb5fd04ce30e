// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

// PostgreSQL implementations of the auth repositories.
//
// # Architecture
//
// Repositories here are strictly separated from domain logic. They implement
// the domain-defined interfaces ([UserRepository], [PasswordLinkRepository])
// using the [pgxpool.Pool] connection manager.
//
// # Error Mapping
//
// Storage-specific errors (like pgx.ErrNoRows) are mapped to domain-friendly
// [apperr.AppError] types to avoid leaking storage implementation details.

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rknop/rkwebutil/internal/platform/apperr"
	"github.com/rknop/rkwebutil/internal/platform/dberr"
	"github.com/rknop/rkwebutil/internal/platform/sec"
	"github.com/rknop/rkwebutil/pkg/uuid"
)

// # User Repository

// PostgresUserRepository implements the UserRepository interface using pgx.
type PostgresUserRepository struct {
	pool      *pgxpool.Pool
	useGroups bool
}

// NewUserRepository creates a new PostgreSQL implementation of the UserRepository.
// When useGroups is set, lookups also hydrate the user's group names.
func NewUserRepository(pool *pgxpool.Pool, useGroups bool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool, useGroups: useGroups}
}

/*
FindByID retrieves a user record by its UUID primary key.

Parameters:
  - context: context.Context
  - id: string

Returns:
  - *User: Hydrated account entity
  - error: apperr.NoSuchUser or database errors
*/
func (repository *PostgresUserRepository) FindByID(context context.Context, id string) (*User, error) {
	const query = `
		SELECT id, username, displayname, email, pubkey, privkey
		FROM authuser
		WHERE id = $1`

	user := &User{}
	err := repository.pool.QueryRow(context, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.Email,
		&user.Pubkey,
		&user.Privkey,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NoSuchUser("I don't know the user you're looking for")
		}
		return nil, fmt.Errorf("postgres_user_repo_find_by_id_failed: %w", err)
	}

	if err := repository.attachGroups(context, user); err != nil {
		return nil, err
	}

	return user, nil
}

/*
FindByUsername retrieves a user record by username.

Description: Usernames carry a unique constraint, but the query still scans
every match and reports a DATA_INTEGRITY error if more than one row comes
back, since the whole login handshake keys off this lookup.

Parameters:
  - context: context.Context
  - username: string

Returns:
  - *User: Hydrated account entity
  - error: apperr.NoSuchUser, apperr.DataIntegrity, or database errors
*/
func (repository *PostgresUserRepository) FindByUsername(context context.Context, username string) (*User, error) {
	const query = `
		SELECT id, username, displayname, email, pubkey, privkey
		FROM authuser
		WHERE username = $1`

	rows, err := repository.pool.Query(context, query, username)
	if err != nil {
		return nil, fmt.Errorf("postgres_user_repo_find_by_username_failed: %w", err)
	}

	users, err := scanUsers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres_user_repo_find_by_username_failed: %w", err)
	}

	switch len(users) {
	case 0:
		return nil, apperr.NoSuchUser(fmt.Sprintf("No such user %s", username))
	case 1:
		if err := repository.attachGroups(context, users[0]); err != nil {
			return nil, err
		}
		return users[0], nil
	default:
		return nil, apperr.DataIntegrity(fmt.Sprintf("Multiple users with username %s", username))
	}
}

/*
FindAllByEmail retrieves every user record registered under an email address.

Description: Emails are deliberately not unique; one person can own multiple
accounts. An empty slice with a nil error means no matches.

Parameters:
  - context: context.Context
  - email: string

Returns:
  - []*User: Zero or more hydrated entities
  - error: Database errors
*/
func (repository *PostgresUserRepository) FindAllByEmail(context context.Context, email string) ([]*User, error) {
	const query = `
		SELECT id, username, displayname, email, pubkey, privkey
		FROM authuser
		WHERE email = $1
		ORDER BY username`

	rows, err := repository.pool.Query(context, query, email)
	if err != nil {
		return nil, fmt.Errorf("postgres_user_repo_find_by_email_failed: %w", err)
	}

	users, err := scanUsers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres_user_repo_find_by_email_failed: %w", err)
	}

	for _, user := range users {
		if err := repository.attachGroups(context, user); err != nil {
			return nil, err
		}
	}

	return users, nil
}

// scanUsers collects all rows into User entities. The privkey JSONB column
// unmarshals straight into the *sec.Envelope field via pgx's JSON support.
func scanUsers(rows pgx.Rows) ([]*User, error) {
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user := &User{}
		if err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.DisplayName,
			&user.Email,
			&user.Pubkey,
			&user.Privkey,
		); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// attachGroups hydrates the user's group names when group support is on.
func (repository *PostgresUserRepository) attachGroups(context context.Context, user *User) error {
	if !repository.useGroups {
		return nil
	}

	const query = `
		SELECT g.name
		FROM authgroup g
		JOIN auth_user_group ug ON ug.groupid = g.id
		WHERE ug.userid = $1
		ORDER BY g.name`

	rows, err := repository.pool.Query(context, query, user.ID)
	if err != nil {
		return fmt.Errorf("postgres_user_repo_groups_failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("postgres_user_repo_groups_failed: %w", err)
		}
		user.Groups = append(user.Groups, name)
	}
	return rows.Err()
}

// # Password Link Repository

// PostgresPasswordLinkRepository implements PasswordLinkRepository using pgx.
type PostgresPasswordLinkRepository struct {
	pool *pgxpool.Pool
}

// NewPasswordLinkRepository creates a new PostgreSQL implementation of the
// PasswordLinkRepository.
func NewPasswordLinkRepository(pool *pgxpool.Pool) *PostgresPasswordLinkRepository {
	return &PostgresPasswordLinkRepository{pool: pool}
}

/*
Create persists a fresh reset link for the user.

Description: The link id is a random UUIDv4 generated here; it is the secret
the emailed URL carries, so it never comes from the caller.

Parameters:
  - context: context.Context
  - userID: string
  - ttl: time.Duration

Returns:
  - *PasswordLink: The created link
  - error: Persistence failures
*/
func (repository *PostgresPasswordLinkRepository) Create(context context.Context, userID string, ttl time.Duration) (*PasswordLink, error) {
	const query = `
		INSERT INTO passwordlink (id, userid, expires)
		VALUES ($1, $2, $3)`

	link := &PasswordLink{
		ID:      uuid.New(),
		UserID:  userID,
		Expires: time.Now().Add(ttl),
	}

	if _, err := repository.pool.Exec(context, query, link.ID, link.UserID, link.Expires); err != nil {
		// A unique violation here means a UUID collision, which dberr
		// classifies as a data-integrity fault.
		return nil, fmt.Errorf("postgres_link_repo_create_failed: %w", dberr.Wrap(err))
	}

	return link, nil
}

/*
Find retrieves a reset link by id without consuming it.

Parameters:
  - context: context.Context
  - linkID: string

Returns:
  - *PasswordLink: Hydrated entity
  - error: apperr.LinkNotFound or database errors
*/
func (repository *PostgresPasswordLinkRepository) Find(context context.Context, linkID string) (*PasswordLink, error) {
	const query = `
		SELECT id, userid, expires
		FROM passwordlink
		WHERE id = $1`

	link := &PasswordLink{}
	err := repository.pool.QueryRow(context, query, linkID).Scan(&link.ID, &link.UserID, &link.Expires)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.LinkNotFound("Unknown password reset link")
		}
		return nil, fmt.Errorf("postgres_link_repo_find_failed: %w", err)
	}

	return link, nil
}

/*
Consume atomically redeems a reset link.

Description: Runs a single transaction that locks the link row (SELECT FOR
UPDATE), checks expiry, installs the new key material on the owning user, and
deletes the link. Row locking makes concurrent redemption race-free: the
loser blocks until commit, then sees no row and gets LINK_NOT_FOUND.

An expired link rolls back without touching the user row.

Parameters:
  - context: context.Context
  - linkID: string
  - pubkeyPEM: string
  - envelope: *sec.Envelope

Returns:
  - error: apperr.LinkNotFound, apperr.LinkExpired, or database errors
*/
func (repository *PostgresPasswordLinkRepository) Consume(context context.Context, linkID string, pubkeyPEM string, envelope *sec.Envelope) error {
	transaction, err := repository.pool.Begin(context)
	if err != nil {
		return fmt.Errorf("postgres_link_repo_consume_begin_failed: %w", err)
	}
	// Rollback is a no-op after a successful commit.
	defer func() { _ = transaction.Rollback(context) }()

	const lockQuery = `
		SELECT userid, expires
		FROM passwordlink
		WHERE id = $1
		FOR UPDATE`

	var userID string
	var expires time.Time
	err = transaction.QueryRow(context, lockQuery, linkID).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.LinkNotFound("Unknown password reset link")
		}
		return fmt.Errorf("postgres_link_repo_consume_lock_failed: %w", err)
	}

	if time.Now().After(expires) {
		return apperr.LinkExpired("Password reset link has expired")
	}

	const updateQuery = `
		UPDATE authuser
		SET pubkey = $1, privkey = $2
		WHERE id = $3`

	if _, err := transaction.Exec(context, updateQuery, pubkeyPEM, envelope, userID); err != nil {
		return fmt.Errorf("postgres_link_repo_consume_update_failed: %w", dberr.Wrap(err))
	}

	const deleteQuery = `DELETE FROM passwordlink WHERE id = $1`

	if _, err := transaction.Exec(context, deleteQuery, linkID); err != nil {
		return fmt.Errorf("postgres_link_repo_consume_delete_failed: %w", err)
	}

	if err := transaction.Commit(context); err != nil {
		return fmt.Errorf("postgres_link_repo_consume_commit_failed: %w", err)
	}

	return nil
}
