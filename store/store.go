package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/senacrud/crudauth/models"
)

const userColumns = `id, first_name, last_name, username, email, password, enabled, account_locked,
	failed_attempts, external_auth, created_at, updated_at`

// Store provides manual-SQL access to users and roles.
type Store struct {
	DB  *DB
	now func() time.Time
}

func New(db *DB, opts ...Option) *Store {
	s := &Store{DB: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ensureDB() (*sqlx.DB, error) {
	if s == nil || s.DB == nil || s.DB.DB == nil {
		return nil, fmt.Errorf("nil db")
	}
	return s.DB.DB, nil
}

// ErrNotFound reports whether err means the row does not exist.
func ErrNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, models.ErrUserNotFound) || errors.Is(err, models.ErrRoleNotFound)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, "email = ?", normalizeEmail(email))
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findUser(ctx, "username = ?", strings.TrimSpace(username))
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

// FindUserByLogin matches either the username or the email.
func (s *Store) FindUserByLogin(ctx context.Context, usernameOrEmail string) (*models.User, error) {
	v := strings.TrimSpace(usernameOrEmail)
	return s.findUser(ctx, "username = ? OR email = ?", v, normalizeEmail(v))
}

func (s *Store) findUser(ctx context.Context, where string, args ...any) (*models.User, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	stmt := s.DB.Rebind("SELECT " + userColumns + " FROM users WHERE " + where + " LIMIT 1")
	var user models.User
	if err := db.GetContext(ctx, &user, stmt, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, err
	}
	roles, err := s.userRoles(ctx, db, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

func (s *Store) userRoles(ctx context.Context, q sqlx.QueryerContext, userID int64) ([]models.Role, error) {
	stmt := s.DB.Rebind(`SELECT r.id, r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = ? ORDER BY r.id`)
	roles := []models.Role{}
	if err := sqlx.SelectContext(ctx, q, &roles, stmt, userID); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "username = ?", strings.TrimSpace(username))
}

func (s *Store) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "email = ?", normalizeEmail(email))
}

func (s *Store) exists(ctx context.Context, where string, args ...any) (bool, error) {
	db, err := s.ensureDB()
	if err != nil {
		return false, err
	}
	stmt := s.DB.Rebind("SELECT COUNT(1) FROM users WHERE " + where)
	var n int
	if err := db.GetContext(ctx, &n, stmt, args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (*models.Role, error) {
	db, err := s.ensureDB()
	if err != nil {
		return nil, err
	}
	stmt := s.DB.Rebind("SELECT id, name FROM roles WHERE name = ?")
	var role models.Role
	if err := db.GetContext(ctx, &role, stmt, strings.ToUpper(strings.TrimSpace(name))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRoleNotFound
		}
		return nil, err
	}
	return &role, nil
}

// SaveUser inserts a new user (ID == 0) or updates an existing one, then
// replaces its role links. Both happen in one transaction.
func (s *Store) SaveUser(ctx context.Context, user *models.User) error {
	if _, err := s.ensureDB(); err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("nil user")
	}
	user.Email = normalizeEmail(user.Email)
	now := s.now().UTC()

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if user.ID == 0 {
		err = s.insertUser(ctx, tx, user, now)
	} else {
		err = s.updateUser(ctx, tx, user, now)
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.syncRoles(ctx, tx, user); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) insertUser(ctx context.Context, tx *sqlx.Tx, user *models.User, now time.Time) error {
	stmt := s.DB.Rebind(`INSERT INTO users(
		first_name, last_name, username, email, password, enabled, account_locked,
		failed_attempts, external_auth, created_at, updated_at
	) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	var id int64
	err := tx.QueryRowxContext(ctx, stmt,
		user.FirstName,
		user.LastName,
		user.Username,
		user.Email,
		user.Password,
		user.Enabled,
		user.AccountLocked,
		user.FailedAttempts,
		user.ExternalAuth,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return err
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *Store) updateUser(ctx context.Context, tx *sqlx.Tx, user *models.User, now time.Time) error {
	stmt := s.DB.Rebind(`UPDATE users SET
		first_name = ?, last_name = ?, username = ?, email = ?, password = ?, enabled = ?,
		account_locked = ?, failed_attempts = ?, external_auth = ?, updated_at = ?
		WHERE id = ?`)
	res, err := tx.ExecContext(ctx, stmt,
		user.FirstName,
		user.LastName,
		user.Username,
		user.Email,
		user.Password,
		user.Enabled,
		user.AccountLocked,
		user.FailedAttempts,
		user.ExternalAuth,
		now,
		user.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrUserNotFound
	}
	user.UpdatedAt = now
	return nil
}

func (s *Store) syncRoles(ctx context.Context, tx *sqlx.Tx, user *models.User) error {
	del := s.DB.Rebind("DELETE FROM user_roles WHERE user_id = ?")
	if _, err := tx.ExecContext(ctx, del, user.ID); err != nil {
		return err
	}
	ins := s.DB.Rebind("INSERT INTO user_roles(user_id, role_id) VALUES(?, ?) ON CONFLICT DO NOTHING")
	lookup := s.DB.Rebind("SELECT id FROM roles WHERE name = ?")
	for i := range user.Roles {
		role := &user.Roles[i]
		if role.ID == 0 {
			if err := tx.GetContext(ctx, &role.ID, lookup, role.Name); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return models.ErrRoleNotFound
				}
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, ins, user.ID, role.ID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFailedAttempts stores the failed login counter for a user.
func (s *Store) UpdateFailedAttempts(ctx context.Context, userID int64, attempts int) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind("UPDATE users SET failed_attempts = ?, updated_at = ? WHERE id = ?")
	_, err = db.ExecContext(ctx, stmt, attempts, s.now().UTC(), userID)
	return err
}

// IncrementFailedAttempts bumps the failed login counter in one statement
// and locks the account once it reaches lockAt. It returns the new counter
// and lock flag, so concurrent failures never lose an increment.
func (s *Store) IncrementFailedAttempts(ctx context.Context, userID int64, lockAt int) (int, bool, error) {
	db, err := s.ensureDB()
	if err != nil {
		return 0, false, err
	}
	stmt := s.DB.Rebind(`UPDATE users SET
		failed_attempts = failed_attempts + 1,
		account_locked = (account_locked OR failed_attempts + 1 >= ?),
		updated_at = ?
		WHERE id = ?
		RETURNING failed_attempts, account_locked`)
	var (
		attempts int
		locked   bool
	)
	err = db.QueryRowxContext(ctx, stmt, lockAt, s.now().UTC(), userID).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, models.ErrUserNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return attempts, locked, nil
}

// UpdateAccountLock sets the lock flag. Unlocking also resets the counter.
func (s *Store) UpdateAccountLock(ctx context.Context, userID int64, locked bool) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	var stmt string
	if locked {
		stmt = s.DB.Rebind("UPDATE users SET account_locked = ?, updated_at = ? WHERE id = ?")
	} else {
		stmt = s.DB.Rebind("UPDATE users SET account_locked = ?, failed_attempts = 0, updated_at = ? WHERE id = ?")
	}
	res, err := db.ExecContext(ctx, stmt, locked, s.now().UTC(), userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}
