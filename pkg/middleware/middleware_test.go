package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
	"github.com/theaddresstech/modular-ddd/pkg/txn"
)

type registerUser struct {
	ID    domain.AggregateID `json:"id" valid:"-"`
	Email string             `json:"email" valid:"required,email"`

	meta map[string]string
}

func (c registerUser) CommandType() string             { return "user.register" }
func (c registerUser) AggregateID() domain.AggregateID { return c.ID }
func (c registerUser) Metadata() map[string]string     { return c.meta }

// suspendUser carries a business rule beyond its struct tags.
type suspendUser struct {
	ID     domain.AggregateID `json:"id" valid:"-"`
	Reason string             `json:"reason" valid:"-"`
}

func (c suspendUser) CommandType() string             { return "user.suspend" }
func (c suspendUser) AggregateID() domain.AggregateID { return c.ID }

func (c suspendUser) Validate() error {
	if c.Reason == "" {
		return &domain.ValidationError{Fields: map[string]string{"reason": "a suspension reason is required"}}
	}
	return nil
}

func passthrough(result any) commandbus.Next {
	return func(context.Context, commandbus.Command) (any, error) { return result, nil }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	mw := NewValidation()

	t.Run("valid command passes through", func(t *testing.T) {
		result, err := mw.Handle(ctx, registerUser{ID: "u-1", Email: "ada@example.com"}, passthrough("ok"))
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
	})

	t.Run("tag violations become a validation error", func(t *testing.T) {
		_, err := mw.Handle(ctx, registerUser{ID: "u-1", Email: "not-an-email"}, passthrough(nil))
		require.ErrorIs(t, err, domain.ErrValidationFailed)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.NotEmpty(t, ve.Fields)
	})

	t.Run("business rules run after tags", func(t *testing.T) {
		_, err := mw.Handle(ctx, suspendUser{ID: "u-1"}, passthrough(nil))
		require.ErrorIs(t, err, domain.ErrValidationFailed)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Fields, "reason")

		_, err = mw.Handle(ctx, suspendUser{ID: "u-1", Reason: "fraud"}, passthrough(nil))
		assert.NoError(t, err)
	})
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	admin := Principal{ID: "p-1", Roles: []string{"admin"}, Permissions: []string{"users:write"}}

	t.Run("no policy passes in non-strict mode", func(t *testing.T) {
		mw := NewAuthorization()
		_, err := mw.Handle(ctx, registerUser{ID: "u-1"}, passthrough(nil))
		assert.NoError(t, err)
	})

	t.Run("no policy is denied in strict mode", func(t *testing.T) {
		mw := NewAuthorization(WithStrict())
		_, err := mw.Handle(ctx, registerUser{ID: "u-1"}, passthrough(nil))
		assert.ErrorIs(t, err, domain.ErrAuthorizationFailed)
	})

	t.Run("policy requires an authenticated principal", func(t *testing.T) {
		mw := NewAuthorization()
		mw.SetPolicy("user.register", Policy{Permissions: []string{"users:write"}})

		_, err := mw.Handle(ctx, registerUser{ID: "u-1"}, passthrough(nil))
		require.ErrorIs(t, err, domain.ErrAuthorizationFailed)

		authed := WithPrincipal(ctx, admin)
		_, err = mw.Handle(authed, registerUser{ID: "u-1"}, passthrough(nil))
		assert.NoError(t, err)
	})

	t.Run("missing permission is named in the error", func(t *testing.T) {
		mw := NewAuthorization()
		mw.SetPolicy("user.register", Policy{Permissions: []string{"users:admin"}})

		_, err := mw.Handle(WithPrincipal(ctx, admin), registerUser{ID: "u-1"}, passthrough(nil))
		var ae *domain.AuthorizationError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "permission users:admin", ae.Missing)
		assert.Equal(t, "p-1", ae.PrincipalID)
	})

	t.Run("any listed role suffices", func(t *testing.T) {
		mw := NewAuthorization()
		mw.SetPolicy("user.register", Policy{Roles: []string{"support", "admin"}})

		_, err := mw.Handle(WithPrincipal(ctx, admin), registerUser{ID: "u-1"}, passthrough(nil))
		assert.NoError(t, err)

		viewer := Principal{ID: "p-2", Roles: []string{"viewer"}}
		_, err = mw.Handle(WithPrincipal(ctx, viewer), registerUser{ID: "u-1"}, passthrough(nil))
		assert.ErrorIs(t, err, domain.ErrAuthorizationFailed)
	})

	t.Run("ownership and custom predicates", func(t *testing.T) {
		mw := NewAuthorization()
		mw.SetPolicy("user.register", Policy{
			Owner: func(principal Principal, cmd commandbus.Command) bool {
				return string(cmd.AggregateID()) == principal.ID
			},
		})

		_, err := mw.Handle(WithPrincipal(ctx, admin), registerUser{ID: "p-1"}, passthrough(nil))
		assert.NoError(t, err)
		_, err = mw.Handle(WithPrincipal(ctx, admin), registerUser{ID: "someone-else"}, passthrough(nil))
		assert.ErrorIs(t, err, domain.ErrAuthorizationFailed)
	})
}

func TestTransaction(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE audit_log (command_type TEXT NOT NULL)`)
	require.NoError(t, err)

	mw := NewTransaction(txn.NewManager(db))

	auditRows := func(t *testing.T) int {
		t.Helper()
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n))
		return n
	}
	insert := func(ctx context.Context, cmd commandbus.Command) error {
		tx, ok := TxFrom(ctx)
		if !ok {
			return errors.New("no transaction in scope")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO audit_log (command_type) VALUES (?)`, cmd.CommandType())
		return err
	}

	t.Run("handler writes commit on success", func(t *testing.T) {
		result, err := mw.Handle(ctx, registerUser{ID: "u-1"}, func(ctx context.Context, cmd commandbus.Command) (any, error) {
			return "done", insert(ctx, cmd)
		})
		require.NoError(t, err)
		assert.Equal(t, "done", result)
		assert.Equal(t, 1, auditRows(t))
	})

	t.Run("handler failure rolls everything back", func(t *testing.T) {
		before := auditRows(t)
		_, err := mw.Handle(ctx, registerUser{ID: "u-2"}, func(ctx context.Context, cmd commandbus.Command) (any, error) {
			if err := insert(ctx, cmd); err != nil {
				return nil, err
			}
			return nil, errors.New("boom")
		})
		require.Error(t, err)
		assert.Equal(t, before, auditRows(t))
	})

	t.Run("post-commit hooks fire after durability", func(t *testing.T) {
		fired := false
		_, err := mw.Handle(ctx, registerUser{ID: "u-3"}, func(ctx context.Context, cmd commandbus.Command) (any, error) {
			require.NoError(t, txn.AfterCommit(ctx, func() { fired = true }))
			return nil, insert(ctx, cmd)
		})
		require.NoError(t, err)
		assert.True(t, fired)
	})

	t.Run("metadata opts a command out of the scope", func(t *testing.T) {
		cmd := registerUser{ID: "u-4", meta: map[string]string{MetadataTransactionKey: "none"}}
		assert.False(t, mw.ShouldProcess(cmd))
		assert.True(t, mw.ShouldProcess(registerUser{ID: "u-5"}))
	})
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	mw := NewRecovery(discardLogger())

	t.Run("panic becomes an error", func(t *testing.T) {
		_, err := mw.Handle(ctx, registerUser{ID: "u-1"}, func(context.Context, commandbus.Command) (any, error) {
			panic("nil map write")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "user.register")
		assert.Contains(t, err.Error(), "nil map write")
	})

	t.Run("normal results pass through", func(t *testing.T) {
		result, err := mw.Handle(ctx, registerUser{ID: "u-1"}, passthrough(42))
		require.NoError(t, err)
		assert.Equal(t, 42, result)
	})
}

func TestPipeline(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{
		ID:          "p-1",
		Permissions: []string{"users:write"},
	})

	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE registered_users (user_id TEXT PRIMARY KEY, email TEXT NOT NULL)`)
	require.NoError(t, err)

	logger := discardLogger()
	authz := NewAuthorization(WithStrict())
	authz.SetPolicy("user.register", Policy{Permissions: []string{"users:write"}})

	bus := commandbus.New()
	bus.Use(NewRecovery(logger))
	bus.Use(NewValidation())
	bus.Use(authz)
	bus.Use(NewTransaction(txn.NewManager(db)))
	bus.Use(NewLogging(logger))
	require.NoError(t, bus.Register("user.register", commandbus.HandlerFunc(
		func(ctx context.Context, cmd commandbus.Command) (any, error) {
			tx, ok := TxFrom(ctx)
			if !ok {
				return nil, errors.New("no transaction in scope")
			}
			user := cmd.(registerUser)
			_, err := tx.ExecContext(ctx,
				`INSERT INTO registered_users (user_id, email) VALUES (?, ?)`,
				string(user.ID), user.Email)
			return string(user.ID), err
		})))

	userRows := func(t *testing.T) int {
		t.Helper()
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM registered_users`).Scan(&n))
		return n
	}

	t.Run("valid authorized command commits", func(t *testing.T) {
		result, err := bus.Dispatch(ctx, registerUser{ID: "u-1", Email: "ada@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "u-1", result)
		assert.Equal(t, 1, userRows(t))
	})

	t.Run("invalid command never reaches the database", func(t *testing.T) {
		_, err := bus.Dispatch(ctx, registerUser{ID: "u-2", Email: "not-an-email"})
		require.ErrorIs(t, err, domain.ErrValidationFailed)
		assert.Equal(t, 1, userRows(t))
	})

	t.Run("unauthenticated command is denied", func(t *testing.T) {
		_, err := bus.Dispatch(context.Background(), registerUser{ID: "u-3", Email: "bob@example.com"})
		require.ErrorIs(t, err, domain.ErrAuthorizationFailed)
		assert.Equal(t, 1, userRows(t))
	})

	t.Run("duplicate insert rolls back and surfaces the error", func(t *testing.T) {
		_, err := bus.Dispatch(ctx, registerUser{ID: "u-1", Email: "ada@example.com"})
		require.Error(t, err)
		assert.Equal(t, 1, userRows(t))
	})
}
