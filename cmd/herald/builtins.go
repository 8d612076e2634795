package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meridianworks/herald/pkg/registry"
	"github.com/meridianworks/herald/pkg/tx"
)

// registerBuiltins installs the server's own RPC surface. Business objects
// register theirs the same way before the registry is frozen.
func registerBuiltins(reg *registry.Registry) error {
	methods := []*registry.Method{
		{
			Kind:   registry.KindModel,
			Object: "ir.server",
			Name:   "version",
			Desc: registry.Descriptor{
				ReadOnly: true,
				Cache:    &registry.CachePolicy{MaxAge: time.Hour, Public: true},
			},
			Call: func(ctx context.Context, t *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
				return version, nil
			},
		},
		{
			Kind:   registry.KindModel,
			Object: "ir.server",
			Name:   "ping",
			Desc:   registry.Descriptor{ReadOnly: true},
			Call: func(ctx context.Context, t *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
				return "pong", nil
			},
		},
		{
			Kind:   registry.KindModel,
			Object: "res.user",
			Name:   "read",
			Desc: registry.Descriptor{
				ReadOnly:    true,
				Instantiate: intPtr(0),
			},
			Scalar: readUser,
		},
	}
	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func readUser(ctx context.Context, t *tx.Transaction, id int64, args []any, kwargs map[string]any) (any, error) {
	var login string
	err := t.QueryRow(ctx, `SELECT login FROM res_user WHERE id = $1 AND active`, id).Scan(&login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tx.UserError{Message: "user not found"}
	}
	if err != nil {
		return nil, tx.Classify(err)
	}
	return map[string]any{"id": id, "login": login}, nil
}

func intPtr(v int) *int { return &v }
