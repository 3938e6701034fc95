package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/vcode/internal/model"
	"github.com/xxxsen/vcode/internal/pkg/dbutil"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
	"github.com/xxxsen/vcode/internal/pkg/timeutil"
)

type PostgresAccountRepo struct {
	db *sql.DB
}

func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	return r.getOne(ctx, map[string]interface{}{"email": email})
}

func (r *PostgresAccountRepo) MarkEmailVerified(ctx context.Context, id string) error {
	where := map[string]interface{}{"id": id}
	update := map[string]interface{}{
		"email_verified": true,
		"mtime":          timeutil.NowUnix(),
	}
	sqlStr, args, err := builder.BuildUpdate("users", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	return dbutil.MustAffect(result)
}

func (r *PostgresAccountRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.Account, error) {
	where["_limit"] = []uint{0, 1}
	sqlStr, args, err := builder.BuildSelect("users", where, []string{"id", "email", "email_verified", "ctime", "mtime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, appErr.ErrNotFound
	}
	var account model.Account
	if err := rows.Scan(&account.ID, &account.Email, &account.EmailVerified, &account.Ctime, &account.Mtime); err != nil {
		return nil, err
	}
	return &account, nil
}
