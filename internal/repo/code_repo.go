package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/vcode/internal/model"
	"github.com/xxxsen/vcode/internal/pkg/dbutil"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
)

const codeTable = "verification_codes"

var codeFields = []string{"id", "email", "code_hash", "purpose", "user_id", "ctime", "expires_at"}

// upsertCodeSQL relies on the unique index on email so concurrent issuances
// leave a single row behind.
const upsertCodeSQL = `INSERT INTO verification_codes (id, email, code_hash, purpose, user_id, ctime, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (email) DO UPDATE SET
	id = EXCLUDED.id,
	code_hash = EXCLUDED.code_hash,
	purpose = EXCLUDED.purpose,
	user_id = EXCLUDED.user_id,
	ctime = EXCLUDED.ctime,
	expires_at = EXCLUDED.expires_at`

type PostgresCodeRepo struct {
	db *sql.DB
}

func NewPostgresCodeRepo(db *sql.DB) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: db}
}

func (r *PostgresCodeRepo) Issue(ctx context.Context, code *model.VerificationCode) error {
	_, err := r.db.ExecContext(ctx, upsertCodeSQL,
		code.ID, code.Email, code.CodeHash, code.Purpose, code.UserID, code.Ctime, code.ExpiresAt)
	return err
}

func (r *PostgresCodeRepo) Lookup(ctx context.Context, email, code string, now int64) (*model.VerificationCode, error) {
	where := map[string]interface{}{
		"email":        email,
		"expires_at >": now,
		"_limit":       []uint{0, 1},
	}
	sqlStr, args, err := builder.BuildSelect(codeTable, where, codeFields)
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
	var item model.VerificationCode
	if err := rows.Scan(&item.ID, &item.Email, &item.CodeHash, &item.Purpose, &item.UserID, &item.Ctime, &item.ExpiresAt); err != nil {
		return nil, err
	}
	return matchCode(&item, code, now)
}

func (r *PostgresCodeRepo) Consume(ctx context.Context, id string) error {
	result, err := r.delete(ctx, map[string]interface{}{"id": id})
	if err != nil {
		return err
	}
	return dbutil.MustAffect(result)
}

func (r *PostgresCodeRepo) PurgeExpired(ctx context.Context, before int64) (int64, error) {
	result, err := r.delete(ctx, map[string]interface{}{"expires_at <=": before})
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PostgresCodeRepo) delete(ctx context.Context, where map[string]interface{}) (sql.Result, error) {
	sqlStr, args, err := builder.BuildDelete(codeTable, where)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return r.db.ExecContext(ctx, sqlStr, args...)
}
