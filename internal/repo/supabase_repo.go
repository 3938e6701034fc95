package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"

	"github.com/xxxsen/vcode/internal/model"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
	"github.com/xxxsen/vcode/internal/pkg/timeutil"
)

// Supabase tables and views. See internal/db/supabase/schema.sql.
const (
	supabaseCodeTable      = "verification_codes"
	supabaseProfileTable   = "profiles"
	supabaseDirectoryView  = "account_directory"
	supabaseReturnRows     = "representation"
	supabaseExactRowsCount = "exact"
)

type supabaseCodeRow struct {
	ID        string    `json:"id,omitempty"`
	Email     string    `json:"email"`
	CodeHash  string    `json:"code_hash"`
	Purpose   string    `json:"purpose"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toSupabaseRow(code *model.VerificationCode) supabaseCodeRow {
	return supabaseCodeRow{
		ID:        code.ID,
		Email:     code.Email,
		CodeHash:  code.CodeHash,
		Purpose:   code.Purpose,
		UserID:    code.UserID,
		CreatedAt: time.Unix(code.Ctime, 0).UTC(),
		ExpiresAt: time.Unix(code.ExpiresAt, 0).UTC(),
	}
}

func (r supabaseCodeRow) toModel() *model.VerificationCode {
	return &model.VerificationCode{
		ID:        r.ID,
		Email:     r.Email,
		CodeHash:  r.CodeHash,
		Purpose:   r.Purpose,
		UserID:    r.UserID,
		Ctime:     r.CreatedAt.Unix(),
		ExpiresAt: r.ExpiresAt.Unix(),
	}
}

func supabaseTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

type postgrestQuery interface {
	Execute() ([]byte, int64, error)
}

type postgrestResult struct {
	data  []byte
	count int64
	err   error
}

// execute bounds a PostgREST call by ctx. The client takes no context and
// its http.Client has no timeout, so a call abandoned here keeps running in
// the background until the server answers or drops the connection.
func execute(ctx context.Context, q postgrestQuery) ([]byte, int64, error) {
	done := make(chan postgrestResult, 1)
	go func() {
		data, count, err := q.Execute()
		done <- postgrestResult{data: data, count: count, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case res := <-done:
		return res.data, res.count, res.err
	}
}

// SupabaseCodeRepo keeps codes in the backend's verification_codes table.
type SupabaseCodeRepo struct {
	client *supa.Client
}

func NewSupabaseCodeRepo(client *supa.Client) *SupabaseCodeRepo {
	return &SupabaseCodeRepo{client: client}
}

// Issue upserts on the unique email column.
func (r *SupabaseCodeRepo) Issue(ctx context.Context, code *model.VerificationCode) error {
	_, _, err := execute(ctx, r.client.From(supabaseCodeTable).
		Insert(toSupabaseRow(code), true, "email", "minimal", ""))
	if err != nil {
		return fmt.Errorf("upsert verification code: %w", err)
	}
	return nil
}

func (r *SupabaseCodeRepo) Lookup(ctx context.Context, email, code string, now int64) (*model.VerificationCode, error) {
	data, _, err := execute(ctx, r.client.From(supabaseCodeTable).
		Select("*", "", false).
		Eq("email", email).
		Gt("expires_at", supabaseTime(now)).
		Limit(1, ""))
	if err != nil {
		return nil, fmt.Errorf("select verification code: %w", err)
	}
	var rows []supabaseCodeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, appErr.ErrNotFound
	}
	return matchCode(rows[0].toModel(), code, now)
}

func (r *SupabaseCodeRepo) Consume(ctx context.Context, id string) error {
	data, _, err := execute(ctx, r.client.From(supabaseCodeTable).
		Delete(supabaseReturnRows, "").
		Eq("id", id))
	if err != nil {
		return fmt.Errorf("delete verification code: %w", err)
	}
	var rows []supabaseCodeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func (r *SupabaseCodeRepo) PurgeExpired(ctx context.Context, before int64) (int64, error) {
	_, count, err := execute(ctx, r.client.From(supabaseCodeTable).
		Delete("minimal", supabaseExactRowsCount).
		Lte("expires_at", supabaseTime(before)))
	if err != nil {
		return 0, fmt.Errorf("purge verification codes: %w", err)
	}
	return count, nil
}

type supabaseAccountRow struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
}

// SupabaseAccountRepo resolves accounts through the account_directory view,
// which joins auth.users with profiles.
type SupabaseAccountRepo struct {
	client *supa.Client
}

func NewSupabaseAccountRepo(client *supa.Client) *SupabaseAccountRepo {
	return &SupabaseAccountRepo{client: client}
}

func (r *SupabaseAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	data, _, err := execute(ctx, r.client.From(supabaseDirectoryView).
		Select("id,email,email_verified", "", false).
		Eq("email", email).
		Order("email", &postgrest.OrderOpts{Ascending: true}).
		Limit(1, ""))
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	var rows []supabaseAccountRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, appErr.ErrNotFound
	}
	account := &model.Account{ID: rows[0].ID, Email: rows[0].Email}
	if rows[0].EmailVerified != nil {
		account.EmailVerified = *rows[0].EmailVerified
	}
	return account, nil
}

func (r *SupabaseAccountRepo) MarkEmailVerified(ctx context.Context, id string) error {
	data, _, err := execute(ctx, r.client.From(supabaseProfileTable).
		Update(map[string]interface{}{
			"email_verified": true,
			"updated_at":     supabaseTime(timeutil.NowUnix()),
		}, supabaseReturnRows, "").
		Eq("id", id))
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return appErr.ErrNotFound
	}
	return nil
}
