package repo

import (
	"context"

	"github.com/xxxsen/vcode/internal/model"
)

// CodeRepo keeps at most one live verification code per email.
type CodeRepo interface {
	// Issue replaces whatever code the email had with code. Only
	// code.CodeHash is stored.
	Issue(ctx context.Context, code *model.VerificationCode) error
	// Lookup returns the live record of email when its hash matches code.
	// Missing, expired and mismatched codes are all ErrNotFound.
	Lookup(ctx context.Context, email, code string, now int64) (*model.VerificationCode, error)
	// Consume deletes the record. ErrNotFound means somebody else consumed it.
	Consume(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, before int64) (int64, error)
}

// AccountRepo is the slice of the identity provider the verification flows
// need.
type AccountRepo interface {
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	MarkEmailVerified(ctx context.Context, id string) error
}
