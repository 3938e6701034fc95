package repo

import (
	"github.com/xxxsen/vcode/internal/model"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
	"github.com/xxxsen/vcode/internal/pkg/password"
)

// matchCode checks the plain code against a record loaded by email.
func matchCode(item *model.VerificationCode, code string, now int64) (*model.VerificationCode, error) {
	if item.ExpiresAt <= now || !password.Matches(item.CodeHash, code) {
		return nil, appErr.ErrNotFound
	}
	return item, nil
}
