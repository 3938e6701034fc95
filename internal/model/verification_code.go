package model

const (
	PurposeEmailVerification = "email-verification"
	PurposePasswordReset     = "password-reset"
)

func IsValidPurpose(purpose string) bool {
	return purpose == PurposeEmailVerification || purpose == PurposePasswordReset
}

// VerificationCode is a stored code. Only the bcrypt hash of the code is
// persisted.
type VerificationCode struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CodeHash  string `json:"code_hash"`
	Purpose   string `json:"purpose"`
	UserID    string `json:"user_id"`
	Ctime     int64  `json:"ctime"`
	ExpiresAt int64  `json:"expires_at"`
}
