package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/vcode/internal/codegen"
	"github.com/xxxsen/vcode/internal/metrics"
	"github.com/xxxsen/vcode/internal/model"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
	"github.com/xxxsen/vcode/internal/pkg/password"
	"github.com/xxxsen/vcode/internal/ratelimit"
	"github.com/xxxsen/vcode/internal/repo"
)

const (
	codeTTL = 30 * time.Minute

	opSend        = "send"
	opVerify      = "verify"
	opVerifyEmail = "verify-email"
)

// UnknownUserID is stored when no account matched the email at issue time.
var UnknownUserID = uuid.Nil.String()

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type Limiters struct {
	Send        ratelimit.Limiter
	Verify      ratelimit.Limiter
	VerifyEmail ratelimit.Limiter
}

type SendCodeRequest struct {
	Email    string
	Purpose  string
	ClientIP string
}

type VerifyCodeRequest struct {
	Email    string
	Code     string
	Purpose  string
	ClientIP string
}

type VerificationService struct {
	codes    repo.CodeRepo
	accounts repo.AccountRepo
	sender   CodeSender
	gen      codegen.Generator
	limiters Limiters
	now      func() time.Time
}

type Option func(*VerificationService)

func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) {
		s.now = now
	}
}

func WithGenerator(gen codegen.Generator) Option {
	return func(s *VerificationService) {
		s.gen = gen
	}
}

func NewVerificationService(codes repo.CodeRepo, accounts repo.AccountRepo, sender CodeSender, limiters Limiters, opts ...Option) *VerificationService {
	s := &VerificationService{
		codes:    codes,
		accounts: accounts,
		sender:   sender,
		gen:      codegen.New(),
		limiters: limiters,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", appErr.Invalid("Email is required")
	}
	if !emailPattern.MatchString(email) {
		return "", appErr.Invalid("Invalid email format")
	}
	return email, nil
}

func normalizePurpose(purpose string) (string, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return model.PurposeEmailVerification, nil
	}
	if !model.IsValidPurpose(purpose) {
		return "", appErr.Invalid("Unsupported purpose")
	}
	return purpose, nil
}

// SendCode issues a fresh code for the email, replacing any previous one,
// and dispatches it. The code never leaves the service other than through
// the sender.
func (s *VerificationService) SendCode(ctx context.Context, req SendCodeRequest) error {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return err
	}
	purpose, err := normalizePurpose(req.Purpose)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("email", email),
		zap.String("purpose", purpose),
		zap.String("client_ip", req.ClientIP),
	)

	if err := s.take(ctx, s.limiters.Send, ratelimit.Key(req.ClientIP, email, opSend), opSend); err != nil {
		logger.Warn("send code rate limited", zap.Error(err))
		return err
	}

	userID := UnknownUserID
	account, err := s.accounts.FindByEmail(ctx, email)
	switch {
	case err == nil:
		userID = account.ID
	case appErr.IsNotFound(err):
		if purpose == model.PurposePasswordReset {
			logger.Info("password reset requested for unknown account")
			return appErr.ErrAccountNotFound
		}
	default:
		logger.Error("resolve account failed", zap.Error(err))
		if purpose == model.PurposePasswordReset {
			return fmt.Errorf("resolve account: %w", err)
		}
	}

	code, err := s.gen.Generate()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}
	hash, err := password.Hash(code)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}
	now := s.now()
	item := &model.VerificationCode{
		ID:        uuid.NewString(),
		Email:     email,
		CodeHash:  hash,
		Purpose:   purpose,
		UserID:    userID,
		Ctime:     now.Unix(),
		ExpiresAt: now.Add(codeTTL).Unix(),
	}
	if err := s.codes.Issue(ctx, item); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	if err := s.sender.Send(ctx, &CodeMessage{
		Email:     email,
		Purpose:   purpose,
		Code:      code,
		ExpiresAt: time.Unix(item.ExpiresAt, 0),
	}); err != nil {
		metrics.DispatchErrors.WithLabelValues(s.sender.Name()).Inc()
		return fmt.Errorf("dispatch code: %w", err)
	}
	metrics.CodesIssued.WithLabelValues(purpose).Inc()
	logger.Info("verification code sent", zap.String("code_id", item.ID))
	return nil
}

// VerifyCode checks a code for either purpose. On success the record is
// consumed, the limiter key is cleared and, for email verification, the
// account is flagged verified. A password-reset success only confirms the
// code; changing the password is up to the caller.
func (s *VerificationService) VerifyCode(ctx context.Context, req VerifyCodeRequest) error {
	purpose, err := normalizePurpose(req.Purpose)
	if err != nil {
		return err
	}
	return s.verify(ctx, req, purpose, s.limiters.Verify, opVerify)
}

// VerifyEmail is the older email-only endpoint. It has no lockout stage.
func (s *VerificationService) VerifyEmail(ctx context.Context, req VerifyCodeRequest) error {
	return s.verify(ctx, req, model.PurposeEmailVerification, s.limiters.VerifyEmail, opVerifyEmail)
}

func (s *VerificationService) verify(ctx context.Context, req VerifyCodeRequest, purpose string, limiter ratelimit.Limiter, op string) error {
	code := strings.TrimSpace(req.Code)
	if strings.TrimSpace(req.Email) == "" || code == "" {
		return appErr.Invalid("Email and code are required")
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("email", email),
		zap.String("purpose", purpose),
		zap.String("client_ip", req.ClientIP),
		zap.String("operation", op),
	)

	key := ratelimit.Key(req.ClientIP, email, op)
	if err := s.take(ctx, limiter, key, op); err != nil {
		logger.Warn("verify code rate limited", zap.Error(err))
		return err
	}
	logger.Info("verification attempt")

	item, err := s.codes.Lookup(ctx, email, code, s.now().Unix())
	if err != nil && !appErr.IsNotFound(err) {
		return fmt.Errorf("lookup code: %w", err)
	}
	if err == nil && item.Purpose != purpose {
		item = nil
	}
	if item != nil {
		if err := s.codes.Consume(ctx, item.ID); err != nil {
			if !appErr.IsNotFound(err) {
				return fmt.Errorf("consume code: %w", err)
			}
			// a concurrent request consumed it first
			item = nil
		}
	}
	if item == nil {
		return s.fail(ctx, limiter, key, op, logger)
	}

	if purpose == model.PurposeEmailVerification {
		s.markVerified(ctx, item, logger)
	}
	if _, err := limiter.Record(ctx, key, true); err != nil {
		logger.Error("reset rate limit failed", zap.Error(err))
	}
	metrics.Verifications.WithLabelValues(op, "success").Inc()
	logger.Info("verification succeeded")
	return nil
}

func (s *VerificationService) fail(ctx context.Context, limiter ratelimit.Limiter, key, op string, logger *zap.Logger) error {
	d, err := limiter.Record(ctx, key, false)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if d.State == ratelimit.Locked {
		metrics.Verifications.WithLabelValues(op, "locked").Inc()
		logger.Warn("verification locked after consecutive failures", zap.Duration("retry_after", d.RetryAfter))
		return &appErr.RateLimitError{Locked: true, RetryAfter: d.RetryAfter}
	}
	metrics.Verifications.WithLabelValues(op, "invalid").Inc()
	return appErr.ErrInvalidCode
}

// markVerified is best effort. The code is already consumed, so a failure
// here is logged and the verification still succeeds.
func (s *VerificationService) markVerified(ctx context.Context, item *model.VerificationCode, logger *zap.Logger) {
	userID := item.UserID
	if userID == "" || userID == UnknownUserID {
		account, err := s.accounts.FindByEmail(ctx, item.Email)
		if err != nil {
			logger.Warn("no account to mark verified", zap.Error(err))
			return
		}
		userID = account.ID
	}
	if err := s.accounts.MarkEmailVerified(ctx, userID); err != nil {
		logger.Error("mark email verified failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *VerificationService) take(ctx context.Context, limiter ratelimit.Limiter, key, op string) error {
	d, err := limiter.Hit(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	switch d.State {
	case ratelimit.Locked:
		metrics.RateLimited.WithLabelValues(op, d.State.String()).Inc()
		return &appErr.RateLimitError{Locked: true, RetryAfter: d.RetryAfter}
	case ratelimit.Throttled:
		metrics.RateLimited.WithLabelValues(op, d.State.String()).Inc()
		return &appErr.RateLimitError{RetryAfter: d.RetryAfter}
	}
	return nil
}
