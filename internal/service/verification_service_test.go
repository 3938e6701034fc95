package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/vcode/internal/codegen"
	"github.com/xxxsen/vcode/internal/model"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
	"github.com/xxxsen/vcode/internal/ratelimit"
	"github.com/xxxsen/vcode/internal/repo"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAccounts struct {
	mu       sync.Mutex
	byEmail  map[string]*model.Account
	verified map[string]bool
	findErr  error
}

func newFakeAccounts(accounts ...*model.Account) *fakeAccounts {
	f := &fakeAccounts{byEmail: map[string]*model.Account{}, verified: map[string]bool{}}
	for _, a := range accounts {
		f.byEmail[a.Email] = a
	}
	return f
}

func (f *fakeAccounts) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	a, ok := f.byEmail[email]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) MarkEmailVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[id] = true
	return nil
}

func (f *fakeAccounts) isVerified(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified[id]
}

type recordingSender struct {
	mu   sync.Mutex
	sent []CodeMessage
	err  error
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(_ context.Context, msg *CodeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, *msg)
	return nil
}

func (s *recordingSender) codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Code)
	}
	return out
}

func (s *recordingSender) last(t *testing.T) CodeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

type sequenceGenerator struct {
	next atomic.Int64
}

func (g *sequenceGenerator) Generate() (string, error) {
	return fmt.Sprintf("%05d", 20000+g.next.Add(1)), nil
}

type fixture struct {
	svc      *VerificationService
	codes    repo.CodeRepo
	redis    *redis.Client
	accounts *fakeAccounts
	sender   *recordingSender
	clock    *testClock
}

func newFixture(t *testing.T, gen codegen.Generator, accounts ...*model.Account) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// code keys get a real TTL, so the clock starts at the wall clock
	clock := &testClock{now: time.Now()}
	f := &fixture{
		codes:    repo.NewRedisCodeRepo(client),
		redis:    client,
		accounts: newFakeAccounts(accounts...),
		sender:   &recordingSender{},
		clock:    clock,
	}
	limiters := Limiters{
		Send:        ratelimit.NewMemory(ratelimit.SendPolicy, ratelimit.WithClock(clock.Now)),
		Verify:      ratelimit.NewMemory(ratelimit.VerifyPolicy, ratelimit.WithClock(clock.Now)),
		VerifyEmail: ratelimit.NewMemory(ratelimit.VerifyEmailPolicy, ratelimit.WithClock(clock.Now)),
	}
	opts := []Option{WithClock(clock.Now)}
	if gen != nil {
		opts = append(opts, WithGenerator(gen))
	}
	f.svc = NewVerificationService(f.codes, f.accounts, f.sender, limiters, opts...)
	return f
}

func (f *fixture) send(email, purpose string) error {
	return f.svc.SendCode(context.Background(), SendCodeRequest{Email: email, Purpose: purpose, ClientIP: "10.0.0.1"})
}

func (f *fixture) verify(email, code, purpose string) error {
	return f.svc.VerifyCode(context.Background(), VerifyCodeRequest{Email: email, Code: code, Purpose: purpose, ClientIP: "10.0.0.1"})
}

func TestSendCode_IssuesFiveDigitCode(t *testing.T) {
	f := newFixture(t, nil, &model.Account{ID: "u1", Email: "a@x.com"})
	require.NoError(t, f.send("  A@X.com ", ""))

	msg := f.sender.last(t)
	require.Equal(t, "a@x.com", msg.Email)
	require.Equal(t, model.PurposeEmailVerification, msg.Purpose)
	require.Regexp(t, regexp.MustCompile(`^[1-9][0-9]{4}$`), msg.Code)
	require.Equal(t, f.clock.Now().Add(30*time.Minute).Unix(), msg.ExpiresAt.Unix())

	item, err := f.codes.Lookup(context.Background(), "a@x.com", msg.Code, f.clock.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, "u1", item.UserID)
}

func TestSendCode_RejectsMalformedInput(t *testing.T) {
	f := newFixture(t, nil)
	for _, email := range []string{"", "   ", "nope", "a@b", "a b@x.com"} {
		err := f.send(email, "")
		require.ErrorIs(t, err, appErr.ErrInvalid, email)
	}
	require.ErrorIs(t, f.send("a@x.com", "login"), appErr.ErrInvalid)
	require.Empty(t, f.sender.codes())

	// validation errors cost no rate limit budget
	for i := 0; i < 5; i++ {
		require.NoError(t, f.send("a@x.com", ""))
	}
}

func TestSendCode_UnknownAccountForEmailVerification(t *testing.T) {
	f := newFixture(t, codegen.Static("12345"))
	require.NoError(t, f.send("new@x.com", model.PurposeEmailVerification))

	item, err := f.codes.Lookup(context.Background(), "new@x.com", "12345", f.clock.Now().Unix())
	require.NoError(t, err)
	require.Equal(t, UnknownUserID, item.UserID)
}

func TestSendCode_PasswordResetUnknownAccount(t *testing.T) {
	f := newFixture(t, codegen.Static("12345"))
	err := f.send("ghost@x.com", model.PurposePasswordReset)
	require.ErrorIs(t, err, appErr.ErrAccountNotFound)
	require.Empty(t, f.sender.codes())

	_, err = f.codes.Lookup(context.Background(), "ghost@x.com", "12345", f.clock.Now().Unix())
	require.True(t, appErr.IsNotFound(err))
}

func TestSendCode_PasswordResetLookupFailure(t *testing.T) {
	f := newFixture(t, codegen.Static("12345"))
	f.accounts.findErr = errors.New("directory down")
	err := f.send("a@x.com", model.PurposePasswordReset)
	require.Error(t, err)
	require.NotErrorIs(t, err, appErr.ErrAccountNotFound)

	// email verification tolerates the outage
	require.NoError(t, f.send("a@x.com", model.PurposeEmailVerification))
}

func TestSendCode_DispatchFailureSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = errors.New("relay refused")
	err := f.send("a@x.com", "")
	require.Error(t, err)
	require.NotErrorIs(t, err, appErr.ErrInvalid)
}

func TestSendCode_ThrottledAfterFiveRequests(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.send("a@x.com", ""))
	}
	err := f.send("a@x.com", "")
	require.ErrorIs(t, err, appErr.ErrTooMany)
	require.Greater(t, appErr.RetryAfter(err), time.Duration(0))
	require.LessOrEqual(t, appErr.RetryAfter(err), time.Hour)
	require.Len(t, f.sender.codes(), 5)

	f.clock.Advance(time.Hour + time.Second)
	require.NoError(t, f.send("a@x.com", ""))
}

func TestSendCode_ReissueInvalidatesPreviousCode(t *testing.T) {
	f := newFixture(t, &sequenceGenerator{})
	require.NoError(t, f.send("a@x.com", ""))
	first := f.sender.last(t).Code
	require.NoError(t, f.send("a@x.com", ""))
	second := f.sender.last(t).Code
	require.NotEqual(t, first, second)

	require.ErrorIs(t, f.verify("a@x.com", first, ""), appErr.ErrInvalidCode)
	require.NoError(t, f.verify("a@x.com", second, ""))
}

func TestSendCode_ConcurrentIssueLeavesOneLiveCode(t *testing.T) {
	f := newFixture(t, &sequenceGenerator{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := f.svc.SendCode(context.Background(), SendCodeRequest{
				Email:    "a@x.com",
				ClientIP: fmt.Sprintf("10.0.0.%d", i),
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	live := 0
	for _, code := range f.sender.codes() {
		if _, err := f.codes.Lookup(context.Background(), "a@x.com", code, f.clock.Now().Unix()); err == nil {
			live++
		}
	}
	require.Equal(t, 1, live)
}

func TestVerifyCode_SuccessAfterWrongAttempts(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"), &model.Account{ID: "u1", Email: "a@x.com"})
	require.NoError(t, f.send("a@x.com", model.PurposeEmailVerification))

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, f.verify("a@x.com", "11111", ""), appErr.ErrInvalidCode)
	}
	require.NoError(t, f.verify("a@x.com", "48213", ""))
	require.True(t, f.accounts.isVerified("u1"))

	_, err := f.codes.Lookup(context.Background(), "a@x.com", "48213", f.clock.Now().Unix())
	require.True(t, appErr.IsNotFound(err))

	// the limiter entry is gone, a full budget is available again
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, f.verify("a@x.com", "11111", ""), appErr.ErrInvalidCode)
	}
}

func TestVerifyCode_ReplayFails(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"), &model.Account{ID: "u1", Email: "a@x.com"})
	require.NoError(t, f.send("a@x.com", ""))
	require.NoError(t, f.verify("a@x.com", "48213", ""))
	require.ErrorIs(t, f.verify("a@x.com", "48213", ""), appErr.ErrInvalidCode)
}

func TestVerifyCode_ExpiredLooksLikeWrong(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"))
	require.NoError(t, f.send("a@x.com", ""))
	f.clock.Advance(31 * time.Minute)

	expired := f.verify("a@x.com", "48213", "")
	wrong := f.verify("a@x.com", "99999", "")
	require.ErrorIs(t, expired, appErr.ErrInvalidCode)
	require.ErrorIs(t, wrong, appErr.ErrInvalidCode)
	require.Equal(t, wrong.Error(), expired.Error())
}

func TestVerifyCode_PurposeMismatchIsInvalid(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"), &model.Account{ID: "u1", Email: "a@x.com"})
	require.NoError(t, f.send("a@x.com", model.PurposePasswordReset))
	require.ErrorIs(t, f.verify("a@x.com", "48213", model.PurposeEmailVerification), appErr.ErrInvalidCode)
	require.NoError(t, f.verify("a@x.com", "48213", model.PurposePasswordReset))
	require.False(t, f.accounts.isVerified("u1"))
}

func TestVerifyCode_MissingFields(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.verify("", "12345", ""), appErr.ErrInvalid)
	require.ErrorIs(t, f.verify("a@x.com", " ", ""), appErr.ErrInvalid)
	require.ErrorIs(t, f.verify("bad", "12345", ""), appErr.ErrInvalid)
}

func TestVerifyCode_TenthFailureLocksAndEleventhStaysLocked(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"))
	require.NoError(t, f.send("a@x.com", ""))

	for i := 0; i < 9; i++ {
		if i == 5 {
			// next window, the failures keep counting
			f.clock.Advance(16 * time.Minute)
		}
		require.ErrorIs(t, f.verify("a@x.com", "11111", ""), appErr.ErrInvalidCode, "attempt %d", i+1)
	}
	// the failure that reaches the threshold already answers locked
	tenth := f.verify("a@x.com", "11111", "")
	require.ErrorIs(t, tenth, appErr.ErrLocked, "attempt 10")
	require.Equal(t, time.Hour, appErr.RetryAfter(tenth))

	f.clock.Advance(time.Minute)
	eleventh := f.verify("a@x.com", "11111", "")
	require.ErrorIs(t, eleventh, appErr.ErrLocked, "attempt 11")
	require.Equal(t, 59*time.Minute, appErr.RetryAfter(eleventh))

	// the right code does not help while locked
	err := f.verify("a@x.com", "48213", "")
	require.ErrorIs(t, err, appErr.ErrLocked)
	require.Greater(t, appErr.RetryAfter(err), 30*time.Minute)

	f.clock.Advance(time.Hour)
	err = f.verify("a@x.com", "48213", "")
	require.ErrorIs(t, err, appErr.ErrInvalidCode, "code expired during the lockout")
}

func TestVerifyCode_ThrottledWithinWindow(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"))
	require.NoError(t, f.send("a@x.com", ""))
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, f.verify("a@x.com", "11111", ""), appErr.ErrInvalidCode)
	}
	err := f.verify("a@x.com", "48213", "")
	require.ErrorIs(t, err, appErr.ErrTooMany)
	require.NotErrorIs(t, err, appErr.ErrLocked)
}

func TestVerifyEmail_LegacyFlow(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"), &model.Account{ID: "u1", Email: "a@x.com"})
	require.NoError(t, f.send("a@x.com", ""))

	req := VerifyCodeRequest{Email: "a@x.com", Code: "48213", ClientIP: "10.0.0.1"}
	require.NoError(t, f.svc.VerifyEmail(context.Background(), req))
	require.True(t, f.accounts.isVerified("u1"))
	require.ErrorIs(t, f.svc.VerifyEmail(context.Background(), req), appErr.ErrInvalidCode)
}

func TestVerifyEmail_NeverLocks(t *testing.T) {
	f := newFixture(t, nil)
	req := VerifyCodeRequest{Email: "a@x.com", Code: "11111", ClientIP: "10.0.0.1"}
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			require.ErrorIs(t, f.svc.VerifyEmail(context.Background(), req), appErr.ErrInvalidCode)
		}
		err := f.svc.VerifyEmail(context.Background(), req)
		require.ErrorIs(t, err, appErr.ErrTooMany)
		f.clock.Advance(16 * time.Minute)
	}
}

func TestVerifyCode_UnknownUserResolvedAtVerification(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"))
	require.NoError(t, f.send("late@x.com", ""))
	f.accounts.mu.Lock()
	f.accounts.byEmail["late@x.com"] = &model.Account{ID: "u9", Email: "late@x.com"}
	f.accounts.mu.Unlock()

	require.NoError(t, f.verify("late@x.com", "48213", ""))
	require.True(t, f.accounts.isVerified("u9"))
}

func TestVerifyCode_ConcurrentSuccessOnlyOnce(t *testing.T) {
	f := newFixture(t, codegen.Static("48213"), &model.Account{ID: "u1", Email: "a@x.com"})
	require.NoError(t, f.send("a@x.com", ""))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := f.svc.VerifyCode(context.Background(), VerifyCodeRequest{
				Email:    "a@x.com",
				Code:     "48213",
				ClientIP: fmt.Sprintf("10.0.1.%d", i),
			})
			if err == nil {
				ok.Add(1)
				return
			}
			require.True(t, errors.Is(err, appErr.ErrInvalidCode), err)
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
}

func TestRenderMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	subject, body := renderMessage(&CodeMessage{
		Purpose:   model.PurposeEmailVerification,
		Code:      "12345",
		ExpiresAt: now.Add(30 * time.Minute),
	}, now)
	require.Equal(t, "Your verification code", subject)
	require.Contains(t, body, "12345")
	require.Contains(t, body, "30 minutes")

	subject, body = renderMessage(&CodeMessage{
		Purpose:   model.PurposePasswordReset,
		Code:      "54321",
		ExpiresAt: now.Add(10 * time.Second),
	}, now)
	require.True(t, strings.Contains(strings.ToLower(subject), "password reset"))
	require.Contains(t, body, "54321")
	require.Contains(t, body, "1 minutes")
}

func TestKafkaMessage(t *testing.T) {
	msg, err := kafkaMessage(&CodeMessage{
		Email:   "a@x.com",
		Purpose: model.PurposePasswordReset,
		Code:    "12345",
	})
	require.NoError(t, err)
	require.Equal(t, []byte("a@x.com"), msg.Key)
	require.Contains(t, string(msg.Value), `"code":"12345"`)
	require.Len(t, msg.Headers, 1)
	require.Equal(t, "purpose", msg.Headers[0].Key)
	require.Equal(t, []byte(model.PurposePasswordReset), msg.Headers[0].Value)
}
