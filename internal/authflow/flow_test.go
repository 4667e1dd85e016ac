package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/sessions"
	"github.com/haasonsaas/fingate/pkg/models"
)

type fakeTransport struct {
	mu       sync.Mutex
	loginErr error
	verifyFn func(ctx context.Context, sessionID, passcode string) (string, error)
	logins   int
	verifies int
	calls    int
}

func (f *fakeTransport) BeginLogin(ctx context.Context, sessionID, phoneNumber string) (string, error) {
	f.mu.Lock()
	f.logins++
	err := f.loginErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "https://provider.example/login/" + sessionID, nil
}

func (f *fakeTransport) Verify(ctx context.Context, sessionID, phoneNumber, passcode string) (string, error) {
	f.mu.Lock()
	f.verifies++
	fn := f.verifyFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessionID, passcode)
	}
	return "cred-" + sessionID, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, call provider.ToolCall) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) counts() (logins, verifies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.verifies
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	flow      *Flow
	store     *sessions.MemoryStore
	transport *fakeTransport
	clock     *clock
	metrics   *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := sessions.NewMemoryStore(sessions.Config{})
	store.SetNowFunc(c.Now)
	transport := &fakeTransport{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	flow := New(store, transport, Config{RemoteTimeout: time.Second}, observability.DiscardLogger(), metrics)
	t.Cleanup(flow.Close)
	return &fixture{flow: flow, store: store, transport: transport, clock: c, metrics: metrics}
}

func TestInitiateThenComplete(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	initiated, err := fx.flow.Initiate(ctx, "u1", "+14155550100")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if initiated.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if initiated.LoginURL != "https://provider.example/login/"+initiated.SessionID {
		t.Errorf("LoginURL = %q", initiated.LoginURL)
	}

	fx.clock.Advance(time.Second)
	completed, err := fx.flow.Complete(ctx, "u1", "000000")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.SessionID != initiated.SessionID {
		t.Errorf("session id changed: %s -> %s", initiated.SessionID, completed.SessionID)
	}
	if !fx.flow.Status("u1").Authenticated {
		t.Fatal("expected authenticated session")
	}
	session, _ := fx.store.Get("u1")
	if session.Credential != "cred-"+initiated.SessionID {
		t.Errorf("credential = %q", session.Credential)
	}
	if got := testutil.ToFloat64(fx.metrics.AuthEvents.WithLabelValues("complete", "ok")); got != 1 {
		t.Errorf("complete ok events = %v, want 1", got)
	}
}

func TestInitiateRejectsBadPhone(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.flow.Initiate(context.Background(), "u2", "bad-phone")
	if !errors.Is(err, sessions.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, ok := fx.store.Get("u2"); ok {
		t.Error("no record should exist after a rejected initiate")
	}
	if logins, _ := fx.transport.counts(); logins != 0 {
		t.Errorf("provider called %d times for invalid input", logins)
	}
}

func TestInitiateSupersedes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, _ := fx.flow.Initiate(ctx, "u1", "+14155550100")
	second, err := fx.flow.Initiate(ctx, "u1", "+14155550100")
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("re-initiate should issue a new session id")
	}
	if fx.store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", fx.store.Len())
	}
}

func TestInitiateLoginFailureRemovesRecord(t *testing.T) {
	fx := newFixture(t)
	fx.transport.loginErr = provider.ErrUnavailable

	_, err := fx.flow.Initiate(context.Background(), "u1", "+14155550100")
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if fx.store.Len() != 0 {
		t.Error("pending record should be removed when login cannot start")
	}
}

func TestCompleteWithoutInitiate(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.flow.Complete(context.Background(), "u1", "000000")
	if !errors.Is(err, sessions.ErrNoPendingSession) {
		t.Fatalf("err = %v, want ErrNoPendingSession", err)
	}
	if fx.store.Len() != 0 {
		t.Error("Complete without initiate must not create state")
	}
	if _, verifies := fx.transport.counts(); verifies != 0 {
		t.Error("provider verification attempted without a pending session")
	}
}

func TestCompleteAfterPendingWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.flow.Initiate(ctx, "u1", "+14155550100"); err != nil {
		t.Fatal(err)
	}

	fx.clock.Advance(sessions.DefaultPendingWindow + time.Second)
	_, err := fx.flow.Complete(ctx, "u1", "000000")
	if !errors.Is(err, sessions.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if _, ok := fx.store.Get("u1"); ok {
		t.Error("expired pending record should be gone")
	}
}

func TestCompleteMalformedPasscode(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	initiated, _ := fx.flow.Initiate(ctx, "u1", "+14155550100")

	for _, passcode := range []string{"", "12345", "1234567", "12a456", " 123456", "１２３４５６"} {
		_, err := fx.flow.Complete(ctx, "u1", passcode)
		if !errors.Is(err, ErrInvalidPasscode) || !errors.Is(err, sessions.ErrInvalidInput) {
			t.Fatalf("Complete(%q) err = %v, want ErrInvalidPasscode", passcode, err)
		}
	}

	session, ok := fx.store.Get("u1")
	if !ok || session.Status != models.SessionPending || session.SessionID != initiated.SessionID {
		t.Fatalf("pending session changed: %+v", session)
	}
	if _, verifies := fx.transport.counts(); verifies != 0 {
		t.Error("malformed passcode reached the provider")
	}
}

func TestCompleteProviderRejection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.transport.verifyFn = func(context.Context, string, string) (string, error) {
		return "", &provider.RemoteError{StatusCode: 200, Code: 400, Message: "incorrect passcode"}
	}
	_, _ = fx.flow.Initiate(ctx, "u1", "+14155550100")

	_, err := fx.flow.Complete(ctx, "u1", "123456")
	var remoteErr *provider.RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Message != "incorrect passcode" {
		t.Fatalf("err = %v, want provider RemoteError", err)
	}
	session, ok := fx.store.Get("u1")
	if !ok || session.Status != models.SessionPending {
		t.Fatal("rejected passcode should leave the session pending")
	}
}

func TestCompleteUnauthorizedVerifyIsRemoteError(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.transport.verifyFn = func(context.Context, string, string) (string, error) {
		return "", provider.ErrUnauthorized
	}
	_, _ = fx.flow.Initiate(ctx, "u1", "+14155550100")

	_, err := fx.flow.Complete(ctx, "u1", "123456")
	var remoteErr *provider.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if provider.IsUnauthorized(err) {
		t.Error("passcode rejection must not look like a lapsed credential")
	}
}

func TestCompleteTooManyAttempts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.transport.verifyFn = func(context.Context, string, string) (string, error) {
		return "", &provider.RemoteError{StatusCode: 200, Message: "incorrect passcode"}
	}
	_, _ = fx.flow.Initiate(ctx, "u1", "+14155550100")

	for i := 1; i < DefaultMaxPasscodeAttempts; i++ {
		if _, err := fx.flow.Complete(ctx, "u1", "123456"); errors.Is(err, ErrTooManyAttempts) {
			t.Fatalf("attempt %d exhausted the limiter early", i)
		}
	}
	_, err := fx.flow.Complete(ctx, "u1", "123456")
	if !errors.Is(err, ErrTooManyAttempts) || !errors.Is(err, sessions.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrTooManyAttempts", err)
	}
	if fx.store.Len() != 0 {
		t.Error("exhausted session should be removed")
	}

	_, err = fx.flow.Complete(ctx, "u1", "123456")
	if !errors.Is(err, sessions.ErrNoPendingSession) {
		t.Fatalf("err = %v, want ErrNoPendingSession after exhaustion", err)
	}
}

func TestCompleteConcurrentAttemptsBounded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	fx.transport.verifyFn = func(context.Context, string, string) (string, error) {
		<-release
		return "", &provider.RemoteError{StatusCode: 200, Message: "incorrect passcode"}
	}
	_, _ = fx.flow.Initiate(ctx, "u1", "+14155550100")

	const callers = 4 * DefaultMaxPasscodeAttempts
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = fx.flow.Complete(ctx, "u1", "123456")
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, verifies := fx.transport.counts(); verifies >= DefaultMaxPasscodeAttempts || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if _, verifies := fx.transport.counts(); verifies != DefaultMaxPasscodeAttempts {
		t.Fatalf("provider verified %d passcodes, want at most %d", verifies, DefaultMaxPasscodeAttempts)
	}
	if fx.store.Len() != 0 {
		t.Error("exhausted session should be removed")
	}
}

func TestCompleteUnavailableDoesNotCountAttempt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.transport.verifyFn = func(context.Context, string, string) (string, error) {
		return "", provider.ErrUnavailable
	}
	initiated, _ := fx.flow.Initiate(ctx, "u1", "+14155550100")

	for i := 0; i < DefaultMaxPasscodeAttempts+1; i++ {
		if _, err := fx.flow.Complete(ctx, "u1", "123456"); !errors.Is(err, provider.ErrUnavailable) {
			t.Fatalf("err = %v, want ErrUnavailable", err)
		}
	}
	if fx.flow.limiter.Failures(initiated.SessionID) != 0 {
		t.Error("transient failures should not count as passcode attempts")
	}
	if _, ok := fx.store.Get("u1"); !ok {
		t.Error("session should survive transient failures")
	}
}

func TestCompleteRacingReinitiate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	fx.transport.verifyFn = func(_ context.Context, sessionID, _ string) (string, error) {
		close(entered)
		<-release
		return "cred-" + sessionID, nil
	}
	_, _ = fx.flow.Initiate(ctx, "u1", "+14155550100")

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.flow.Complete(ctx, "u1", "000000")
		errCh <- err
	}()

	<-entered
	fresh, err := fx.flow.Initiate(ctx, "u1", "+14155550100")
	if err != nil {
		t.Fatal(err)
	}
	close(release)

	if err := <-errCh; !errors.Is(err, sessions.ErrNoPendingSession) {
		t.Fatalf("err = %v, want ErrNoPendingSession for the superseded session", err)
	}
	session, _ := fx.store.Get("u1")
	if session.SessionID != fresh.SessionID || session.Status != models.SessionPending {
		t.Fatalf("fresh session was disturbed: %+v", session)
	}
}

func TestDisconnect(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, _ = fx.flow.Initiate(ctx, "u1", "+14155550100")
	if _, err := fx.flow.Complete(ctx, "u1", "000000"); err != nil {
		t.Fatal(err)
	}

	fx.flow.Disconnect(ctx, "u1")
	if fx.flow.Status("u1").Authenticated {
		t.Fatal("disconnect should end the session immediately")
	}
	fx.flow.Disconnect(ctx, "u1")
	fx.flow.Disconnect(ctx, "never-seen")
}

func TestDemoteComparesSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	first, _ := fx.flow.Initiate(ctx, "u1", "+14155550100")
	_, _ = fx.flow.Complete(ctx, "u1", "000000")

	if fx.flow.Demote(ctx, "u1", "stale-session") {
		t.Fatal("demote with a stale session id must not remove the record")
	}
	if !fx.flow.Status("u1").Authenticated {
		t.Fatal("session removed by stale demotion")
	}
	if !fx.flow.Demote(ctx, "u1", first.SessionID) {
		t.Fatal("demote of the current session should remove it")
	}
	if fx.flow.Status("u1").Authenticated {
		t.Fatal("demoted session still authenticated")
	}
}

func TestStatus(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if got := fx.flow.Status("u1"); got.Status != StatusAbsent || got.Authenticated {
		t.Fatalf("Status = %+v, want absent", got)
	}

	initiated, _ := fx.flow.Initiate(ctx, "u1", "+14155550100")
	got := fx.flow.Status("u1")
	if got.Status != string(models.SessionPending) || got.LoginURL != initiated.LoginURL {
		t.Fatalf("Status = %+v, want pending with login url", got)
	}

	_, _ = fx.flow.Complete(ctx, "u1", "000000")
	got = fx.flow.Status("u1")
	if got.Status != string(models.SessionAuthenticated) || !got.Authenticated || got.LoginURL != "" {
		t.Fatalf("Status = %+v, want authenticated", got)
	}

	fx.clock.Advance(sessions.DefaultAuthenticatedWindow + time.Second)
	got = fx.flow.Status("u1")
	if got.Status != string(models.SessionExpired) || got.Authenticated {
		t.Fatalf("Status = %+v, want expired", got)
	}
}

func TestValidatePasscode(t *testing.T) {
	if err := ValidatePasscode("000000"); err != nil {
		t.Errorf("ValidatePasscode(000000) = %v", err)
	}
	if err := ValidatePasscode("00000"); !errors.Is(err, ErrInvalidPasscode) {
		t.Errorf("ValidatePasscode(00000) = %v", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrInvalidPasscode, "invalid_input"},
		{sessions.ErrNoPendingSession, "no_pending_session"},
		{ErrTooManyAttempts, "session_expired"},
		{provider.ErrUnavailable, "remote_unavailable"},
		{&provider.RemoteError{Message: "x"}, "remote_error"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
