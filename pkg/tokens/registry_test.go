package tokens

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Now = clock.Now
	return NewRegistry(opts), clock
}

func mustIssue(t *testing.T, r *Registry, subject string) string {
	t.Helper()
	raw, _, err := r.Issue(subject)
	if err != nil {
		t.Fatalf("Issue: unexpected error: %v", err)
	}
	return raw
}

func TestRedeemIsSingleUse(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	raw := mustIssue(t, r, "1001")

	subject, err := r.Redeem(raw, "")
	if err != nil {
		t.Fatalf("Redeem: unexpected error: %v", err)
	}
	if subject != "1001" {
		t.Errorf("Redeem: subject = %q, want %q", subject, "1001")
	}
	if _, err := r.Redeem(raw, ""); !errors.Is(err, model.ErrTokenNotFound) {
		t.Errorf("second Redeem: got %v, want ErrTokenNotFound", err)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	if _, err := r.Redeem("deadbeef", ""); !errors.Is(err, model.ErrTokenNotFound) {
		t.Errorf("Redeem: got %v, want ErrTokenNotFound", err)
	}
}

func TestRedeemExpired(t *testing.T) {
	r, clock := newTestRegistry(t, Options{TTL: 5 * time.Minute})
	raw, expiresAt, err := r.Issue("1001")
	if err != nil {
		t.Fatalf("Issue: unexpected error: %v", err)
	}
	if want := clock.Now().Add(5 * time.Minute); !expiresAt.Equal(want) {
		t.Errorf("Issue: expiresAt = %v, want %v", expiresAt, want)
	}

	clock.Advance(6 * time.Minute)
	if _, err := r.Redeem(raw, ""); !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("Redeem at +6m: got %v, want ErrTokenExpired", err)
	}
	if r.Len() != 0 {
		t.Errorf("expired token should be evicted, Len = %d", r.Len())
	}
	if _, err := r.Redeem(raw, ""); !errors.Is(err, model.ErrTokenNotFound) {
		t.Errorf("Redeem after eviction: got %v, want ErrTokenNotFound", err)
	}
}

func TestRedeemExpiresExactlyAtDeadline(t *testing.T) {
	r, clock := newTestRegistry(t, Options{TTL: time.Minute})
	raw := mustIssue(t, r, "1001")
	clock.Advance(time.Minute)
	if _, err := r.Redeem(raw, ""); !errors.Is(err, model.ErrTokenExpired) {
		t.Errorf("Redeem at deadline: got %v, want ErrTokenExpired", err)
	}
}

func TestPasswordGate(t *testing.T) {
	type tcase struct {
		password string
		wantErr  error
	}

	tcases := map[string]tcase{
		"correct":  {password: "hunter2"},
		"wrong":    {password: "hunter3", wantErr: model.ErrWrongPassword},
		"missing":  {password: "", wantErr: model.ErrPasswordRequired},
		"unicode":  {password: "hünter2", wantErr: model.ErrWrongPassword},
		"trailing": {password: "hunter2 ", wantErr: model.ErrWrongPassword},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestRegistry(t, Options{})
			raw := mustIssue(t, r, "1001")
			if err := r.SetPassword(raw, "hunter2"); err != nil {
				t.Fatalf("SetPassword: unexpected error: %v", err)
			}

			_, err := r.Redeem(raw, tc.password)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Redeem: unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Redeem: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSetPasswordOnce(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	raw := mustIssue(t, r, "1001")

	if err := r.SetPassword(raw, "first"); err != nil {
		t.Fatalf("SetPassword: unexpected error: %v", err)
	}
	if err := r.SetPassword(raw, "second"); !errors.Is(err, model.ErrPasswordSet) {
		t.Fatalf("SetPassword again: got %v, want ErrPasswordSet", err)
	}
	if err := r.SetPassword("unknown", "pw"); !errors.Is(err, model.ErrTokenNotFound) {
		t.Fatalf("SetPassword(unknown): got %v, want ErrTokenNotFound", err)
	}
	if _, err := r.Redeem(raw, "first"); err != nil {
		t.Fatalf("Redeem with first password: unexpected error: %v", err)
	}
}

func TestSetPasswordExtendsLifetime(t *testing.T) {
	r, clock := newTestRegistry(t, Options{TTL: 5 * time.Minute, PasswordTTL: 24 * time.Hour})
	raw := mustIssue(t, r, "1001")
	if err := r.SetPassword(raw, "pw"); err != nil {
		t.Fatalf("SetPassword: unexpected error: %v", err)
	}

	clock.Advance(23 * time.Hour)
	if _, err := r.Redeem(raw, "pw"); err != nil {
		t.Fatalf("Redeem at +23h: unexpected error: %v", err)
	}
}

func TestLockAfterFiveFailures(t *testing.T) {
	r, clock := newTestRegistry(t, Options{})
	raw := mustIssue(t, r, "1001")
	if err := r.SetPassword(raw, "right"); err != nil {
		t.Fatalf("SetPassword: unexpected error: %v", err)
	}

	for i := 1; i <= DefaultMaxAttempts; i++ {
		if _, err := r.Redeem(raw, "wrong"); !errors.Is(err, model.ErrWrongPassword) {
			t.Fatalf("attempt %d: got %v, want ErrWrongPassword", i, err)
		}
	}

	// Locked now, even for the correct password.
	if _, err := r.Redeem(raw, "wrong"); !errors.Is(err, model.ErrTokenLocked) {
		t.Fatalf("6th attempt: got %v, want ErrTokenLocked", err)
	}
	if _, err := r.Redeem(raw, "right"); !errors.Is(err, model.ErrTokenLocked) {
		t.Fatalf("correct password while locked: got %v, want ErrTokenLocked", err)
	}

	clock.Advance(DefaultLockDuration)
	if _, err := r.Redeem(raw, "wrong"); !errors.Is(err, model.ErrWrongPassword) {
		t.Fatalf("after lock window: got %v, want ErrWrongPassword (attempts reset)", err)
	}
	if _, err := r.Redeem(raw, "right"); err != nil {
		t.Fatalf("after lock window: unexpected error: %v", err)
	}
}

func TestMissingPasswordDoesNotCount(t *testing.T) {
	r, _ := newTestRegistry(t, Options{MaxAttempts: 1})
	raw := mustIssue(t, r, "1001")
	if err := r.SetPassword(raw, "right"); err != nil {
		t.Fatalf("SetPassword: unexpected error: %v", err)
	}
	for range 3 {
		if _, err := r.Redeem(raw, ""); !errors.Is(err, model.ErrPasswordRequired) {
			t.Fatalf("Redeem without password: got %v, want ErrPasswordRequired", err)
		}
	}
	if _, err := r.Redeem(raw, "right"); err != nil {
		t.Fatalf("Redeem: unexpected error: %v", err)
	}
}

func TestIssueCooldown(t *testing.T) {
	r, clock := newTestRegistry(t, Options{Cooldown: 24 * time.Hour})
	mustIssue(t, r, "1001")

	if _, _, err := r.Issue("1001"); !errors.Is(err, model.ErrTokenCooldown) {
		t.Fatalf("Issue inside cool-down: got %v, want ErrTokenCooldown", err)
	}
	mustIssue(t, r, "1002")

	clock.Advance(24 * time.Hour)
	mustIssue(t, r, "1001")
}

func TestIssueRejectsBadSubject(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	if _, _, err := r.Issue(""); model.KindOf(err) != model.KindInvalidArgument {
		t.Errorf("Issue(\"\"): kind = %q, want invalid_argument", model.KindOf(err))
	}
}

func TestSweep(t *testing.T) {
	r, clock := newTestRegistry(t, Options{TTL: time.Minute})
	mustIssue(t, r, "1")
	clock.Advance(30 * time.Minute)
	fresh := mustIssue(t, r, "2")

	clock.Advance(32 * time.Minute)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d tokens, want 1", n)
	}
	if r.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", r.Len())
	}
	if _, err := r.Redeem(fresh, ""); !errors.Is(err, model.ErrTokenExpired) {
		t.Errorf("Redeem(fresh): got %v, want ErrTokenExpired", err)
	}
}

func TestConcurrentRedeemSingleWinner(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	raw := mustIssue(t, r, "1001")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Redeem(raw, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("concurrent Redeem: %d winners, want 1", wins)
	}
}
