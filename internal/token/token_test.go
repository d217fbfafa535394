package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/store"
)

func newTestManager(t *testing.T) (*Manager, func(time.Time)) {
	t.Helper()

	nonces := store.NewMemoryStore(time.Minute)
	t.Cleanup(nonces.Close)

	m := NewManager(
		config.TokenConfig{Secret: "test-secret", MaxAge: 30 * time.Minute, MinAge: 6 * time.Second},
		map[string]config.PurposeConfig{
			"site_notice": {MinTokenAge: 6 * time.Second},
		},
		nonces,
	)

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	setNow := func(now time.Time) {
		m.now = func() time.Time { return now }
	}
	setNow(base)
	return m, setNow
}

func testBase() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, err := m.Issue("sess-1", "site_notice")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	setNow(testBase().Add(10 * time.Second))

	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if !v.Valid {
		t.Fatalf("expected valid token, got error %q", v.Error)
	}
	if v.AgeSeconds != 10 {
		t.Errorf("expected age 10s, got %d", v.AgeSeconds)
	}
}

func TestVerifyMissing(t *testing.T) {
	m, _ := newTestManager(t)

	v := m.Verify(context.Background(), "", "sess-1", "site_notice")
	if v.Valid || v.Error != ErrMissing {
		t.Fatalf("expected missing, got %+v", v)
	}
	if v.AgeSeconds != -1 {
		t.Errorf("expected unknown age, got %d", v.AgeSeconds)
	}
}

func TestVerifyTampered(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")
	setNow(testBase().Add(10 * time.Second))

	cases := map[string]string{
		"no separator":  "garbage",
		"bad signature": tok[:len(tok)-4] + "beef",
		"bad base64":    "!!notb64!!." + tok[len(tok)-64:],
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			v := m.Verify(context.Background(), tampered, "sess-1", "site_notice")
			if v.Valid || v.Error != ErrInvalid {
				t.Fatalf("expected invalid, got %+v", v)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")
	setNow(testBase().Add(31 * time.Minute))

	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid || v.Error != ErrExpired {
		t.Fatalf("expected expired, got %+v", v)
	}
}

func TestVerifyPurposeMismatch(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")
	setNow(testBase().Add(10 * time.Second))

	v := m.Verify(context.Background(), tok, "sess-1", "service_lead")
	if v.Valid || v.Error != ErrPurpose {
		t.Fatalf("expected purpose mismatch, got %+v", v)
	}
}

func TestVerifySessionMismatch(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")
	setNow(testBase().Add(10 * time.Second))

	v := m.Verify(context.Background(), tok, "sess-2", "site_notice")
	if v.Valid || v.Error != ErrSessionMismatch {
		t.Fatalf("expected session mismatch, got %+v", v)
	}

	// An absent session can never satisfy the binding
	v = m.Verify(context.Background(), tok, "", "site_notice")
	if v.Valid || v.Error != ErrSessionMismatch {
		t.Fatalf("expected session mismatch for empty session, got %+v", v)
	}
}

// forge signs an arbitrary payload with the manager's secret so the
// payload-level checks can be exercised past the signature check.
func forge(m *Manager, p payload) string {
	raw, _ := json.Marshal(p)
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + m.sign(encoded)
}

func TestVerifyNonceMissing(t *testing.T) {
	m, _ := newTestManager(t)

	tok := forge(m, payload{SID: "sess-1", Purpose: "site_notice", IssuedAt: testBase().Unix()})
	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid || v.Error != ErrNonceMissing {
		t.Fatalf("expected nonce_missing, got %+v", v)
	}
}

func TestVerifyIssuedAtMissing(t *testing.T) {
	m, _ := newTestManager(t)

	tok := forge(m, payload{SID: "sess-1", Purpose: "site_notice", Nonce: "abc"})
	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid || v.Error != ErrIssuedAtMissing {
		t.Fatalf("expected iat_missing, got %+v", v)
	}
}

func TestVerifyMinAgeBoundary(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")

	// One second under the minimum: rejected
	setNow(testBase().Add(5 * time.Second))
	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid || v.Error != ErrTooFast {
		t.Fatalf("expected too_fast at min_age-1, got %+v", v)
	}
	if v.AgeSeconds != 5 {
		t.Errorf("expected age 5, got %d", v.AgeSeconds)
	}

	// Exactly the minimum: accepted
	setNow(testBase().Add(6 * time.Second))
	v = m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if !v.Valid {
		t.Fatalf("expected valid at exactly min_age, got error %q", v.Error)
	}
	if v.AgeSeconds != 6 {
		t.Errorf("expected age 6, got %d", v.AgeSeconds)
	}
}

func TestVerifyClockSkewClampsToZero(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")

	// Submitted "before" it was issued: age clamps to 0, so too_fast
	setNow(testBase().Add(-time.Minute))
	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid || v.Error != ErrTooFast {
		t.Fatalf("expected too_fast for skewed clock, got %+v", v)
	}
	if v.AgeSeconds != 0 {
		t.Errorf("expected clamped age 0, got %d", v.AgeSeconds)
	}
}

func TestVerifyReplay(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")
	setNow(testBase().Add(10 * time.Second))

	if v := m.Verify(context.Background(), tok, "sess-1", "site_notice"); !v.Valid {
		t.Fatalf("expected first verify to pass, got %+v", v)
	}

	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid || v.Error != ErrReplay {
		t.Fatalf("expected replay on second verify, got %+v", v)
	}
}

func TestVerifyConcurrentReplay(t *testing.T) {
	m, setNow := newTestManager(t)

	tok, _ := m.Issue("sess-1", "site_notice")
	setNow(testBase().Add(10 * time.Second))

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan Validation, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Verify(context.Background(), tok, "sess-1", "site_notice")
		}()
	}
	wg.Wait()
	close(results)

	valid, replays := 0, 0
	for v := range results {
		switch {
		case v.Valid:
			valid++
		case v.Error == ErrReplay:
			replays++
		default:
			t.Errorf("unexpected outcome: %+v", v)
		}
	}
	if valid != 1 {
		t.Fatalf("expected exactly one valid verification, got %d", valid)
	}
	if replays != workers-1 {
		t.Fatalf("expected %d replays, got %d", workers-1, replays)
	}
}

// failingStore always errors; used to prove the fail-closed path.
type failingStore struct{}

func (failingStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func (failingStore) AddNX(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) Size() int { return -1 }
func (failingStore) Close()    {}

func TestVerifyStoreFailureFailsClosed(t *testing.T) {
	m := NewManager(
		config.TokenConfig{Secret: "test-secret", MaxAge: 30 * time.Minute, MinAge: 6 * time.Second},
		nil,
		failingStore{},
	)
	base := testBase()
	m.now = func() time.Time { return base }

	tok, _ := m.Issue("sess-1", "site_notice")
	base = base.Add(10 * time.Second)

	v := m.Verify(context.Background(), tok, "sess-1", "site_notice")
	if v.Valid {
		t.Fatal("expected store failure to fail closed")
	}
	if v.Error != ErrReplay {
		t.Fatalf("expected replay on store failure, got %q", v.Error)
	}
	if m.Status().StoreErrors != 1 {
		t.Errorf("expected store error counter bump, got %d", m.Status().StoreErrors)
	}
}

func TestNoncesAreUnique(t *testing.T) {
	m, _ := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := m.Issue("sess-1", "site_notice")
		if err != nil {
			t.Fatal(err)
		}
		if seen[tok] {
			t.Fatal("expected every issued token to be distinct")
		}
		seen[tok] = true
	}
}
