package signal

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		edge    string
		xff     string
		remote  string
		want    string
	}{
		{"edge header wins", "203.0.113.7", "198.51.100.1", "192.0.2.1:4321", "203.0.113.7"},
		{"xff first hop", "", "198.51.100.1, 10.0.0.1", "192.0.2.1:4321", "198.51.100.1"},
		{"remote addr fallback", "", "", "192.0.2.1:4321", "192.0.2.1"},
		{"remote addr without port", "", "", "192.0.2.1", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.edge != "" {
				r.Header.Set("CF-Connecting-IP", tt.edge)
			}
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(r, "CF-Connecting-IP"); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubnetBucket(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"203.0.113.77", "203.0.113.0/24"},
		{"2001:db8:1234:5678:abcd::1", "2001:db8:1234:5678::/64"},
		{"not-an-ip", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := SubnetBucket(tt.ip); got != tt.want {
			t.Errorf("SubnetBucket(%q) = %q, want %q", tt.ip, got, tt.want)
		}
	}
}

func TestSubnetBucketSharedAcrossBlock(t *testing.T) {
	a := SubnetBucket("203.0.113.1")
	b := SubnetBucket("203.0.113.254")
	if a == "" || a != b {
		t.Errorf("expected addresses in one /24 to share a bucket, got %q and %q", a, b)
	}
	c := SubnetBucket("203.0.114.1")
	if a == c {
		t.Error("expected a different /24 to produce a different bucket")
	}
}

func TestTimeOnPage(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	renderedAt := func(d time.Duration) string {
		return strconv.FormatInt(now.Add(-d).UnixMilli(), 10)
	}

	tests := []struct {
		name      string
		raw       string
		want      time.Duration
		wantKnown bool
	}{
		{"normal dwell", renderedAt(8 * time.Second), 8 * time.Second, true},
		{"empty", "", 0, false},
		{"garbage", "soon", 0, false},
		{"zero", "0", 0, false},
		{"negative", "-5", 0, false},
		{"future timestamp", renderedAt(-time.Minute), 0, false},
		{"older than a day", renderedAt(25 * time.Hour), 0, false},
		{"float accepted", renderedAt(2*time.Second) + ".0", 2 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, known := TimeOnPage(tt.raw, now)
			if known != tt.wantKnown {
				t.Fatalf("known = %v, want %v", known, tt.wantKnown)
			}
			if known && got != tt.want {
				t.Errorf("elapsed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDomainSet(t *testing.T) {
	set := NewDomainSet([]string{"Mailinator.com", "yopmail.com"})

	if !set.Contains("mailinator.com") {
		t.Error("expected lowercase lookup to match")
	}
	if !set.Contains("MAILINATOR.COM") {
		t.Error("expected uppercase lookup to match")
	}
	if set.Contains("example.com") {
		t.Error("unexpected match for example.com")
	}
}

func TestIsDisposable(t *testing.T) {
	set := NewDomainSet([]string{"mailinator.com"})

	tests := []struct {
		email string
		want  bool
	}{
		{"user@mailinator.com", true},
		{"USER@MAILINATOR.COM", true},
		{"user@example.com", false},
		{"no-at-sign", false},
		{"", false},
		{"trailing@", false},
	}

	for _, tt := range tests {
		if got := set.IsDisposable(tt.email); got != tt.want {
			t.Errorf("IsDisposable(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestEmailDomain(t *testing.T) {
	if got := EmailDomain("User@Example.COM"); got != "example.com" {
		t.Errorf("EmailDomain = %q, want example.com", got)
	}
	if got := EmailDomain("a@b@corp.test"); got != "corp.test" {
		t.Errorf("expected the last @ to split, got %q", got)
	}
}

func TestUserAgentKey(t *testing.T) {
	if UserAgentKey("") != "" {
		t.Error("expected empty key for empty user agent")
	}

	a := UserAgentKey("Mozilla/5.0")
	b := UserAgentKey("Mozilla/5.0")
	if a == "" || a != b {
		t.Error("expected stable key for the same user agent")
	}
	if UserAgentKey("curl/8.0") == a {
		t.Error("expected distinct keys for distinct user agents")
	}
}

func TestSessionCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if HasSessionCookie(r, "sessionid") {
		t.Error("expected no session cookie")
	}
	if SessionID(r, "sessionid") != "" {
		t.Error("expected empty session id")
	}

	r.AddCookie(&http.Cookie{Name: "sessionid", Value: "abc123"})
	if !HasSessionCookie(r, "sessionid") {
		t.Error("expected session cookie to be detected")
	}
	if got := SessionID(r, "sessionid"); got != "abc123" {
		t.Errorf("SessionID = %q, want abc123", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp("abcdef", 3); got != "abc" {
		t.Errorf("Clamp = %q, want abc", got)
	}
	if got := Clamp("ab", 3); got != "ab" {
		t.Errorf("Clamp = %q, want ab", got)
	}
}
