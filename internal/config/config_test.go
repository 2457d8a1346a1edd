package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chapps.ini")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
[CHAPPS]
user_key = x_original_to
listener_backlog = 50

[PolicyConfigAdapter]
adapter = mysql
db_host = db.internal
db_port = 3306
db_name = chapps
db_user = chapps
db_pass = secret

[OutboundQuotaPolicy]
listen_address = 0.0.0.0
listen_port = 9000
margin = 15%
counting_recipients = true
min_delta = 5

[GreylistingPolicy]
minimum_deferral = 120
cache_ttl = 7200

[Redis]
server = cache.internal
port = 6380
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.Core.UserKey != "x_original_to" {
		t.Errorf("UserKey = %q", c.Core.UserKey)
	}
	if c.Core.ListenerBacklog != 50 {
		t.Errorf("ListenerBacklog = %d", c.Core.ListenerBacklog)
	}
	if c.Adapter.DSN() != "chapps:secret@tcp(db.internal:3306)/chapps?parseTime=true" {
		t.Errorf("DSN() = %q", c.Adapter.DSN())
	}
	if c.Quota.ListenPort != 9000 || !c.Quota.CountingRecipients || c.Quota.MinDelta != 5 {
		t.Errorf("Quota = %+v", c.Quota)
	}
	if c.Redis.Server != "cache.internal" || c.Redis.Port != 6380 {
		t.Errorf("Redis = %+v", c.Redis)
	}
}

func TestLoadRejectsDeferralPastTTL(t *testing.T) {
	path := writeConfig(t, `
[GreylistingPolicy]
minimum_deferral = 7200
cache_ttl = 3600

[Redis]
server = 127.0.0.1
port = 6379
`)
	if _, err := Load(path); err == nil {
		t.Errorf("Load() succeeded, want error for deferral >= ttl")
	}
}

func TestParseMargin(t *testing.T) {
	cases := []struct {
		margin string
		limit  int
		want   int
	}{
		{"10", 1000, 10},
		{"0.1", 1000, 100},
		{"1.0", 1000, 1000},
		{"15.0", 1000, 150},
		{"", 1000, 0},
	}
	for _, c := range cases {
		got, err := ParseMargin(c.margin, c.limit)
		if err != nil {
			t.Errorf("ParseMargin(%q, %d) error: %v", c.margin, c.limit, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMargin(%q, %d) = %d, want %d", c.margin, c.limit, got, c.want)
		}
	}
}

func TestParseMarginRejectsOutOfRange(t *testing.T) {
	if _, err := ParseMargin("150.0", 1000); err == nil {
		t.Errorf("ParseMargin(150.0) succeeded, want error")
	}
}

func TestCheckPassword(t *testing.T) {
	c := Default()
	c.Core.PasswordSHA256 = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	if c.CheckPassword("wrong") {
		t.Errorf("CheckPassword(wrong) = true")
	}
}

func TestCheckPasswordDisabledWhenEmpty(t *testing.T) {
	c := Default()
	if c.CheckPassword("anything") {
		t.Errorf("CheckPassword() = true with no digest configured")
	}
}
