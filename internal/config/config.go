// Package config loads and validates the CHAPPS process configuration: an
// INI file with one section per engine plus the shared adapters, following
// the seed/override pattern: seed defaults, then override them from the
// file.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"blitiri.com.ar/go/log"
	"gopkg.in/ini.v1"
)

// EnvVar is the environment variable that overrides the config file path.
const EnvVar = "CHAPPS_CONFIG"

// DefaultPath is used when EnvVar is unset and no path is given explicitly.
const DefaultPath = "/etc/chapps/chapps.ini"

// Core holds the [CHAPPS] section: options shared by every engine.
type Core struct {
	PayloadEncoding string
	UserKey         string
	ListenerBacklog int
	RequireUserKey  bool
	PasswordSHA256  string // hex digest; empty disables admin auth
}

// Adapter holds the [PolicyConfigAdapter] section: the relational config
// store connection.
type Adapter struct {
	Driver string // "mariadb" or "mysql"
	Host   string
	Port   int
	Name   string
	User   string
	Pass   string
}

// DSN returns the go-sql-driver/mysql data source name for this adapter.
func (a Adapter) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		a.User, a.Pass, a.Host, a.Port, a.Name)
}

// EngineCommon holds the options every listening engine shares.
type EngineCommon struct {
	ListenAddress     string
	ListenPort        int
	AcceptanceMessage string
	RejectionMessage  string
	NullSenderOK      bool
}

// Quota holds the [OutboundQuotaPolicy] section.
type Quota struct {
	EngineCommon
	Margin             string // int count, fraction in (0,1], or percent
	CountingRecipients bool
	MinDelta           int // seconds
}

// Greylisting holds the [GreylistingPolicy] section.
type Greylisting struct {
	EngineCommon
	MinimumDeferral int // seconds
	CacheTTL        int // seconds
	AutoAllowAfter  int
	// EnforceOnUnknownDomain governs behaviour when DomainFlags reports
	// the domain does not exist: enforce greylisting (true) or pass
	// through (false). spec.md §4.E leaves this to deployment; CHAPPS
	// defaults to enforcing.
	EnforceOnUnknownDomain bool
}

// SenderDomainAuth holds the [SenderDomainAuthPolicy] section.
type SenderDomainAuth struct {
	EngineCommon
}

// SPF holds the [SPFEnforcementPolicy] section.
type SPF struct {
	EngineCommon
	// Whitelist holds HELO names exempted from SPF enforcement regardless
	// of DomainFlags.check_spf (supplemented feature). The sender's domain
	// is not matched against it.
	Whitelist []string
}

// SPFActions holds the [PostfixSPFActions] directive templates, one per
// SPF result.
type SPFActions struct {
	Passing     string
	Fail        string
	Softfail    string
	Temperror   string
	Permerror   string
	NoneNeutral string
}

// Redis holds the [Redis] section. Either Server/Port or SentinelServers
// is set, not both.
type Redis struct {
	Server          string
	Port            int
	SentinelServers []string // "host:port" entries
	SentinelDataset string
}

// Sentinel reports whether sentinel discovery is configured.
func (r Redis) Sentinel() bool {
	return len(r.SentinelServers) > 0
}

// Config is the fully loaded, immutable process configuration.
type Config struct {
	Core        Core
	Adapter     Adapter
	Quota       Quota
	Greylisting Greylisting
	SDA         SenderDomainAuth
	SPF         SPF
	SPFActions  SPFActions
	Redis       Redis
}

// Load reads the INI file at path (or the CHAPPS_CONFIG env var, or
// DefaultPath) and returns a validated Config seeded with defaults for
// every option the file omits.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		path = DefaultPath
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %q: %w", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	c := Default()

	core := f.Section("CHAPPS")
	c.Core.PayloadEncoding = core.Key("payload_encoding").MustString(c.Core.PayloadEncoding)
	c.Core.UserKey = core.Key("user_key").MustString(c.Core.UserKey)
	c.Core.ListenerBacklog = core.Key("listener_backlog").MustInt(c.Core.ListenerBacklog)
	c.Core.RequireUserKey = core.Key("require_user_key").MustBool(c.Core.RequireUserKey)
	c.Core.PasswordSHA256 = core.Key("password").MustString(c.Core.PasswordSHA256)

	adapter := f.Section("PolicyConfigAdapter")
	c.Adapter.Driver = adapter.Key("adapter").MustString(c.Adapter.Driver)
	c.Adapter.Host = adapter.Key("db_host").MustString(c.Adapter.Host)
	c.Adapter.Port = adapter.Key("db_port").MustInt(c.Adapter.Port)
	c.Adapter.Name = adapter.Key("db_name").MustString(c.Adapter.Name)
	c.Adapter.User = adapter.Key("db_user").MustString(c.Adapter.User)
	c.Adapter.Pass = adapter.Key("db_pass").MustString(c.Adapter.Pass)

	loadEngineCommon(f.Section("OutboundQuotaPolicy"), &c.Quota.EngineCommon)
	oq := f.Section("OutboundQuotaPolicy")
	c.Quota.Margin = oq.Key("margin").MustString(c.Quota.Margin)
	c.Quota.CountingRecipients = oq.Key("counting_recipients").MustBool(c.Quota.CountingRecipients)
	c.Quota.MinDelta = oq.Key("min_delta").MustInt(c.Quota.MinDelta)

	loadEngineCommon(f.Section("GreylistingPolicy"), &c.Greylisting.EngineCommon)
	gl := f.Section("GreylistingPolicy")
	c.Greylisting.MinimumDeferral = gl.Key("minimum_deferral").MustInt(c.Greylisting.MinimumDeferral)
	c.Greylisting.CacheTTL = gl.Key("cache_ttl").MustInt(c.Greylisting.CacheTTL)
	c.Greylisting.AutoAllowAfter = gl.Key("auto_allow_after").MustInt(c.Greylisting.AutoAllowAfter)
	c.Greylisting.EnforceOnUnknownDomain = gl.Key("default_enforce_on_unknown_domain").MustBool(c.Greylisting.EnforceOnUnknownDomain)

	loadEngineCommon(f.Section("SenderDomainAuthPolicy"), &c.SDA.EngineCommon)

	loadEngineCommon(f.Section("SPFEnforcementPolicy"), &c.SPF.EngineCommon)
	spf := f.Section("SPFEnforcementPolicy")
	if wl := spf.Key("whitelist").String(); wl != "" {
		c.SPF.Whitelist = splitTrim(wl)
	}

	actions := f.Section("PostfixSPFActions")
	c.SPFActions.Passing = actions.Key("passing").MustString(c.SPFActions.Passing)
	c.SPFActions.Fail = actions.Key("fail").MustString(c.SPFActions.Fail)
	c.SPFActions.Softfail = actions.Key("softfail").MustString(c.SPFActions.Softfail)
	c.SPFActions.Temperror = actions.Key("temperror").MustString(c.SPFActions.Temperror)
	c.SPFActions.Permerror = actions.Key("permerror").MustString(c.SPFActions.Permerror)
	c.SPFActions.NoneNeutral = actions.Key("none_neutral").MustString(c.SPFActions.NoneNeutral)

	redis := f.Section("Redis")
	c.Redis.Server = redis.Key("server").MustString(c.Redis.Server)
	c.Redis.Port = redis.Key("port").MustInt(c.Redis.Port)
	if ss := redis.Key("sentinel_servers").String(); ss != "" {
		c.Redis.SentinelServers = splitTrim(ss)
	}
	c.Redis.SentinelDataset = redis.Key("sentinel_dataset").MustString(c.Redis.SentinelDataset)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadEngineCommon(s *ini.Section, ec *EngineCommon) {
	ec.ListenAddress = s.Key("listen_address").MustString(ec.ListenAddress)
	ec.ListenPort = s.Key("listen_port").MustInt(ec.ListenPort)
	ec.AcceptanceMessage = s.Key("acceptance_message").MustString(ec.AcceptanceMessage)
	ec.RejectionMessage = s.Key("rejection_message").MustString(ec.RejectionMessage)
	ec.NullSenderOK = s.Key("null_sender_ok").MustBool(ec.NullSenderOK)
}

func splitTrim(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Greylisting.MinimumDeferral > 900 {
		log.Infof("config: GreylistingPolicy.minimum_deferral=%ds exceeds the usual 900s ceiling",
			c.Greylisting.MinimumDeferral)
	}
	if c.Greylisting.MinimumDeferral >= c.Greylisting.CacheTTL {
		return fmt.Errorf("config: GreylistingPolicy.minimum_deferral (%ds) must be less than cache_ttl (%ds)",
			c.Greylisting.MinimumDeferral, c.Greylisting.CacheTTL)
	}
	if c.Redis.Server == "" && !c.Redis.Sentinel() {
		return fmt.Errorf("config: Redis section needs either server/port or sentinel_servers")
	}
	return nil
}

// Default returns a Config seeded with CHAPPS's built-in defaults, the way
// the Python reference configuration does before any file is applied.
func Default() *Config {
	return &Config{
		Core: Core{
			PayloadEncoding: "utf-8",
			UserKey:         "sasl_username",
			ListenerBacklog: 100,
		},
		Adapter: Adapter{
			Driver: "mariadb",
			Host:   "localhost",
			Port:   3306,
		},
		Quota: Quota{
			EngineCommon: EngineCommon{
				ListenAddress:     "127.0.0.1",
				ListenPort:        10225,
				AcceptanceMessage: "DUNNO",
				RejectionMessage:  "REJECT Quota exceeded",
			},
			Margin:             "10",
			CountingRecipients: false,
			MinDelta:           0,
		},
		Greylisting: Greylisting{
			EngineCommon: EngineCommon{
				ListenAddress:     "127.0.0.1",
				ListenPort:        10226,
				AcceptanceMessage: "DUNNO",
				RejectionMessage:  "DEFER_IF_PERMIT Greylisted, please try again later",
			},
			MinimumDeferral:        60,
			CacheTTL:               24 * 3600,
			AutoAllowAfter:         0,
			EnforceOnUnknownDomain: true,
		},
		SDA: SenderDomainAuth{
			EngineCommon: EngineCommon{
				ListenAddress:     "127.0.0.1",
				ListenPort:        10227,
				AcceptanceMessage: "OK",
				RejectionMessage:  "REJECT Not authorized to send as this domain",
			},
		},
		SPF: SPF{
			EngineCommon: EngineCommon{
				ListenAddress: "127.0.0.1",
				ListenPort:    10228,
				// These only govern the null_sender_ok escape hatch in the
				// cascading dispatcher; ordinary SPF results are resolved
				// through SPFActions instead.
				AcceptanceMessage: "DUNNO",
				RejectionMessage:  "REJECT Null sender not permitted",
			},
		},
		SPFActions: SPFActions{
			Passing:     "PREPEND",
			Fail:        "REJECT SPF check failed",
			Softfail:    "DUNNO",
			Temperror:   "DEFER_IF_PERMIT SPF record lookup failed transiently",
			Permerror:   "DUNNO",
			NoneNeutral: "DUNNO",
		},
		Redis: Redis{
			Server: "127.0.0.1",
			Port:   6379,
		},
	}
}

// CheckPassword reports whether candidate's sha256 matches the configured
// admin password digest. It always returns false if no digest is set.
func (c *Config) CheckPassword(candidate string) bool {
	if c.Core.PasswordSHA256 == "" {
		return false
	}
	sum := sha256.Sum256([]byte(candidate))
	return strings.EqualFold(hex.EncodeToString(sum[:]), c.Core.PasswordSHA256)
}

// ParseMargin interprets the configured margin string against limit,
// following §4.D: a plain integer is an absolute count; a float in (0,1]
// is a fraction of limit; a value in (1,100) is a percent of limit.
func ParseMargin(margin string, limit int) (int, error) {
	if margin == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(margin); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(margin, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid margin %q: %w", margin, err)
	}
	switch {
	case f > 0 && f <= 1:
		return int(f * float64(limit)), nil
	case f > 1 && f < 100:
		return int((f / 100) * float64(limit)), nil
	default:
		return 0, fmt.Errorf("config: margin %q out of range", margin)
	}
}
