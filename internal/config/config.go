// Package config centralizes every operator-tunable the gateway reads from
// its environment, following a read-env-fall-back-to-constant idiom for
// every variable, expanded to cover the whole of spec.md §6's configuration
// surface.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved set of operator tunables.
type Config struct {
	MaxShardSizeGB     int64
	CacheTTLMs         int64
	CacheSWRMs         int64
	ShardCount         int
	DefaultCacheTTL    time.Duration
	DefaultCacheSWR    time.Duration
	MaxOps             int
	MaxBytes           int64
	AuditRetentionDays int
	EnforceHTTPS       bool
	AllowCountries     []string
	BlockCountries     []string
	AllowIPs           []string
	BlockIPs           []string

	// StrictTenantIsolation resolves the Open Question on column-list-less
	// INSERT statements: true rejects them with INVALID_QUERY (spec.md §9's
	// recommended strict-mode behavior), false passes them through with a
	// logged warning.
	StrictTenantIsolation bool

	// RequestDeadline is the default end-to-end deadline spec.md §5 requires
	// foreground handlers to enforce.
	RequestDeadline time.Duration

	JaegerEndpoint string
	ServiceName    string

	PostgresDSN string

	// ListenAddr is the address cmd/gateway binds its HTTP/WebSocket
	// listener to.
	ListenAddr string

	// APITokens is the static bearer-token allowlist spec.md §6's "Auth:
	// JWT verifier config and an API-token allowlist" line calls for,
	// for callers that authenticate with a long-lived token instead of a
	// JWT. AdminTokens is the subset of those tokens (or an additional
	// allowlist) granted the privileged principal required by /admin.
	APITokens   []string
	AdminTokens []string

	// JWTSigningKey verifies bearer tokens that aren't in APITokens as
	// HMAC-signed JWTs carrying a tenantId claim and, optionally, an
	// "admin" role. Token issuance is someone else's concern; the
	// gateway only verifies a principal it's handed.
	JWTSigningKey string

	// ShardEndpoints maps a shard ID to the base URL of the actor serving
	// it, parsed from "id=url,id2=url2" pairs. Empty means no real shard
	// fleet is configured and cmd/gateway falls back to ShardCount
	// in-process shardsim actors for local/dev use.
	ShardEndpoints map[string]string

	// BreakerFailureThreshold/BreakerSuccessThreshold/BreakerWindow/
	// BreakerCooldown tune the circuit breaker shardclient.Client opens
	// per shard. BreakerWindow is the sliding window (spec.md §4.10)
	// within which failures accumulate toward BreakerFailureThreshold;
	// failures older than the window no longer count.
	BreakerFailureThreshold int64
	BreakerSuccessThreshold int64
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		MaxShardSizeGB:          50,
		CacheTTLMs:              30_000,
		CacheSWRMs:              120_000,
		ShardCount:              16,
		DefaultCacheTTL:         30 * time.Second,
		DefaultCacheSWR:         120 * time.Second,
		MaxOps:                  100,
		MaxBytes:                1 << 20, // 1MB
		AuditRetentionDays:      90,
		EnforceHTTPS:            true,
		StrictTenantIsolation:   true,
		RequestDeadline:         30 * time.Second,
		JaegerEndpoint:          "http://jaeger:14268/api/traces",
		ServiceName:             "workersql-gateway",
		ListenAddr:              ":8080",
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerWindow:           30 * time.Second,
		BreakerCooldown:         10 * time.Second,
	}
}

// FromEnv resolves Config from the process environment, overriding each
// field of Default() whose corresponding variable is set.
func FromEnv() *Config {
	c := Default()

	c.MaxShardSizeGB = envInt64("MAX_SHARD_SIZE_GB", c.MaxShardSizeGB)
	c.CacheTTLMs = envInt64("CACHE_TTL_MS", c.CacheTTLMs)
	c.CacheSWRMs = envInt64("CACHE_SWR_MS", c.CacheSWRMs)
	c.ShardCount = int(envInt64("SHARD_COUNT", int64(c.ShardCount)))
	c.DefaultCacheTTL = envDuration("DEFAULT_CACHE_TTL", c.DefaultCacheTTL)
	c.DefaultCacheSWR = envDuration("DEFAULT_CACHE_SWR", c.DefaultCacheSWR)
	c.MaxOps = int(envInt64("MAX_OPS", int64(c.MaxOps)))
	c.MaxBytes = envInt64("MAX_BYTES", c.MaxBytes)
	c.AuditRetentionDays = int(envInt64("AUDIT_RETENTION_DAYS", int64(c.AuditRetentionDays)))
	c.EnforceHTTPS = envBool("ENFORCE_HTTPS", c.EnforceHTTPS)
	c.AllowCountries = envList("ALLOW_COUNTRIES", c.AllowCountries)
	c.BlockCountries = envList("BLOCK_COUNTRIES", c.BlockCountries)
	c.AllowIPs = envList("ALLOW_IPS", c.AllowIPs)
	c.BlockIPs = envList("BLOCK_IPS", c.BlockIPs)
	c.StrictTenantIsolation = envBool("STRICT_TENANT_ISOLATION", c.StrictTenantIsolation)

	if v := os.Getenv("REQUEST_DEADLINE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RequestDeadline = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		c.JaegerEndpoint = v
	}
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	c.PostgresDSN = os.Getenv("POSTGRES_DSN")

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	c.APITokens = envList("API_TOKENS", c.APITokens)
	c.AdminTokens = envList("ADMIN_TOKENS", c.AdminTokens)
	c.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")
	c.ShardEndpoints = envShardMap("SHARD_ENDPOINTS", c.ShardEndpoints)
	c.BreakerFailureThreshold = envInt64("BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold)
	c.BreakerSuccessThreshold = envInt64("BREAKER_SUCCESS_THRESHOLD", c.BreakerSuccessThreshold)
	c.BreakerWindow = envDuration("BREAKER_WINDOW", c.BreakerWindow)
	c.BreakerCooldown = envDuration("BREAKER_COOLDOWN", c.BreakerCooldown)

	return c
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envShardMap parses "id=url,id2=url2" pairs. Malformed entries (missing
// "=") are skipped rather than failing startup.
func envShardMap(key string, fallback map[string]string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
