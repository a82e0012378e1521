package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// SessionServiceConfig holds the configuration of the session service.
type SessionServiceConfig struct {
	HTTPAddr string `env:"SESSION_HTTP_ADDR" envDefault:":8080"`
	// InternalHTTPAddr serves session issuance, user-level management and metrics. It must
	// only be reachable by other services.
	InternalHTTPAddr string          `env:"SESSION_INTERNAL_HTTP_ADDR" envDefault:":8081"`
	GRPCHost         string          `env:"SESSION_GRPC_HOST"          envDefault:"0.0.0.0"`
	GRPCPort         int             `env:"SESSION_GRPC_PORT"          envDefault:"9090"`
	LogLevel         string          `env:"LOG_LEVEL"                  envDefault:"info"`
	LogPretty        bool            `env:"LOG_PRETTY"                 envDefault:"false"`
	Token            TokenConfig     `envPrefix:"SESSION_TOKEN_"`
	Grants           GrantsConfig    `envPrefix:"SESSION_GRANT_"`
	Transport        TransportConfig `envPrefix:"SESSION_TRANSPORT_"`
	RateLimit        RateLimitConfig `envPrefix:"SESSION_RATE_LIMIT_"`
	Redis            RedisConfig     `envPrefix:"REDIS_"`
	Mongo            MongoConfig     `envPrefix:"MONGO_"`
	Consul           ConsulConfig    `envPrefix:"CONSUL_"`
}

// TokenConfig holds the signing and expiration settings of session tokens.
type TokenConfig struct {
	Issuer          string        `env:"ISSUER"           envDefault:"session-service"`
	Audience        string        `env:"AUDIENCE"         envDefault:"session-service"`
	ShortExpiration time.Duration `env:"SHORT_EXPIRATION" envDefault:"1h"`
	LongExpiration  time.Duration `env:"LONG_EXPIRATION"  envDefault:"720h"`
}

// GrantsConfig tunes grant propagation. Admin is the grant a caller needs to list or
// change the sessions of another user.
type GrantsConfig struct {
	PropagationConcurrency int    `env:"PROPAGATION_CONCURRENCY" envDefault:"4"`
	Admin                  string `env:"ADMIN"                   envDefault:"sessions:admin"`
}

// TransportConfig selects how bearer tokens travel with requests.
type TransportConfig struct {
	Header         string `env:"HEADER"          envDefault:"Authorization"`
	Cookie         string `env:"COOKIE"`
	Realm          string `env:"REALM"           envDefault:"session-service"`
	InsecureCookie bool   `env:"INSECURE_COOKIE" envDefault:"false"`
}

// RateLimitConfig limits the credential endpoints (issue, device login and refresh) per client IP.
type RateLimitConfig struct {
	Requests int           `env:"REQUESTS" envDefault:"60"`
	Window   time.Duration `env:"WINDOW"   envDefault:"1m"`
}

// RedisConfig holds the connection settings of the three session keyspaces.
type RedisConfig struct {
	Addr             string `env:"ADDR"               envDefault:"localhost:6379"`
	Username         string `env:"USERNAME"`
	Password         string `env:"PASSWORD"`
	SecretsDB        int    `env:"SECRETS_DB"         envDefault:"0"`
	UserTokensDB     int    `env:"USER_TOKENS_DB"     envDefault:"1"`
	PendingRefreshDB int    `env:"PENDING_REFRESH_DB" envDefault:"2"`
}

// MongoConfig holds the device-session database settings.
type MongoConfig struct {
	URI      string `env:"URI"`
	Database string `env:"DATABASE" envDefault:"sessions"`
}

// ConsulConfig enables service registration when Address is set.
type ConsulConfig struct {
	Address     string `env:"ADDRESS"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"session-service"`
	ServiceID   string `env:"SERVICE_ID"`
}

// NewSessionServiceConfig creates a SessionServiceConfig instance from environment variables.
func NewSessionServiceConfig() (*SessionServiceConfig, error) {
	return newSessionServiceConfig(env.Options{})
}

func newSessionServiceConfig(opts env.Options) (*SessionServiceConfig, error) {
	cfg, err := env.ParseAsWithOptions[SessionServiceConfig](opts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GRPCAddr returns the listen address of the gRPC server.
func (c *SessionServiceConfig) GRPCAddr() string {
	return net.JoinHostPort(c.GRPCHost, strconv.Itoa(c.GRPCPort))
}

// validate checks if the session service configuration is valid.
func (c *SessionServiceConfig) validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("missing MONGO_URI environment variable")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("missing REDIS_ADDR environment variable")
	}
	if c.Token.ShortExpiration <= 0 || c.Token.LongExpiration <= 0 {
		return fmt.Errorf("session token expirations must be positive")
	}
	if c.Token.ShortExpiration > c.Token.LongExpiration {
		return fmt.Errorf("SESSION_TOKEN_SHORT_EXPIRATION must not exceed SESSION_TOKEN_LONG_EXPIRATION")
	}
	if c.Grants.PropagationConcurrency < 1 {
		return fmt.Errorf("SESSION_GRANT_PROPAGATION_CONCURRENCY must be at least 1")
	}
	if c.Grants.Admin == "" {
		return fmt.Errorf("missing SESSION_GRANT_ADMIN environment variable")
	}
	if c.InternalHTTPAddr == "" || c.InternalHTTPAddr == c.HTTPAddr {
		return fmt.Errorf("SESSION_INTERNAL_HTTP_ADDR must be set and differ from SESSION_HTTP_ADDR")
	}
	if c.Transport.Header == "" && c.Transport.Cookie == "" {
		return fmt.Errorf("one of SESSION_TRANSPORT_HEADER or SESSION_TRANSPORT_COOKIE is required")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("SESSION_RATE_LIMIT_REQUESTS and SESSION_RATE_LIMIT_WINDOW must be positive")
	}
	if c.GRPCPort <= 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid SESSION_GRPC_PORT %d", c.GRPCPort)
	}

	return nil
}
