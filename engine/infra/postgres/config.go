package postgres

import (
	"net"
	"net/url"
	"time"
)

// Config holds PostgreSQL connection settings. Prefer a full DSN via
// ConnString; when empty one is synthesized from the individual fields.
type Config struct {
	ConnString string
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string

	MaxConns           int
	PingTimeout        time.Duration
	HealthCheckTimeout time.Duration
}

// DSN returns the connection string for pgxpool and database/sql.
func (c *Config) DSN() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   c.DBName,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
