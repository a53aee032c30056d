// Package bucket defines the bucket model: a named database target that gets
// its own connection pool.
package bucket

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Driver names accepted in bucket configuration.
const (
	DriverSQLServer = "sqlserver"
	DriverPostgres  = "postgres"
	DriverPgx       = "pgx"
	DriverMySQL     = "mysql"
	DriverSQLite    = "sqlite"
)

// Bucket represents one database target.
type Bucket struct {
	ID       string `yaml:"id"`
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// URL, when set, is used verbatim instead of rendering a DSN.
	URL    string            `yaml:"url"`
	Params map[string]string `yaml:"params"`

	// MaxConnections is the limit shared by every daemon instance when the
	// distributed coordinator is enabled.
	MaxConnections    int           `yaml:"max_connections"`
	MinIdle           int           `yaml:"min_idle"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
}

// Normalize maps driver aliases to the canonical names above.
func Normalize(driver string) string {
	switch strings.ToLower(driver) {
	case "", "sqlserver", "mssql":
		return DriverSQLServer
	case "postgres", "postgresql", "pq":
		return DriverPostgres
	case "pgx", "postgres+pgx", "postgresql+pgx":
		return DriverPgx
	case "mysql":
		return DriverMySQL
	case "sqlite", "sqlite3":
		return DriverSQLite
	default:
		return strings.ToLower(driver)
	}
}

// DriverName returns the database/sql driver name for the bucket.
func (b *Bucket) DriverName() string {
	return Normalize(b.Driver)
}

// Async reports whether the bucket is served by an asynchronous driver.
func (b *Bucket) Async() bool {
	return b.DriverName() == DriverPgx
}

// DSN returns the connection string for the bucket's driver.
func (b *Bucket) DSN() (string, error) {
	if b.URL != "" {
		return b.URL, nil
	}
	switch b.DriverName() {
	case DriverSQLServer:
		q := url.Values{}
		q.Set("database", b.Database)
		if b.ConnectionTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(b.ConnectionTimeout.Seconds())))
		}
		b.addParams(q)
		u := url.URL{Scheme: "sqlserver", User: b.userinfo(), Host: b.Addr(), RawQuery: q.Encode()}
		return u.String(), nil
	case DriverPostgres, DriverPgx:
		q := url.Values{}
		if b.ConnectionTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(b.ConnectionTimeout.Seconds())))
		}
		b.addParams(q)
		u := url.URL{Scheme: "postgres", User: b.userinfo(), Host: b.Addr(), Path: "/" + b.Database, RawQuery: q.Encode()}
		return u.String(), nil
	case DriverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = b.Username
		cfg.Passwd = b.Password
		cfg.Net = "tcp"
		cfg.Addr = b.Addr()
		cfg.DBName = b.Database
		cfg.Timeout = b.ConnectionTimeout
		if len(b.Params) > 0 {
			cfg.Params = make(map[string]string, len(b.Params))
			for k, v := range b.Params {
				cfg.Params[k] = v
			}
		}
		return cfg.FormatDSN(), nil
	case DriverSQLite:
		if b.Database == "" {
			return "", fmt.Errorf("bucket %s: sqlite needs a database path", b.ID)
		}
		if len(b.Params) == 0 {
			return b.Database, nil
		}
		q := url.Values{}
		b.addParams(q)
		return "file:" + b.Database + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("bucket %s: unsupported driver %q", b.ID, b.Driver)
	}
}

// Addr returns the host:port address of the database server.
func (b *Bucket) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func (b *Bucket) userinfo() *url.Userinfo {
	if b.Username == "" {
		return nil
	}
	return url.UserPassword(b.Username, b.Password)
}

func (b *Bucket) addParams(q url.Values) {
	keys := make([]string, 0, len(b.Params))
	for k := range b.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, b.Params[k])
	}
}
