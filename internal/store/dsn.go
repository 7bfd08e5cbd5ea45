package store

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"gopkg.in/ini.v1"
	_ "modernc.org/sqlite"

	"github.com/galois26/xwiki-consumer/internal/config"
)

// Credentials as read from a my.cnf style file.
type Credentials struct {
	User     string
	Password string
	Host     string
	Port     int
}

// ReadCredentials parses the [client] section of a MySQL option file.
// Bare flags such as "skip-ssl" are tolerated.
func ReadCredentials(path string) (Credentials, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, Insensitive: true}, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials %s: %w", path, err)
	}
	sec := f.Section("client")
	c := Credentials{
		User:     sec.Key("user").String(),
		Password: sec.Key("password").String(),
		Host:     sec.Key("host").String(),
	}
	if p := sec.Key("port").String(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Credentials{}, fmt.Errorf("credentials port %q: %w", p, err)
		}
		c.Port = n
	}
	return c, nil
}

// BuildDSN turns the database config into a driver DSN. An explicit DSN
// wins; otherwise host/name come from config and user/password from the
// credentials file.
func BuildDSN(cfg config.DatabaseConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	var creds Credentials
	if cfg.CredentialsFile != "" && cfg.Driver != "sqlite" {
		c, err := ReadCredentials(cfg.CredentialsFile)
		if err != nil {
			return "", err
		}
		creds = c
	}
	host := cfg.Host
	if host == "" {
		host = creds.Host
	}
	port := cfg.Port
	if port == 0 {
		port = creds.Port
	}

	switch strings.ToLower(cfg.Driver) {
	case "mysql", "":
		if port == 0 {
			port = 3306
		}
		mc := mysql.NewConfig()
		mc.User = creds.User
		mc.Passwd = creds.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Params = map[string]string{"charset": "utf8mb4"}
		return mc.FormatDSN(), nil
	case "postgres", "postgresql":
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(host, strconv.Itoa(port)),
			Path:   "/" + cfg.Name,
		}
		if creds.User != "" {
			if creds.Password != "" {
				u.User = url.UserPassword(creds.User, creds.Password)
			} else {
				u.User = url.User(creds.User)
			}
		}
		q := url.Values{}
		if cfg.SSLMode != "" {
			q.Set("sslmode", cfg.SSLMode)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case "sqlite", "sqlite3":
		return cfg.Name, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}
