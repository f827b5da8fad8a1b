package wire

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
	"github.com/samber/lo"
)

// Config is the settings used to establish a connection.
type Config struct {
	// Host is a name, an IP address, or the absolute path of a unix socket
	// directory.
	Host           string
	Port           uint16
	Database       string
	User           string
	Password       string
	ConnectTimeout time.Duration
	// TLSConfig enables TLS negotiation when non-nil. It is owned by the
	// connection once passed to Connect.
	TLSConfig *tls.Config
	// RuntimeParams are session parameters sent with the startup message
	// (application_name, client_encoding, search_path, etc).
	RuntimeParams map[string]string
	// OnNotice is called for notice responses received during the session.
	OnNotice func(*Notice)

	// tlsFallback permits retrying in plaintext when the server refuses TLS
	// (sslmode=prefer).
	tlsFallback bool
	connString  string
}

// ConnString returns the original connection string passed to ParseConfig.
func (c *Config) ConnString() string { return c.connString }

// ParseConfig builds a Config from a libpq-style connection string, either
// keyword/value form
//
//	host=foo port=5432 dbname=tiles user=render
//
// or URL form
//
//	postgres://render@foo:5432/tiles?sslmode=verify-full
//
// Defaults are taken from the environment the same way libpq does (PGHOST,
// PGPORT, PGDATABASE, PGUSER, PGPASSWORD, PGSSLMODE, ...), `service=`
// references are resolved through the service file, and a missing password is
// looked up in the password file.
func ParseConfig(connString string) (*Config, error) {
	defaults := defaultSettings()
	env := envSettings()

	var parsed map[string]string
	if connString != "" {
		var err error
		if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
			parsed, err = parseURLSettings(connString)
			if err != nil {
				return nil, newParseConfigError(connString, "failed to parse as URL", err)
			}
		} else {
			parsed, err = parseKeywordValue(connString)
			if err != nil {
				return nil, newParseConfigError(connString, "failed to parse as keyword/value", err)
			}
		}
	}

	settings := lo.Assign(defaults, env, parsed)

	if service := settings["service"]; service != "" {
		serviceSettings, err := parseServiceSettings(settings["servicefile"], service)
		if err != nil {
			return nil, newParseConfigError(connString, "failed to read service", err)
		}
		settings = lo.Assign(defaults, env, serviceSettings, parsed)
	}

	config := &Config{
		Host:          settings["host"],
		Database:      settings["database"],
		User:          settings["user"],
		Password:      settings["password"],
		RuntimeParams: make(map[string]string),
		connString:    connString,
	}

	port, err := strconv.ParseUint(settings["port"], 10, 16)
	if err != nil {
		return nil, newParseConfigError(connString, "invalid port", err)
	}
	config.Port = uint16(port)

	if s := settings["connect_timeout"]; s != "" {
		seconds, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, newParseConfigError(connString, "invalid connect_timeout", err)
		}
		config.ConnectTimeout = time.Duration(seconds) * time.Second
	}

	config.TLSConfig, config.tlsFallback, err = configTLS(settings, config.Host)
	if err != nil {
		return nil, newParseConfigError(connString, "failed to configure TLS", err)
	}

	if config.Password == "" {
		if passfilePath := settings["passfile"]; passfilePath != "" {
			if passfile, err := pgpassfile.ReadPassfile(passfilePath); err == nil {
				host := config.Host
				if strings.HasPrefix(host, "/") {
					host = "localhost"
				}
				config.Password = passfile.FindPassword(host, strconv.FormatUint(uint64(config.Port), 10), config.Database, config.User)
			}
		}
	}

	for k, v := range settings {
		if isConnectionSetting(k) {
			continue
		}
		config.RuntimeParams[k] = v
	}

	return config, nil
}

// isConnectionSetting reports whether a setting configures the connection
// itself rather than being a session parameter to send to the server.
func isConnectionSetting(key string) bool {
	switch key {
	case "host", "port", "database", "user", "password", "passfile",
		"connect_timeout", "sslmode", "sslrootcert",
		"service", "servicefile":
		return true
	}
	return false
}

func defaultSettings() map[string]string {
	settings := map[string]string{
		"host":    "localhost",
		"port":    "5432",
		"sslmode": "prefer",
	}

	// The OS user is only a default; callers typically name the user in the
	// connection string anyway, so lookup errors are ignored.
	if u, err := user.Current(); err == nil {
		settings["user"] = u.Username
		if u.HomeDir != "" {
			settings["passfile"] = filepath.Join(u.HomeDir, ".pgpass")
			settings["servicefile"] = filepath.Join(u.HomeDir, ".pg_service.conf")
		}
	}

	return settings
}

var envToSetting = map[string]string{
	"PGHOST":            "host",
	"PGPORT":            "port",
	"PGDATABASE":        "database",
	"PGUSER":            "user",
	"PGPASSWORD":        "password",
	"PGPASSFILE":        "passfile",
	"PGSERVICE":         "service",
	"PGSERVICEFILE":     "servicefile",
	"PGAPPNAME":         "application_name",
	"PGCONNECT_TIMEOUT": "connect_timeout",
	"PGSSLMODE":         "sslmode",
	"PGSSLROOTCERT":     "sslrootcert",
	"PGCLIENTENCODING":  "client_encoding",
}

func envSettings() map[string]string {
	settings := make(map[string]string)
	for envName, setting := range envToSetting {
		if value := os.Getenv(envName); value != "" {
			settings[setting] = value
		}
	}
	return settings
}

// parseKeywordValue parses the keyword/value connection string form: key=value
// pairs separated by whitespace, values optionally single-quoted with
// backslash escapes.
func parseKeywordValue(connString string) (map[string]string, error) {
	settings := make(map[string]string)

	s := connString
	for {
		s = strings.TrimLeft(s, " \t\r\n\f\v")
		if s == "" {
			return settings, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("no value for keyword starting at %q", s)
		}
		key := strings.TrimRight(s[:eq], " \t\r\n\f\v")
		if key == "" {
			return nil, errors.New("empty keyword")
		}
		if key == "dbname" {
			key = "database"
		}

		s = strings.TrimLeft(s[eq+1:], " \t\r\n\f\v")
		var (
			val string
			err error
		)
		if strings.HasPrefix(s, "'") {
			val, s, err = scanQuotedValue(s[1:])
		} else {
			val, s, err = scanBareValue(s)
		}
		if err != nil {
			return nil, err
		}

		settings[key] = val
	}
}

func scanBareValue(s string) (value, rest string, err error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n', '\f', '\v':
			return b.String(), s[i+1:], nil
		case '\\':
			i++
			if i == len(s) {
				return "", "", errors.New("trailing backslash in value")
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), "", nil
}

func scanQuotedValue(s string) (value, rest string, err error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			return b.String(), s[i+1:], nil
		case '\\':
			i++
			if i == len(s) {
				return "", "", errors.New("trailing backslash in value")
			}
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", errors.New("unterminated quoted value")
}

func parseURLSettings(connString string) (map[string]string, error) {
	settings := make(map[string]string)

	u, err := url.Parse(connString)
	if err != nil {
		return nil, err
	}

	if u.User != nil {
		settings["user"] = u.User.Username()
		if password, ok := u.User.Password(); ok {
			settings["password"] = password
		}
	}

	if u.Host != "" {
		if strings.ContainsRune(u.Host, ',') {
			return nil, errors.New("multiple hosts are not supported")
		}
		if host := u.Hostname(); host != "" {
			settings["host"] = host
		}
		if port := u.Port(); port != "" {
			settings["port"] = port
		}
	}

	if database := strings.TrimLeft(u.Path, "/"); database != "" {
		settings["database"] = database
	}

	for k, v := range u.Query() {
		if k == "dbname" {
			k = "database"
		}
		settings[k] = v[0]
	}

	return settings, nil
}

func parseServiceSettings(servicefilePath, serviceName string) (map[string]string, error) {
	servicefile, err := pgservicefile.ReadServicefile(servicefilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service file %s: %w", servicefilePath, err)
	}

	service, err := servicefile.GetService(serviceName)
	if err != nil {
		return nil, fmt.Errorf("unable to find service %s: %w", serviceName, err)
	}

	settings := make(map[string]string, len(service.Settings))
	for k, v := range service.Settings {
		if k == "dbname" {
			k = "database"
		}
		settings[k] = v
	}

	return settings, nil
}

func configTLS(settings map[string]string, host string) (*tls.Config, bool, error) {
	mode := settings["sslmode"]
	if mode == "" {
		mode = "prefer"
	}
	if mode == "disable" {
		return nil, false, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if rootCertPath := settings["sslrootcert"]; rootCertPath != "" {
		caPEM, err := os.ReadFile(rootCertPath)
		if err != nil {
			return nil, false, fmt.Errorf("unable to read CA file: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caPEM) {
			return nil, false, errors.New("unable to add CA to cert pool")
		}
		tlsConfig.RootCAs = caPool
	}

	switch mode {
	case "prefer":
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, true, nil
	case "require":
		// Per libpq, require with a CA file behaves as verify-ca; without one
		// the session is encrypted but the server is not verified.
		if tlsConfig.RootCAs == nil {
			tlsConfig.InsecureSkipVerify = true
			return tlsConfig, false, nil
		}
		fallthrough
	case "verify-ca":
		// crypto/tls has no chain-only mode, so verification runs in
		// VerifyPeerCertificate with host name checks disabled.
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = chainVerifier(tlsConfig.RootCAs)
		return tlsConfig, false, nil
	case "verify-full":
		tlsConfig.ServerName = host
		return tlsConfig, false, nil
	default:
		return nil, false, fmt.Errorf("sslmode is invalid: %s", mode)
	}
}

func chainVerifier(rootCAs *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(certificates [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, len(certificates))
		for i, asn1Data := range certificates {
			cert, err := x509.ParseCertificate(asn1Data)
			if err != nil {
				return fmt.Errorf("failed to parse certificate from server: %w", err)
			}
			certs[i] = cert
		}

		opts := x509.VerifyOptions{
			Roots:         rootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

// NetworkAddress converts a host and port into a network and address suitable
// for net.Dial. A host beginning with / selects a unix socket directory.
func NetworkAddress(host string, port uint16) (network, address string) {
	if strings.HasPrefix(host, "/") {
		return "unix", filepath.Join(host, ".s.PGSQL.") + strconv.FormatUint(uint64(port), 10)
	}
	return "tcp", net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}
