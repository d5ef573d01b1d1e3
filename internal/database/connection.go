package database

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultHost   = "localhost"
	DefaultPort   = "27017"
	defaultAuthDB = "admin"
)

// ErrInvalidURI is returned by ParseConnection for URIs the tools
// cannot be pointed at.
var ErrInvalidURI = errors.New("invalid mongodb uri")

// ConnectionParams are the flags every tool invocation starts with.
type ConnectionParams struct {
	Host         string
	Port         string
	Username     string
	Password     string
	AuthDatabase string
	// SRV marks a mongodb+srv seed; Host is then the DNS name and Port
	// is empty.
	SRV bool
}

// DefaultConnection targets a local server without authentication.
func DefaultConnection() ConnectionParams {
	return ConnectionParams{Host: DefaultHost, Port: DefaultPort}
}

// ParseConnection extracts host, port, credentials and authSource from a
// mongodb:// or mongodb+srv:// URI. Only the first host of a seed list
// is used.
func ParseConnection(uri string) (ConnectionParams, error) {
	if strings.TrimSpace(uri) == "" {
		return DefaultConnection(), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	switch u.Scheme {
	case "mongodb":
	case "mongodb+srv":
		return parseSRV(u)
	default:
		return ConnectionParams{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}

	hostport := u.Host
	if i := strings.Index(hostport, ","); i >= 0 {
		hostport = hostport[:i]
	}
	seed, err := url.Parse("mongodb://" + hostport)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	p := ConnectionParams{
		Host:         seed.Hostname(),
		Port:         seed.Port(),
		AuthDatabase: u.Query().Get("authSource"),
	}
	if p.Host == "" {
		return ConnectionParams{}, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}
	if p.Port == "" {
		p.Port = DefaultPort
	}
	withUserInfo(&p, u)
	return p, nil
}

func parseSRV(u *url.URL) (ConnectionParams, error) {
	if u.Hostname() == "" {
		return ConnectionParams{}, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}
	if u.Port() != "" || strings.Contains(u.Host, ",") {
		return ConnectionParams{}, fmt.Errorf("%w: srv uri takes a single host without port", ErrInvalidURI)
	}
	p := ConnectionParams{
		Host:         u.Hostname(),
		AuthDatabase: u.Query().Get("authSource"),
		SRV:          true,
	}
	withUserInfo(&p, u)
	return p, nil
}

func withUserInfo(p *ConnectionParams, u *url.URL) {
	if p.AuthDatabase == "" {
		p.AuthDatabase = defaultAuthDB
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
}

// ResolveConnection is ParseConnection that falls back to the local
// default instead of failing.
func ResolveConnection(uri string) ConnectionParams {
	p, err := ParseConnection(uri)
	if err != nil {
		return DefaultConnection()
	}
	return p
}

// WithCredentials returns a copy using the given username and password.
// Empty values leave the current ones in place.
func (p ConnectionParams) WithCredentials(username, password string) ConnectionParams {
	if username != "" {
		p.Username = username
	}
	if password != "" {
		p.Password = password
	}
	if p.AuthDatabase == "" && p.Username != "" {
		p.AuthDatabase = defaultAuthDB
	}
	return p
}

// Args renders the connection as flags for mongodump and mongorestore.
// Credentials are included only when both username and password are
// present. SRV seeds are passed as --uri without credentials.
func (p ConnectionParams) Args() []string {
	if p.SRV {
		return append([]string{"--uri", p.seedURI()}, p.authArgs()...)
	}
	return append([]string{"--host", p.Host, "--port", p.Port}, p.authArgs()...)
}

// ShellArgs renders the connection for mongosh, which takes an SRV seed
// as a positional connection string.
func (p ConnectionParams) ShellArgs() []string {
	if p.SRV {
		return append([]string{p.seedURI()}, p.authArgs()...)
	}
	return p.Args()
}

func (p ConnectionParams) seedURI() string {
	u := url.URL{Scheme: "mongodb+srv", Host: p.Host, Path: "/"}
	return u.String()
}

func (p ConnectionParams) authArgs() []string {
	var args []string
	if p.Username != "" && p.Password != "" {
		args = append(args, "--username", p.Username, "--password", p.Password)
	}
	if p.AuthDatabase != "" {
		args = append(args, "--authenticationDatabase", p.AuthDatabase)
	}
	return args
}

// URI renders the connection for the driver.
func (p ConnectionParams) URI() string {
	u := url.URL{Scheme: "mongodb", Host: p.Host + ":" + p.Port, Path: "/"}
	if p.SRV {
		u.Scheme, u.Host = "mongodb+srv", p.Host
	}
	if p.Username != "" && p.Password != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	if p.AuthDatabase != "" {
		u.RawQuery = url.Values{"authSource": {p.AuthDatabase}}.Encode()
	}
	return u.String()
}

// String is safe to log.
func (p ConnectionParams) String() string {
	user := ""
	if p.Username != "" {
		user = p.Username + "@"
	}
	if p.SRV {
		return fmt.Sprintf("mongodb+srv://%s%s", user, p.Host)
	}
	return fmt.Sprintf("%s%s:%s", user, p.Host, p.Port)
}

// InjectCredentials returns uri with its user info replaced by username
// and password, keeping hosts and options.
func InjectCredentials(uri, username, password string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}
