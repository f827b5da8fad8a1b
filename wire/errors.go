package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("connection is closed")

// ErrBusy is returned when a query is submitted while another command is
// already in progress on the same Conn.
var ErrBusy = errors.New("another command is already in progress")

// ServerError is an error reported by the server.
type ServerError struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

func serverErrorFromResponse(msg *pgproto3.ErrorResponse) *ServerError {
	return &ServerError{
		Severity:         string(msg.Severity),
		Code:             string(msg.Code),
		Message:          string(msg.Message),
		Detail:           string(msg.Detail),
		Hint:             msg.Hint,
		Position:         msg.Position,
		InternalPosition: msg.InternalPosition,
		InternalQuery:    string(msg.InternalQuery),
		Where:            string(msg.Where),
		SchemaName:       string(msg.SchemaName),
		TableName:        string(msg.TableName),
		ColumnName:       string(msg.ColumnName),
		DataTypeName:     string(msg.DataTypeName),
		ConstraintName:   msg.ConstraintName,
		File:             string(msg.File),
		Line:             msg.Line,
		Routine:          string(msg.Routine),
	}
}

// Notice is a non-error diagnostic message reported by the server. It shares
// the field layout of ServerError but is informational only.
type Notice ServerError

// ConnectError is returned when a session could not be established.
type ConnectError struct {
	addr string
	err  error
}

func (e *ConnectError) Error() string {
	if e.addr == "" {
		return fmt.Sprintf("failed to connect: %s", e.err.Error())
	}
	return fmt.Sprintf("failed to connect to `%s`: %s", e.addr, e.err.Error())
}

func (e *ConnectError) Unwrap() error { return e.err }

type parseConfigError struct {
	connString string
	msg        string
	err        error
}

func newParseConfigError(connString, msg string, err error) error {
	return &parseConfigError{
		connString: RedactConnString(connString),
		msg:        msg,
		err:        err,
	}
}

func (e *parseConfigError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("cannot parse `%s`: %s", e.connString, e.msg)
	}
	return fmt.Sprintf("cannot parse `%s`: %s (%s)", e.connString, e.msg, e.err.Error())
}

func (e *parseConfigError) Unwrap() error { return e.err }

var (
	quotedPasswordRegexp = regexp.MustCompile(`password='[^']*'`)
	plainPasswordRegexp  = regexp.MustCompile(`password=[^ ]*`)
	// userinfo of a URL that url.Parse rejected
	brokenURLPasswordRegexp = regexp.MustCompile(`:[^:@]+?@`)
)

// RedactConnString strips credentials so a connection string can appear in
// error text and logs.
func RedactConnString(connString string) string {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		if u, err := url.Parse(connString); err == nil {
			if u.User != nil {
				u.User = url.User(u.User.Username())
			}
			q := u.Query()
			if q.Has("password") {
				q.Set("password", "xxxxx")
				u.RawQuery = q.Encode()
			}
			return u.String()
		}
	}
	connString = quotedPasswordRegexp.ReplaceAllLiteralString(connString, "password=xxxxx")
	connString = plainPasswordRegexp.ReplaceAllLiteralString(connString, "password=xxxxx")
	connString = brokenURLPasswordRegexp.ReplaceAllLiteralString(connString, ":xxxxx@")
	return connString
}

// Timeout reports whether err was caused by a deadline or cancellation rather
// than a protocol or server failure.
func Timeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
