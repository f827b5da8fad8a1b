package geopg

import (
	"errors"
	"strings"
)

// ErrKind classifies a failure surfaced by a Connection.
type ErrKind int

const (
	// ErrKindConnect is a connection-establishment failure, or an operation
	// attempted on a closed or never-established connection.
	ErrKindConnect ErrKind = iota
	// ErrKindQuery covers submission failures, wait failures, terminal
	// results without row data, and async protocol desync.
	ErrKindQuery
	// ErrKindTimeout means the statement timeout elapsed before the server
	// delivered a complete result.
	ErrKindTimeout
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindConnect:
		return "connect"
	case ErrKindQuery:
		return "query"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Connection operations. Its message is
// self-sufficient for diagnosing a misbehaving query without correlating
// logs: it carries the server's diagnostic text plus the connection string or
// SQL that triggered the failure. Credentials never appear in it.
type Error struct {
	Kind       ErrKind
	Message    string
	SQL        string
	ConnString string

	err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("geopg: ")
	sb.WriteString(e.Message)
	if e.ConnString != "" {
		sb.WriteString("\nConnection string: '")
		sb.WriteString(e.ConnString)
		sb.WriteString("'")
	}
	if e.SQL != "" {
		sb.WriteString("\nfull query was: '")
		sb.WriteString(e.SQL)
		sb.WriteString("'")
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.err }

// Timeout reports whether err is a statement-timeout failure.
func Timeout(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind == ErrKindTimeout
	}
	return false
}
