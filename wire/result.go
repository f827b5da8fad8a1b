package wire

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mapnine/geopg/internal/bufpool"
)

// ResultStatus is the disposition the server reported for one result.
type ResultStatus int

const (
	// ResultCommandOK means the statement completed without producing rows.
	ResultCommandOK ResultStatus = iota
	// ResultTuplesOK means the statement completed and produced row data.
	ResultTuplesOK
	// ResultEmptyQuery means the submitted query string was empty.
	ResultEmptyQuery
	// ResultFatalError means the server reported an error for the statement.
	ResultFatalError
	// ResultBadResponse means the response stream could not be understood.
	ResultBadResponse
)

func (s ResultStatus) String() string {
	switch s {
	case ResultCommandOK:
		return "CommandOK"
	case ResultTuplesOK:
		return "TuplesOK"
	case ResultEmptyQuery:
		return "EmptyQuery"
	case ResultFatalError:
		return "FatalError"
	case ResultBadResponse:
		return "BadResponse"
	}
	return "Unknown"
}

// FieldDescription describes one column of a row-bearing result.
type FieldDescription struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber uint16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               int16
}

func convertFields(src []pgproto3.FieldDescription) []FieldDescription {
	dst := make([]FieldDescription, len(src))
	for i, fd := range src {
		dst[i] = FieldDescription{
			Name:                 string(fd.Name),
			TableOID:             fd.TableOID,
			TableAttributeNumber: fd.TableAttributeNumber,
			DataTypeOID:          fd.DataTypeOID,
			DataTypeSize:         fd.DataTypeSize,
			TypeModifier:         fd.TypeModifier,
			Format:               fd.Format,
		}
	}
	return dst
}

// CommandTag is the status text the server reports when a command completes,
// e.g. "SELECT 5" or "CREATE TABLE".
type CommandTag struct {
	s string
}

// NewCommandTag makes a CommandTag from s. It is mostly useful to fakes and
// mock servers in tests.
func NewCommandTag(s string) CommandTag {
	return CommandTag{s: s}
}

func (ct CommandTag) String() string {
	return ct.s
}

// RowsAffected returns the number of rows reported by the tag, or 0 when the
// tag carries none.
func (ct CommandTag) RowsAffected() int64 {
	idx := strings.LastIndexByte(ct.s, ' ')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(ct.s[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Result is one unit of response data the server returned for a submitted
// statement. A statement may legally produce several Results. Each Result must
// be released exactly once; the row values it exposes alias pooled storage and
// are invalid after Release.
type Result struct {
	status    ResultStatus
	tag       CommandTag
	fields    []FieldDescription
	rows      [][][]byte
	serverErr *ServerError

	arenas   []*[]byte
	released bool
}

// NewResult constructs a detached Result. It exists for fakes and scripted
// servers in tests; Conn builds its own Results from the response stream.
func NewResult(status ResultStatus, fields []FieldDescription, rows [][][]byte) *Result {
	return &Result{status: status, fields: fields, rows: rows}
}

// Status reports the server's disposition for this result.
func (r *Result) Status() ResultStatus { return r.status }

// Tag returns the command tag, valid when Status is ResultCommandOK or
// ResultTuplesOK.
func (r *Result) Tag() CommandTag { return r.tag }

// Fields describes the columns of a row-bearing result.
func (r *Result) Fields() []FieldDescription { return r.fields }

// Len returns the number of rows.
func (r *Result) Len() int { return len(r.rows) }

// Row returns the raw column values of row i. A nil value is a SQL NULL.
// Values are only valid until Release.
func (r *Result) Row(i int) [][]byte { return r.rows[i] }

// ServerError returns the error the server reported, when Status is
// ResultFatalError.
func (r *Result) ServerError() *ServerError { return r.serverErr }

// Release returns the result's row storage to the shared pool. It is
// idempotent; only the first call has an effect.
func (r *Result) Release() {
	if r.released {
		return
	}
	r.released = true
	r.rows = nil
	for _, a := range r.arenas {
		bufpool.Put(a)
	}
	r.arenas = nil
}

// Released reports whether Release has been called.
func (r *Result) Released() bool { return r.released }

// appendRow copies values into pooled arena storage. The copy is required:
// the wire codec reuses its read buffer between messages.
func (r *Result) appendRow(values [][]byte) {
	need := 0
	for _, v := range values {
		need += len(v)
	}
	a := r.arenaFor(need)
	row := make([][]byte, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		n := len(*a)
		*a = append(*a, v...)
		row[i] = (*a)[n : n+len(v) : n+len(v)]
	}
	r.rows = append(r.rows, row)
}

func (r *Result) arenaFor(need int) *[]byte {
	if len(r.arenas) > 0 {
		a := r.arenas[len(r.arenas)-1]
		if cap(*a)-len(*a) >= need {
			return a
		}
	}
	size := need
	if size < 4096 {
		size = 4096
	}
	a := bufpool.Get(size)
	r.arenas = append(r.arenas, a)
	return a
}
