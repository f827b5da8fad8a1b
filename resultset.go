package geopg

import "github.com/mapnine/geopg/wire"

// ResultSet is one query result the caller steps through row by row. It is
// exclusively owned by the caller once returned; the Connection never retains
// or re-reads it. Close releases the underlying payload and must eventually
// be called; the row values are invalid afterwards.
type ResultSet struct {
	res *wire.Result
	row int
}

func newResultSet(res *wire.Result) *ResultSet {
	return &ResultSet{res: res, row: -1}
}

// Next advances to the next row, reporting false once the rows are
// exhausted. The value accessors address the row Next advanced to.
func (rs *ResultSet) Next() bool {
	if rs.row+1 >= rs.res.Len() {
		return false
	}
	rs.row++
	return true
}

// Count returns the number of rows.
func (rs *ResultSet) Count() int { return rs.res.Len() }

// FieldCount returns the number of columns per row.
func (rs *ResultSet) FieldCount() int { return len(rs.res.Fields()) }

// FieldName returns the name of column i.
func (rs *ResultSet) FieldName(i int) string { return rs.res.Fields()[i].Name }

// FieldOID returns the data type OID of column i.
func (rs *ResultSet) FieldOID(i int) uint32 { return rs.res.Fields()[i].DataTypeOID }

// Value returns the raw bytes of column i in the current row, nil for SQL
// NULL. Text or binary encoding follows the format the query requested.
func (rs *ResultSet) Value(i int) []byte { return rs.res.Row(rs.row)[i] }

// IsNull reports whether column i of the current row is SQL NULL.
func (rs *ResultSet) IsNull(i int) bool { return rs.res.Row(rs.row)[i] == nil }

// Tag returns the command tag of the statement that produced this result,
// e.g. "SELECT 12".
func (rs *ResultSet) Tag() string { return rs.res.Tag().String() }

// Close releases the result payload back to its pool. Idempotent.
func (rs *ResultSet) Close() {
	rs.res.Release()
}
