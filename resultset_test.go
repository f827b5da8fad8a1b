package geopg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapnine/geopg"
	"github.com/mapnine/geopg/wire"
)

func TestResultSetIteration(t *testing.T) {
	t.Parallel()

	fields := []wire.FieldDescription{
		{Name: "name", DataTypeOID: 25},
		{Name: "population", DataTypeOID: 23},
	}
	rows := [][][]byte{
		{[]byte("alpha"), []byte("100")},
		{[]byte("beta"), nil},
	}
	res := wire.NewResult(wire.ResultTuplesOK, fields, rows)
	conn, _ := newFakeConn([]*wire.Result{res})

	rs, err := conn.Query("SELECT name, population FROM cities", geopg.TextFormat)
	require.NoError(t, err)

	assert.Equal(t, 2, rs.Count())
	assert.Equal(t, 2, rs.FieldCount())
	assert.Equal(t, "name", rs.FieldName(0))
	assert.Equal(t, "population", rs.FieldName(1))
	assert.Equal(t, uint32(25), rs.FieldOID(0))
	assert.Equal(t, uint32(23), rs.FieldOID(1))

	require.True(t, rs.Next())
	assert.Equal(t, "alpha", string(rs.Value(0)))
	assert.Equal(t, "100", string(rs.Value(1)))
	assert.False(t, rs.IsNull(1))

	require.True(t, rs.Next())
	assert.Equal(t, "beta", string(rs.Value(0)))
	assert.True(t, rs.IsNull(1))
	assert.Nil(t, rs.Value(1))

	assert.False(t, rs.Next())
	assert.False(t, rs.Next(), "Next stays false once exhausted")

	rs.Close()
	rs.Close()
	assert.True(t, res.Released())
}

func TestResultSetEmpty(t *testing.T) {
	t.Parallel()

	res := wire.NewResult(wire.ResultTuplesOK, []wire.FieldDescription{{Name: "name"}}, nil)
	conn, _ := newFakeConn([]*wire.Result{res})

	rs, err := conn.Query("SELECT name FROM cities WHERE false", geopg.TextFormat)
	require.NoError(t, err)

	assert.Equal(t, 0, rs.Count())
	assert.Equal(t, 1, rs.FieldCount())
	assert.False(t, rs.Next())
	rs.Close()
}
