package geopg_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapnine/geopg"
	"github.com/mapnine/geopg/wire"
)

// fakeHandle is a scripted wire connection. Each submission loads the next
// batch of results; Result pops from the current batch and reports (nil, nil)
// when it is exhausted, the same as a fully drained command.
type fakeHandle struct {
	sent   []string
	binary []bool

	sendErr    error
	consumeErr error
	resultErr  error

	busySeq     []bool
	busyForever bool

	waitErr   error
	stall     bool
	waitCalls int

	batches [][]*wire.Result
	cur     []*wire.Result

	status  wire.Status
	errText string
	params  map[string]string

	closeCalls int
}

var _ geopg.Handle = (*fakeHandle)(nil)

func newFakeConn(batches ...[]*wire.Result) (*geopg.Connection, *fakeHandle) {
	f := &fakeHandle{status: wire.StatusOK, batches: batches}
	return geopg.NewConnectionWithHandle(f), f
}

func (f *fakeHandle) load() {
	if len(f.batches) > 0 {
		f.cur = f.batches[0]
		f.batches = f.batches[1:]
	} else {
		f.cur = nil
	}
}

func (f *fakeHandle) SendQuery(sql string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sql)
	f.binary = append(f.binary, false)
	f.load()
	return nil
}

func (f *fakeHandle) SendQueryParams(sql string, binaryResults bool) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sql)
	f.binary = append(f.binary, binaryResults)
	f.load()
	return nil
}

func (f *fakeHandle) ConsumeInput() error {
	if f.consumeErr != nil {
		f.status = wire.StatusBad
		f.errText = f.consumeErr.Error()
		return f.consumeErr
	}
	return nil
}

func (f *fakeHandle) Busy() bool {
	if len(f.busySeq) > 0 {
		b := f.busySeq[0]
		f.busySeq = f.busySeq[1:]
		return b
	}
	return f.busyForever
}

func (f *fakeHandle) Result() (*wire.Result, error) {
	if f.resultErr != nil {
		err := f.resultErr
		f.resultErr = nil
		f.status = wire.StatusBad
		f.errText = err.Error()
		return nil, err
	}
	if len(f.cur) == 0 {
		return nil, nil
	}
	res := f.cur[0]
	f.cur = f.cur[1:]
	return res, nil
}

func (f *fakeHandle) WaitReadable(deadline time.Time) (bool, error) {
	f.waitCalls++
	if f.waitErr != nil {
		return false, f.waitErr
	}
	if f.stall {
		time.Sleep(time.Until(deadline))
		return false, nil
	}
	return true, nil
}

func (f *fakeHandle) Socket() (int, error) { return 42, nil }

func (f *fakeHandle) Status() wire.Status { return f.status }

func (f *fakeHandle) ErrorMessage() string { return f.errText }

func (f *fakeHandle) ParameterStatus(key string) string { return f.params[key] }

func (f *fakeHandle) Close() error {
	f.closeCalls++
	return nil
}

func rowsResult(values ...string) *wire.Result {
	fields := []wire.FieldDescription{{Name: "name", DataTypeOID: 25}}
	rows := make([][][]byte, len(values))
	for i, v := range values {
		rows[i] = [][]byte{[]byte(v)}
	}
	return wire.NewResult(wire.ResultTuplesOK, fields, rows)
}

func commandResult() *wire.Result {
	return wire.NewResult(wire.ResultCommandOK, nil, nil)
}

func errorResult() *wire.Result {
	return wire.NewResult(wire.ResultFatalError, nil, nil)
}

func TestConnectionStatusText(t *testing.T) {
	t.Parallel()

	uninit := geopg.NewConnectionWithHandle(nil)
	assert.Equal(t, "Uninitialized connection", uninit.Status())
	assert.False(t, uninit.IsOK())

	conn, f := newFakeConn()
	assert.True(t, conn.IsOK())
	assert.Equal(t, "", conn.Status())

	f.errText = `ERROR: relation "nope" does not exist (SQLSTATE 42P01)`
	assert.Equal(t, f.errText, conn.Status())

	f.status = wire.StatusBad
	assert.False(t, conn.IsOK())
	assert.Equal(t, "Bad connection", conn.Status())

	f.status = wire.StatusOK
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsOK())
	assert.Equal(t, "Bad connection", conn.Status())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	conn, f := newFakeConn()
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, f.closeCalls)

	uninit := geopg.NewConnectionWithHandle(nil)
	require.NoError(t, uninit.Close())
}

func TestExecute(t *testing.T) {
	t.Parallel()

	t.Run("single command", func(t *testing.T) {
		t.Parallel()
		res := commandResult()
		conn, f := newFakeConn([]*wire.Result{res})
		assert.True(t, conn.Execute("CREATE TABLE landmarks (name text)"))
		assert.Equal(t, []string{"CREATE TABLE landmarks (name text)"}, f.sent)
		assert.True(t, res.Released())
	})

	t.Run("last result decides", func(t *testing.T) {
		t.Parallel()
		rows, ok := rowsResult("x"), commandResult()
		conn, _ := newFakeConn([]*wire.Result{rows, ok})
		assert.True(t, conn.Execute("SELECT 1; SET search_path TO gis"))
		assert.True(t, rows.Released())
		assert.True(t, ok.Released())
	})

	t.Run("trailing rows fail", func(t *testing.T) {
		t.Parallel()
		ok, rows := commandResult(), rowsResult("x")
		conn, _ := newFakeConn([]*wire.Result{ok, rows})
		assert.False(t, conn.Execute("SET search_path TO gis; SELECT 1"))
		assert.True(t, ok.Released())
		assert.True(t, rows.Released())
	})

	t.Run("error result", func(t *testing.T) {
		t.Parallel()
		res := errorResult()
		conn, _ := newFakeConn([]*wire.Result{res})
		assert.False(t, conn.Execute("DROP TABLE nope"))
		assert.True(t, res.Released())
	})

	t.Run("submission failure", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn()
		f.sendErr = errors.New("write: broken pipe")
		assert.False(t, conn.Execute("SET search_path TO gis"))
		assert.Empty(t, f.sent)
	})

	t.Run("after close", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn([]*wire.Result{commandResult()})
		require.NoError(t, conn.Close())
		assert.False(t, conn.Execute("SET search_path TO gis"))
		assert.Empty(t, f.sent)
	})
}

func TestQueryReturnsLastResult(t *testing.T) {
	t.Parallel()

	first, last := rowsResult("old"), rowsResult("new")
	conn, _ := newFakeConn([]*wire.Result{first, last})

	rs, err := conn.Query("SELECT name FROM landmarks; SELECT name FROM rivers", geopg.TextFormat)
	require.NoError(t, err)

	assert.True(t, first.Released(), "superseded result must be released")
	assert.False(t, last.Released())

	require.True(t, rs.Next())
	assert.Equal(t, "new", string(rs.Value(0)))
	assert.False(t, rs.Next())

	rs.Close()
	assert.True(t, last.Released())
	assert.True(t, conn.IsOK())
}

func TestQueryFailureModes(t *testing.T) {
	t.Parallel()

	t.Run("submission rejected", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn()
		f.sendErr = wire.ErrBusy

		_, err := conn.Query("SELECT 1", geopg.TextFormat)
		require.Error(t, err)

		var gerr *geopg.Error
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, geopg.ErrKindQuery, gerr.Kind)
		assert.ErrorIs(t, err, wire.ErrBusy)
		assert.Contains(t, err.Error(), "another command is already in progress")
		assert.Contains(t, err.Error(), "full query was: 'SELECT 1'")
		assert.Zero(t, f.closeCalls)
	})

	t.Run("server error result", func(t *testing.T) {
		t.Parallel()
		res := errorResult()
		conn, f := newFakeConn([]*wire.Result{res})
		f.errText = `ERROR: relation "nope" does not exist (SQLSTATE 42P01)`

		_, err := conn.Query("SELECT * FROM nope", geopg.TextFormat)
		require.Error(t, err)
		assert.Contains(t, err.Error(), f.errText)
		assert.Contains(t, err.Error(), "full query was: 'SELECT * FROM nope'")
		assert.True(t, res.Released())
		assert.Zero(t, f.closeCalls, "a server-reported error must not drop the session")
		assert.True(t, conn.IsOK())
	})

	t.Run("command result instead of rows", func(t *testing.T) {
		t.Parallel()
		res := commandResult()
		conn, _ := newFakeConn([]*wire.Result{res})

		_, err := conn.Query("SET search_path TO gis", geopg.TextFormat)
		require.Error(t, err)
		assert.True(t, res.Released())
	})

	t.Run("consume failure", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn([]*wire.Result{rowsResult("x")})
		f.consumeErr = errors.New("read: connection reset by peer")

		_, err := conn.Query("SELECT 1", geopg.TextFormat)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Bad connection")
		assert.Zero(t, f.closeCalls)
		assert.False(t, conn.IsOK())
	})

	t.Run("readiness wait failure", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn()
		f.busySeq = []bool{true}
		f.waitErr = errors.New("epoll: bad file descriptor")

		_, err := conn.Query("SELECT 1", geopg.TextFormat)
		require.Error(t, err)

		var gerr *geopg.Error
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, geopg.ErrKindQuery, gerr.Kind)
		assert.Contains(t, err.Error(), "epoll: bad file descriptor")
		assert.Equal(t, 1, f.closeCalls)
		assert.False(t, conn.IsOK())
	})

	t.Run("result retrieval failure", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn()
		f.resultErr = errors.New("unexpected EOF")

		_, err := conn.Query("SELECT 1", geopg.TextFormat)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Bad connection")
	})

	t.Run("after close", func(t *testing.T) {
		t.Parallel()
		conn, _ := newFakeConn([]*wire.Result{rowsResult("x")})
		require.NoError(t, conn.Close())

		_, err := conn.Query("SELECT 1", geopg.TextFormat)
		require.Error(t, err)

		var gerr *geopg.Error
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, geopg.ErrKindConnect, gerr.Kind)
	})
}

func TestQueryStatementTimeout(t *testing.T) {
	t.Parallel()

	f := &fakeHandle{status: wire.StatusOK, busyForever: true, stall: true}
	conn := geopg.NewConnectionWithHandle(f, geopg.WithStatementTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := conn.Query("SELECT pg_sleep(10)", geopg.TextFormat)
	require.Error(t, err)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "waits are budgeted against one window, not one window per cycle")

	assert.True(t, geopg.Timeout(err))
	assert.Contains(t, err.Error(), "statement timeout expired")
	assert.Contains(t, err.Error(), "full query was: 'SELECT pg_sleep(10)'")
	assert.Equal(t, 1, f.closeCalls, "a timed out connection cannot be reused and must be closed")
	assert.False(t, conn.IsOK())

	_, err = conn.Query("SELECT 1", geopg.TextFormat)
	require.Error(t, err)
	var gerr *geopg.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, geopg.ErrKindConnect, gerr.Kind)
}

func TestQueryTimeoutReleasesHeldResult(t *testing.T) {
	t.Parallel()

	held := rowsResult("partial")
	f := &fakeHandle{
		status:      wire.StatusOK,
		batches:     [][]*wire.Result{{held}},
		busySeq:     []bool{false},
		busyForever: true,
		stall:       true,
	}
	conn := geopg.NewConnectionWithHandle(f, geopg.WithStatementTimeout(50*time.Millisecond))

	_, err := conn.Query("SELECT name FROM landmarks; SELECT pg_sleep(10)", geopg.TextFormat)
	require.Error(t, err)

	assert.True(t, geopg.Timeout(err))
	assert.True(t, held.Released(), "a result superseded by a timeout must be released")
	assert.Equal(t, 1, f.closeCalls)
}

func TestAsyncQueryLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("terminal retrieval", func(t *testing.T) {
		t.Parallel()
		res := rowsResult("42")
		conn, f := newFakeConn([]*wire.Result{res}, []*wire.Result{rowsResult("43")})

		require.NoError(t, conn.QueryAsync("SELECT 42", geopg.TextFormat))
		assert.True(t, conn.IsPending())

		rs, err := conn.AsyncResult()
		require.NoError(t, err)
		require.True(t, rs.Next())
		assert.Equal(t, "42", string(rs.Value(0)))
		rs.Close()

		assert.False(t, conn.IsPending())
		assert.Zero(t, f.closeCalls)

		// fully drained, so the next submission is legal immediately
		require.NoError(t, conn.QueryAsync("SELECT 43", geopg.TextFormat))
		rs, err = conn.AsyncResult()
		require.NoError(t, err)
		require.True(t, rs.Next())
		assert.Equal(t, "43", string(rs.Value(0)))
		rs.Close()
	})

	t.Run("step through a multi result stream", func(t *testing.T) {
		t.Parallel()
		first, second := rowsResult("a"), rowsResult("b")
		conn, f := newFakeConn([]*wire.Result{first, second})

		require.NoError(t, conn.QueryAsync("SELECT 'a'; SELECT 'b'", geopg.TextFormat))

		rs, err := conn.NextAsyncResult()
		require.NoError(t, err)
		require.NotNil(t, rs)
		assert.True(t, conn.IsPending(), "pending holds until the stream reports its end")
		rs.Close()

		rs, err = conn.NextAsyncResult()
		require.NoError(t, err)
		require.NotNil(t, rs)
		rs.Close()

		rs, err = conn.NextAsyncResult()
		require.NoError(t, err)
		require.Nil(t, rs)
		assert.False(t, conn.IsPending())
		assert.Zero(t, f.closeCalls)
	})

	t.Run("after close", func(t *testing.T) {
		t.Parallel()
		conn, _ := newFakeConn()
		require.NoError(t, conn.Close())

		var gerr *geopg.Error
		err := conn.QueryAsync("SELECT 1", geopg.TextFormat)
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, geopg.ErrKindConnect, gerr.Kind)

		_, err = conn.NextAsyncResult()
		require.Error(t, err)
		_, err = conn.AsyncResult()
		require.Error(t, err)
	})
}

func TestAsyncSubmissionFailure(t *testing.T) {
	t.Parallel()

	stale := rowsResult("stale")
	conn, f := newFakeConn()
	f.cur = []*wire.Result{stale}
	f.sendErr = errors.New("write: broken pipe")

	err := conn.QueryAsync("SELECT 1", geopg.TextFormat)
	require.Error(t, err)

	var gerr *geopg.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, geopg.ErrKindQuery, gerr.Kind)
	assert.Contains(t, err.Error(), "write: broken pipe")

	assert.True(t, stale.Released(), "stale queued results must be drained on submission failure")
	assert.Equal(t, 1, f.closeCalls)
	assert.False(t, conn.IsPending())
}

func TestNextAsyncResultPoisonedStream(t *testing.T) {
	t.Parallel()

	bad, trailing := errorResult(), rowsResult("late")
	conn, f := newFakeConn([]*wire.Result{bad, trailing})
	require.NoError(t, conn.QueryAsync("SELECT * FROM nope; SELECT 1", geopg.TextFormat))

	f.errText = `ERROR: relation "nope" does not exist (SQLSTATE 42P01)`
	rs, err := conn.NextAsyncResult()
	require.Error(t, err)
	require.Nil(t, rs)

	assert.Contains(t, err.Error(), f.errText)
	assert.True(t, bad.Released())
	assert.True(t, trailing.Released(), "the remainder of a poisoned stream must be drained")
	assert.Equal(t, 1, f.closeCalls)
	assert.False(t, conn.IsPending())
}

func TestNextAsyncResultRetrievalFailure(t *testing.T) {
	t.Parallel()

	conn, f := newFakeConn([]*wire.Result{rowsResult("x")})
	require.NoError(t, conn.QueryAsync("SELECT 1", geopg.TextFormat))

	f.resultErr = errors.New("unexpected EOF")
	_, err := conn.NextAsyncResult()
	require.Error(t, err)
	assert.Equal(t, 1, f.closeCalls)
	assert.False(t, conn.IsPending())
}

func TestAsyncResultWithoutRows(t *testing.T) {
	t.Parallel()

	t.Run("stream already exhausted", func(t *testing.T) {
		t.Parallel()
		conn, f := newFakeConn([]*wire.Result{})
		require.NoError(t, conn.QueryAsync("SELECT 1", geopg.TextFormat))

		rs, err := conn.AsyncResult()
		require.Error(t, err)
		require.Nil(t, rs)
		assert.Contains(t, err.Error(), "no result where one was expected")
		assert.Equal(t, 1, f.closeCalls)
		assert.False(t, conn.IsPending())
	})

	t.Run("terminal result is an error", func(t *testing.T) {
		t.Parallel()
		bad := errorResult()
		conn, f := newFakeConn([]*wire.Result{bad})
		require.NoError(t, conn.QueryAsync("SELECT * FROM nope", geopg.TextFormat))

		f.errText = `ERROR: relation "nope" does not exist (SQLSTATE 42P01)`
		_, err := conn.AsyncResult()
		require.Error(t, err)
		assert.Contains(t, err.Error(), f.errText)
		assert.True(t, bad.Released())
		assert.Equal(t, 1, f.closeCalls)
		assert.False(t, conn.IsPending())
	})
}

func TestAsyncResultDrainsTrailingResults(t *testing.T) {
	t.Parallel()

	rows, trailing := rowsResult("42"), commandResult()
	conn, f := newFakeConn([]*wire.Result{rows, trailing})

	require.NoError(t, conn.QueryAsync("SELECT 42; SET search_path TO gis", geopg.TextFormat))
	rs, err := conn.AsyncResult()
	require.NoError(t, err)

	assert.True(t, trailing.Released(), "results after the terminal one must be drained")
	assert.False(t, conn.IsPending())
	assert.Zero(t, f.closeCalls)

	require.True(t, rs.Next())
	assert.Equal(t, "42", string(rs.Value(0)))
	rs.Close()
}

func TestCursorNameAllocation(t *testing.T) {
	t.Parallel()

	conn, _ := newFakeConn()
	assert.Equal(t, "geopg_0", conn.NewCursorName())
	assert.Equal(t, "geopg_1", conn.NewCursorName())
	assert.Equal(t, "geopg_2", conn.NewCursorName())

	other, _ := newFakeConn()
	assert.Equal(t, "geopg_0", other.NewCursorName(), "counters are per connection")
}

func TestClientEncoding(t *testing.T) {
	t.Parallel()

	conn, f := newFakeConn()
	f.params = map[string]string{"client_encoding": "UTF8"}
	assert.Equal(t, "UTF8", conn.ClientEncoding())

	uninit := geopg.NewConnectionWithHandle(nil)
	assert.Equal(t, "", uninit.ClientEncoding())
}

func TestBinaryResultFormatSubmission(t *testing.T) {
	t.Parallel()

	conn, f := newFakeConn([]*wire.Result{rowsResult("x")}, []*wire.Result{rowsResult("y")})

	rs, err := conn.Query("SELECT way FROM planet_osm_line", geopg.BinaryFormat)
	require.NoError(t, err)
	rs.Close()

	rs, err = conn.Query("SELECT name FROM planet_osm_line", geopg.TextFormat)
	require.NoError(t, err)
	rs.Close()

	require.Equal(t, []bool{true, false}, f.binary)
}
