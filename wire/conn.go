package wire

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Status is the coarse session health a Conn reports.
type Status int

const (
	// StatusOK means the session is established and usable.
	StatusOK Status = iota
	// StatusBad means the session is broken, closed, or was never established.
	StatusBad
)

const (
	stateConnecting byte = iota
	stateOK
	stateClosed
)

const sslRequestNumber = 80877103

// nonBlockingWait is how long ConsumeInput is willing to wait for bytes that
// are in flight but not yet in the read buffer.
const nonBlockingWait = time.Millisecond

// Conn is a connection to a server speaking the PostgreSQL wire protocol. It
// exposes the submission, polling, and result-retrieval primitives a
// higher-level connection builds on. A Conn is not safe for concurrent use.
type Conn struct {
	conn     net.Conn
	frontend *pgproto3.Frontend
	config   *Config

	state  byte
	broken bool

	pid           uint32
	secretKey     uint32
	txStatus      byte
	paramStatuses map[string]string
	lastErr       string

	// inFlight is true from a submitted command until its ReadyForQuery.
	inFlight bool
	results  []*Result
	building *Result
}

// Connect establishes a session described by config. On any failure the
// socket is closed before the error is returned, so a failed Connect never
// leaks a half-open connection.
func Connect(ctx context.Context, config *Config) (*Conn, error) {
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	network, address := NetworkAddress(config.Host, config.Port)
	d := net.Dialer{KeepAlive: 5 * time.Minute}
	netConn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, &ConnectError{addr: address, err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	if config.TLSConfig != nil {
		securedConn, err := startTLS(netConn, config.TLSConfig, config.tlsFallback)
		if err != nil {
			netConn.Close()
			return nil, &ConnectError{addr: address, err: err}
		}
		netConn = securedConn
	}

	c := &Conn{
		conn:          netConn,
		frontend:      pgproto3.NewFrontend(netConn, netConn),
		config:        config,
		state:         stateConnecting,
		paramStatuses: make(map[string]string),
	}

	if err := c.startup(); err != nil {
		netConn.Close()
		return nil, &ConnectError{addr: address, err: err}
	}

	netConn.SetDeadline(time.Time{})
	c.state = stateOK
	return c, nil
}

// startTLS asks the server to switch the stream to TLS. The request
// predates the protocol proper: 8-byte magic out, single byte back.
func startTLS(conn net.Conn, tlsConfig *tls.Config, fallbackOK bool) (net.Conn, error) {
	if err := binary.Write(conn, binary.BigEndian, []int32{8, sslRequestNumber}); err != nil {
		return nil, err
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, err
	}

	switch response[0] {
	case 'S':
		return tls.Client(conn, tlsConfig), nil
	case 'N':
		if fallbackOK {
			return conn, nil
		}
		return nil, errors.New("server refused TLS connection")
	default:
		return nil, errors.New("received invalid response to TLS request")
	}
}

func (c *Conn) startup() error {
	params := map[string]string{"user": c.config.User}
	if c.config.Database != "" {
		params["database"] = c.config.Database
	}
	for k, v := range c.config.RuntimeParams {
		params[k] = v
	}

	c.frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
	if err := c.frontend.Flush(); err != nil {
		return err
	}

	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return err
		}

		switch msg := msg.(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword:
			if err := c.sendPassword(c.config.Password); err != nil {
				return err
			}
		case *pgproto3.AuthenticationMD5Password:
			digested := "md5" + hexMD5(hexMD5(c.config.Password+c.config.User)+string(msg.Salt[:]))
			if err := c.sendPassword(digested); err != nil {
				return err
			}
		case *pgproto3.AuthenticationSASL:
			if err := c.scramAuth(msg.AuthMechanisms); err != nil {
				return fmt.Errorf("SASL authentication failed: %w", err)
			}
		case *pgproto3.AuthenticationGSS:
			return errors.New("GSSAPI authentication is not supported")
		case *pgproto3.BackendKeyData:
			c.pid = msg.ProcessID
			c.secretKey = msg.SecretKey
		case *pgproto3.ParameterStatus:
			c.paramStatuses[msg.Name] = msg.Value
		case *pgproto3.ReadyForQuery:
			c.txStatus = msg.TxStatus
			return nil
		case *pgproto3.ErrorResponse:
			return serverErrorFromResponse(msg)
		case *pgproto3.NoticeResponse:
			c.handleNotice(msg)
		default:
			return fmt.Errorf("received unexpected message during startup: %T", msg)
		}
	}
}

func (c *Conn) sendPassword(password string) error {
	c.frontend.Send(&pgproto3.PasswordMessage{Password: password})
	return c.frontend.Flush()
}

func hexMD5(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:])
}

// SendQuery submits sql over the simple query protocol. It does not wait for
// any part of the response; drive retrieval with ConsumeInput, Busy,
// WaitReadable, and Result. A multi-statement sql string produces one Result
// per statement.
func (c *Conn) SendQuery(sql string) error {
	if err := c.submitCheck(); err != nil {
		return err
	}
	c.frontend.SendQuery(&pgproto3.Query{String: sql})
	return c.flushSubmission()
}

// SendQueryParams submits sql over the extended protocol with no bound
// parameters. binaryResults requests all result columns in binary format, the
// only reason this form exists here.
func (c *Conn) SendQueryParams(sql string, binaryResults bool) error {
	if err := c.submitCheck(); err != nil {
		return err
	}

	var format int16
	if binaryResults {
		format = 1
	}
	c.frontend.SendParse(&pgproto3.Parse{Query: sql})
	c.frontend.SendBind(&pgproto3.Bind{ResultFormatCodes: []int16{format}})
	c.frontend.SendDescribe(&pgproto3.Describe{ObjectType: 'P'})
	c.frontend.SendExecute(&pgproto3.Execute{})
	c.frontend.SendSync(&pgproto3.Sync{})
	return c.flushSubmission()
}

func (c *Conn) submitCheck() error {
	if c.state == stateClosed {
		return ErrClosed
	}
	if c.inFlight || len(c.results) > 0 || c.building != nil {
		return ErrBusy
	}
	return nil
}

func (c *Conn) flushSubmission() error {
	if err := c.frontend.Flush(); err != nil {
		c.broken = true
		c.lastErr = err.Error()
		return err
	}
	c.inFlight = true
	return nil
}

// receive reads and dispatches one backend message. A zero deadline blocks
// until a message arrives. Deadline expiry reports progressed=false with a
// nil error; a partially received message stays buffered and resumes on the
// next call.
func (c *Conn) receive(deadline time.Time) (progressed bool, err error) {
	if c.state == stateClosed {
		return false, ErrClosed
	}

	c.conn.SetReadDeadline(deadline)
	msg, err := c.frontend.Receive()
	c.conn.SetReadDeadline(time.Time{})

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false, nil
		}
		c.broken = true
		c.lastErr = err.Error()
		return false, err
	}

	c.dispatch(msg)
	return true, nil
}

func (c *Conn) dispatch(msg pgproto3.BackendMessage) {
	switch msg := msg.(type) {
	case *pgproto3.RowDescription:
		c.building = &Result{status: ResultTuplesOK, fields: convertFields(msg.Fields)}
	case *pgproto3.DataRow:
		if c.building == nil {
			// row data with no preceding row description; keep the bytes so
			// the drain stays in step, but mark the result unusable
			c.building = &Result{status: ResultBadResponse}
		}
		c.building.appendRow(msg.Values)
	case *pgproto3.CommandComplete:
		res := c.building
		c.building = nil
		if res == nil {
			res = &Result{status: ResultCommandOK}
		}
		res.tag = NewCommandTag(string(msg.CommandTag))
		c.results = append(c.results, res)
	case *pgproto3.EmptyQueryResponse:
		c.building = nil
		c.results = append(c.results, &Result{status: ResultEmptyQuery})
	case *pgproto3.ErrorResponse:
		serverErr := serverErrorFromResponse(msg)
		c.lastErr = serverErr.Error()
		c.building = nil
		c.results = append(c.results, &Result{status: ResultFatalError, serverErr: serverErr})
	case *pgproto3.ReadyForQuery:
		c.txStatus = msg.TxStatus
		c.inFlight = false
	case *pgproto3.ParameterStatus:
		c.paramStatuses[msg.Name] = msg.Value
	case *pgproto3.NoticeResponse:
		c.handleNotice(msg)
	case *pgproto3.NotificationResponse:
		// LISTEN/NOTIFY is not part of this client's surface
	case *pgproto3.ParseComplete, *pgproto3.BindComplete, *pgproto3.NoData,
		*pgproto3.PortalSuspended, *pgproto3.CloseComplete:
		// extended-protocol bookkeeping with no result content
	}
}

func (c *Conn) handleNotice(msg *pgproto3.NoticeResponse) {
	if c.config == nil || c.config.OnNotice == nil {
		return
	}
	notice := Notice(*serverErrorFromResponse((*pgproto3.ErrorResponse)(msg)))
	c.config.OnNotice(&notice)
}

// ConsumeInput reads every complete message the server has already sent,
// without blocking for ones it has not. Completed results become retrievable
// through Result.
func (c *Conn) ConsumeInput() error {
	for {
		progressed, err := c.receive(time.Now().Add(nonBlockingWait))
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// Busy reports whether Result would block: a command is in flight and no
// complete result is queued yet.
func (c *Conn) Busy() bool {
	return c.inFlight && len(c.results) == 0
}

// Result returns the next result of the current command, blocking until the
// server finishes sending it. Once every result has been returned it reports
// (nil, nil); the command is then fully drained and a new one may be
// submitted.
func (c *Conn) Result() (*Result, error) {
	for {
		if len(c.results) > 0 {
			res := c.results[0]
			c.results = c.results[1:]
			return res, nil
		}
		if !c.inFlight {
			return nil, nil
		}
		if _, err := c.receive(time.Time{}); err != nil {
			return nil, err
		}
	}
}

// WaitReadable blocks until server input is available, the deadline passes
// (readable=false, nil error), or the wait itself fails. Queued results and
// buffered input count as immediately readable.
func (c *Conn) WaitReadable(deadline time.Time) (readable bool, err error) {
	if len(c.results) > 0 || c.frontend.ReadBufferLen() > 0 {
		return true, nil
	}
	if !deadline.After(time.Now()) {
		return false, nil
	}
	progressed, err := c.receive(deadline)
	if err != nil {
		return false, err
	}
	return progressed, nil
}

// Status reports coarse session health, the same way the server library's
// status check would: ok only for an established, unbroken, unclosed session.
func (c *Conn) Status() Status {
	if c.state == stateOK && !c.broken {
		return StatusOK
	}
	return StatusBad
}

// ErrorMessage returns the text of the most recent error observed on this
// session, server-reported or local. Empty if none has occurred.
func (c *Conn) ErrorMessage() string { return c.lastErr }

// ParameterStatus returns the server-reported value of a session parameter,
// such as client_encoding or server_version.
func (c *Conn) ParameterStatus(key string) string { return c.paramStatuses[key] }

// PID returns the backend process ID reported at session startup.
func (c *Conn) PID() uint32 { return c.pid }

// TxStatus returns the last reported transaction status byte: 'I' idle, 'T'
// in transaction, 'E' failed transaction.
func (c *Conn) TxStatus() byte { return c.txStatus }

// Socket resolves the descriptor of the underlying socket. It fails when the
// connection is closed or the transport cannot expose one.
func (c *Conn) Socket() (int, error) {
	if c.state == stateClosed {
		return -1, ErrClosed
	}
	nc := c.conn
	if tlsConn, ok := nc.(*tls.Conn); ok {
		nc = tlsConn.NetConn()
	}
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errors.New("connection does not expose a socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Close terminates the session and releases the socket. It is idempotent;
// only the first call closes.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed

	// Tell the server the session is over. Best effort with a short deadline:
	// closing the socket is what actually matters.
	c.conn.SetDeadline(time.Now().Add(time.Second))
	c.frontend.Send(&pgproto3.Terminate{})
	c.frontend.Flush()
	return c.conn.Close()
}
