// Package pgmock provides the ability to mock a PostgreSQL server.
package pgmock

import (
	"fmt"
	"io"
	"reflect"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Step is one scripted exchange with the client.
type Step interface {
	Step(*pgproto3.Backend) error
}

// Script plays an ordered list of steps against one connection.
type Script struct {
	Steps []Step
}

func (s *Script) Run(backend *pgproto3.Backend) error {
	for _, step := range s.Steps {
		err := step.Step(backend)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Script) Step(backend *pgproto3.Backend) error {
	return s.Run(backend)
}

type expectMessageStep struct {
	want pgproto3.FrontendMessage
	any  bool
}

func (e *expectMessageStep) Step(backend *pgproto3.Backend) error {
	msg, err := backend.Receive()
	if err != nil {
		return err
	}

	if e.any && reflect.TypeOf(msg) == reflect.TypeOf(e.want) {
		return nil
	}

	if !reflect.DeepEqual(msg, e.want) {
		return fmt.Errorf("msg => %#v, e.want => %#v", msg, e.want)
	}

	return nil
}

type expectStartupMessageStep struct {
	want *pgproto3.StartupMessage
	any  bool
}

func (e *expectStartupMessageStep) Step(backend *pgproto3.Backend) error {
	msg, err := backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}

	if e.any {
		return nil
	}

	if !reflect.DeepEqual(msg, e.want) {
		return fmt.Errorf("msg => %#v, e.want => %#v", msg, e.want)
	}

	return nil
}

// ExpectMessage expects the exact given message from the client.
func ExpectMessage(want pgproto3.FrontendMessage) Step {
	return expectMessage(want, false)
}

// ExpectAnyMessage expects any message of the same type as want.
func ExpectAnyMessage(want pgproto3.FrontendMessage) Step {
	return expectMessage(want, true)
}

func expectMessage(want pgproto3.FrontendMessage, any bool) Step {
	if want, ok := want.(*pgproto3.StartupMessage); ok {
		return &expectStartupMessageStep{want: want, any: any}
	}

	return &expectMessageStep{want: want, any: any}
}

type sendMessageStep struct {
	msg pgproto3.BackendMessage
}

func (e *sendMessageStep) Step(backend *pgproto3.Backend) error {
	backend.Send(e.msg)
	return backend.Flush()
}

// SendMessage sends one message to the client.
func SendMessage(msg pgproto3.BackendMessage) Step {
	return &sendMessageStep{msg: msg}
}

type waitForCloseMessageStep struct{}

func (e *waitForCloseMessageStep) Step(backend *pgproto3.Backend) error {
	for {
		msg, err := backend.Receive()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if _, ok := msg.(*pgproto3.Terminate); ok {
			return nil
		}
	}
}

// WaitForClose reads and discards messages until the client terminates or
// hangs up.
func WaitForClose() Step {
	return &waitForCloseMessageStep{}
}

// AcceptUnauthenticatedConnRequestSteps accepts any startup message and
// completes the handshake without requiring authentication.
func AcceptUnauthenticatedConnRequestSteps() []Step {
	return []Step{
		ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		SendMessage(&pgproto3.AuthenticationOk{}),
		SendMessage(&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0}),
		SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// ExpectQuery expects a simple-protocol Query carrying exactly sql.
func ExpectQuery(sql string) Step {
	return ExpectMessage(&pgproto3.Query{String: sql})
}

// ExpectExtendedQuerySteps expects the Parse through Sync sequence submitted
// for an unnamed extended-protocol statement.
func ExpectExtendedQuerySteps() []Step {
	return []Step{
		ExpectAnyMessage(&pgproto3.Parse{}),
		ExpectAnyMessage(&pgproto3.Bind{}),
		ExpectAnyMessage(&pgproto3.Describe{}),
		ExpectAnyMessage(&pgproto3.Execute{}),
		ExpectAnyMessage(&pgproto3.Sync{}),
	}
}

// RowsResponseSteps builds one text-format result: a row description for
// columns, one DataRow per row, and the closing CommandComplete with tag.
// ReadyForQuery is not included so multi-result scripts can compose.
func RowsResponseSteps(columns []string, rows [][]string, tag string) []Step {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  25,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}

	steps := []Step{SendMessage(&pgproto3.RowDescription{Fields: fields})}
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		steps = append(steps, SendMessage(&pgproto3.DataRow{Values: values}))
	}
	return append(steps, SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)}))
}
