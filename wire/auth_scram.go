// SCRAM-SHA-256 authentication (RFC 5802, RFC 7677).

package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
)

const (
	scramMechanism = "SCRAM-SHA-256"
	scramKeyLen    = 32
	scramNonceLen  = 18
	// gs2 header for "client does not support channel binding".
	scramGS2Header = "n,,"
	// the same header base64-encoded, sent back in the final message.
	scramChannelBinding = "c=biws"
)

// scramAuth runs the SCRAM-SHA-256 exchange after the server requested SASL
// authentication.
func (c *Conn) scramAuth(mechanisms []string) error {
	supported := false
	for _, m := range mechanisms {
		if m == scramMechanism {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("server offers no supported SASL mechanism (got %v)", mechanisms)
	}

	conv, err := newScramConversation(c.config.Password)
	if err != nil {
		return err
	}

	c.frontend.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: scramMechanism,
		Data:          []byte(conv.firstMessage()),
	})
	if err := c.frontend.Flush(); err != nil {
		return err
	}

	cont, err := c.rxSASLContinue()
	if err != nil {
		return err
	}
	if err := conv.readServerFirst(string(cont.Data)); err != nil {
		return err
	}

	c.frontend.Send(&pgproto3.SASLResponse{Data: []byte(conv.finalMessage())})
	if err := c.frontend.Flush(); err != nil {
		return err
	}

	final, err := c.rxSASLFinal()
	if err != nil {
		return err
	}
	return conv.checkServerFinal(string(final.Data))
}

func (c *Conn) rxSASLContinue() (*pgproto3.AuthenticationSASLContinue, error) {
	msg, err := c.frontend.Receive()
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationSASLContinue:
		return m, nil
	case *pgproto3.ErrorResponse:
		return nil, serverErrorFromResponse(m)
	}
	return nil, fmt.Errorf("expected AuthenticationSASLContinue message but received unexpected message %T", msg)
}

func (c *Conn) rxSASLFinal() (*pgproto3.AuthenticationSASLFinal, error) {
	msg, err := c.frontend.Receive()
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationSASLFinal:
		return m, nil
	case *pgproto3.ErrorResponse:
		return nil, serverErrorFromResponse(m)
	}
	return nil, fmt.Errorf("expected AuthenticationSASLFinal message but received unexpected message %T", msg)
}

// scramConversation holds the client state across the two round trips of the
// exchange.
type scramConversation struct {
	password []byte
	nonce    string

	clientFirstBare string
	serverFirst     string
	combinedNonce   string
	salt            []byte
	iterations      int

	saltedPassword []byte
	authMessage    string
}

func newScramConversation(password string) (*scramConversation, error) {
	// precis OpaqueString is the SASLprep profile. The server accepts
	// passwords SASLprep rejects, so fall back to the raw bytes.
	prepped, err := precis.OpaqueString.Bytes([]byte(password))
	if err != nil {
		prepped = []byte(password)
	}

	raw := make([]byte, scramNonceLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}

	return &scramConversation{
		password: prepped,
		nonce:    base64.RawStdEncoding.EncodeToString(raw),
	}, nil
}

// firstMessage builds client-first-message. The empty n= is deliberate: the
// server identifies the user from the startup message.
func (sc *scramConversation) firstMessage() string {
	sc.clientFirstBare = "n=,r=" + sc.nonce
	return scramGS2Header + sc.clientFirstBare
}

func (sc *scramConversation) readServerFirst(msg string) error {
	sc.serverFirst = msg

	fields := strings.Split(msg, ",")
	if len(fields) < 3 {
		return fmt.Errorf("malformed SCRAM server-first-message %q", msg)
	}
	combined, okR := strings.CutPrefix(fields[0], "r=")
	saltB64, okS := strings.CutPrefix(fields[1], "s=")
	iterations, okI := strings.CutPrefix(fields[2], "i=")
	if !okR || !okS || !okI {
		return fmt.Errorf("malformed SCRAM server-first-message %q", msg)
	}

	if !strings.HasPrefix(combined, sc.nonce) || len(combined) == len(sc.nonce) {
		return errors.New("SCRAM nonce from server does not extend the client nonce")
	}
	sc.combinedNonce = combined

	var err error
	sc.salt, err = base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("invalid SCRAM salt: %w", err)
	}

	sc.iterations, err = strconv.Atoi(iterations)
	if err != nil || sc.iterations <= 0 {
		return fmt.Errorf("invalid SCRAM iteration count %q", iterations)
	}

	return nil
}

func (sc *scramConversation) finalMessage() string {
	withoutProof := scramChannelBinding + ",r=" + sc.combinedNonce

	sc.saltedPassword = pbkdf2.Key(sc.password, sc.salt, sc.iterations, scramKeyLen, sha256.New)
	sc.authMessage = sc.clientFirstBare + "," + sc.serverFirst + "," + withoutProof

	clientKey := hmacSHA256(sc.saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	signature := hmacSHA256(storedKey[:], sc.authMessage)

	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ signature[i]
	}

	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
}

func (sc *scramConversation) checkServerFinal(msg string) error {
	sig, ok := strings.CutPrefix(msg, "v=")
	if !ok {
		if e, hasErr := strings.CutPrefix(msg, "e="); hasErr {
			return fmt.Errorf("SCRAM authentication failed: %s", e)
		}
		return fmt.Errorf("malformed SCRAM server-final-message %q", msg)
	}

	serverKey := hmacSHA256(sc.saltedPassword, "Server Key")
	want := base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, sc.authMessage))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return errors.New("SCRAM server signature mismatch")
	}
	return nil
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
