package proxy

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/session-replay-tools/cetus-sub002/backend"
	"github.com/session-replay-tools/cetus-sub002/metrics"
	"github.com/session-replay-tools/cetus-sub002/mysql"
)

// txState tracks the transaction-related session flags.
type txState struct {
	inTransaction     bool
	autocommit        bool
	lastInsertID      uint64
	calcFoundRows     bool
	lastRecordUpdated bool
}

// routingState tracks where the session currently is and whether it must
// stay there.
type routingState struct {
	serverReserved    bool
	masterUnavailable bool
	lastBackendType   backend.Type
}

// clientConn is one accepted client session: the protocol driver that
// classifies commands, routes them, reconciles backend session state and
// forwards exactly one result per command.
type clientConn struct {
	conn  net.Conn
	br    *bufio.Reader
	proxy *Proxy

	connID     uint32
	capability uint32
	status     uint16
	sequence   byte
	salt       []byte

	attrs   sessionAttrs
	tx      txState
	routing routingState

	server   *BackendSocket
	reserved *ReservedServerSet
	queue    *InjectionQueue

	backendPassword string
}

func newClientConn(conn net.Conn, p *Proxy, connID uint32) *clientConn {
	c := &clientConn{
		conn:     conn,
		br:       bufio.NewReader(conn),
		proxy:    p,
		connID:   connID,
		status:   mysql.SERVER_STATUS_AUTOCOMMIT,
		reserved: NewReservedServerSet(),
		queue:    NewInjectionQueue(),
	}
	c.tx.autocommit = true
	c.attrs.charsetClient = p.cfg.Proxy.DefaultCharset
	c.attrs.charsetConnection = p.cfg.Proxy.DefaultCharset
	c.attrs.charsetResults = p.cfg.Proxy.DefaultCharset
	c.attrs.sqlMode = p.cfg.Proxy.DefaultSQLMode
	return c
}

func (c *clientConn) handshake() error {
	salt, err := mysql.GenerateSalt()
	if err != nil {
		return err
	}
	c.salt = salt

	greeting := mysql.BuildGreeting(c.connID, salt, c.status)
	if err := mysql.WriteFramed(c.conn, 0, greeting); err != nil {
		return err
	}

	payload, err := c.readPacket()
	if err != nil {
		return err
	}
	req, err := mysql.ParseHandshakeResponse(payload)
	if err != nil {
		return err
	}
	c.capability = req.Capability
	c.attrs.user = req.User
	c.attrs.defaultDB = req.Database
	c.attrs.multiStmt = req.Capability&mysql.CLIENT_MULTI_STATEMENTS > 0

	if err := c.verifyAuth(req); err != nil {
		c.sequence++
		mysql.WriteFramed(c.conn, c.sequence, mysql.WriteErrorPacket(
			mysql.ER_ACCESS_DENIED_ERROR, "28000",
			fmt.Sprintf("Access denied for user '%s'", req.User), c.capability))
		return err
	}

	c.sequence++
	return mysql.WriteFramed(c.conn, c.sequence,
		mysql.WriteOKPacket(0, 0, c.status, c.capability))
}

func (c *clientConn) verifyAuth(req *mysql.AuthRequest) error {
	user, ok := c.proxy.cfg.Users[req.User]
	if !ok {
		return fmt.Errorf("unknown user %q", req.User)
	}
	expected := mysql.CalcPassword(c.salt, []byte(user.Password))
	if subtle.ConstantTimeCompare(expected, req.AuthResp) != 1 {
		return fmt.Errorf("bad password for user %q", req.User)
	}
	c.backendPassword = user.BackendPassword
	return nil
}

func (c *clientConn) run() {
	defer c.teardown()

	for {
		c.armIdleTimeout()
		payload, err := c.readPacket()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("[Proxy] Session timeout (conn %d)", c.connID)
				if c.routing.serverReserved {
					// Holding backend state; tell the client before closing
					c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
						"proxy stops serving requests now")
				}
				return
			}
			if err != io.EOF && !isClosedErr(err) {
				log.Printf("[Proxy] Read error (conn %d): %v", c.connID, err)
			}
			return
		}

		if len(payload) < 1 {
			continue
		}

		quit, err := c.dispatch(payload)
		if err != nil {
			if errors.Is(err, errTeardown) {
				// The error packet already went out; stop serving
				return
			}
			if err == io.EOF || isClosedErr(err) {
				return
			}
			log.Printf("[Proxy] Command error (conn %d): %v", c.connID, err)
			c.writeError(err)
		}
		if quit {
			return
		}
	}
}

// idleBudget is the per-state idle allowance, bounding both the wait for
// the client's next command and each backend exchange. Sessions holding an
// open transaction get the longer one.
func (c *clientConn) idleBudget() time.Duration {
	if c.tx.inTransaction {
		return c.proxy.cfg.Proxy.TransactionTimeout
	}
	return c.proxy.cfg.Proxy.SessionTimeout
}

func (c *clientConn) armIdleTimeout() {
	if timeout := c.idleBudget(); timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

func (c *clientConn) dispatch(payload []byte) (quit bool, err error) {
	cmd := payload[0]
	switch cmd {
	case mysql.COM_QUIT:
		return true, c.handleQuit()
	case mysql.COM_PING:
		return false, c.writeOK(0, 0)
	case mysql.COM_INIT_DB:
		return false, c.handleInitDB(string(payload[1:]))
	case mysql.COM_FIELD_LIST:
		// Deprecated command used for completion; no fields is a valid answer
		return false, c.writeEOF()
	case mysql.COM_QUERY:
		return false, c.handleQuery(string(payload[1:]))
	case mysql.COM_STMT_PREPARE:
		return false, c.handleStmtPrepare(string(payload[1:]))
	case mysql.COM_STMT_EXECUTE:
		return false, c.handleStmtExecute(payload)
	case mysql.COM_STMT_CLOSE:
		return false, c.handleStmtClose(payload)
	case mysql.COM_STMT_RESET:
		return false, c.handleStmtForward(payload)
	case mysql.COM_STMT_SEND_LONG_DATA:
		return false, c.handleStmtSendLongData(payload)
	case mysql.COM_SET_OPTION:
		return false, c.handleSetOption(payload[1:])
	default:
		c.writeErrPacket(mysql.ER_NOT_SUPPORTED_YET, "42000",
			fmt.Sprintf("command %d not supported", cmd))
		return false, nil
	}
}

// teardown resolves the backend disposition before the client goes away.
func (c *clientConn) teardown() {
	if c.server != nil {
		c.releaseServer(true)
	}
	for _, s := range c.reserved.All() {
		if s != c.server {
			s.Quit()
		}
	}
	c.reserved.Reset()
	c.server = nil
	metrics.ClientConnections.Dec()
	c.conn.Close()
}

func (c *clientConn) readPacket() ([]byte, error) {
	seq, payload, err := mysql.ReadPacket(c.br)
	if err != nil {
		return nil, err
	}
	c.sequence = seq
	return payload, nil
}

func (c *clientConn) writeOK(affectedRows, insertID uint64) error {
	c.sequence++
	return mysql.WriteFramed(c.conn, c.sequence,
		mysql.WriteOKPacket(affectedRows, insertID, c.status, c.capability))
}

func (c *clientConn) writeEOF() error {
	c.sequence++
	return mysql.WriteFramed(c.conn, c.sequence,
		mysql.WriteEOFPacket(c.status, c.capability))
}

func (c *clientConn) writeErrPacket(errno uint16, sqlState, message string) error {
	c.sequence++
	return mysql.WriteFramed(c.conn, c.sequence,
		mysql.WriteErrorPacket(errno, sqlState, message, c.capability))
}

func (c *clientConn) writeError(e error) error {
	if me, ok := e.(*mysql.ErrResult); ok {
		return c.writeErrPacket(me.Code, me.SQLState, me.Message)
	}
	return c.writeErrPacket(mysql.ER_UNKNOWN_ERROR, "HY000", e.Error())
}

func (c *clientConn) writeRaw(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
