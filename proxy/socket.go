package proxy

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/session-replay-tools/cetus-sub002/mysql"
)

// sessionAttrs is the session state mirrored on both sides of the proxy:
// what the client believes its session looks like, and what a backend
// connection is actually set to.
type sessionAttrs struct {
	user              string
	defaultDB         string
	charsetClient     string
	charsetConnection string
	charsetResults    string
	sqlMode           string
	multiStmt         bool
}

// BackendSocket is one physical connection to a backend server, carrying
// the session attributes it is currently configured with.
type BackendSocket struct {
	conn net.Conn
	br   *bufio.Reader

	addr       string
	ndx        int // index in the backend group
	capability uint32
	salt       []byte // from the greeting, reused for COM_CHANGE_USER

	attrs         sessionAttrs
	inTransaction bool
	inSessContext bool
	prepStmtCount int
}

const dialTimeout = 5 * time.Second

// connectBackend dials addr and completes the client-side handshake as user.
func connectBackend(addr string, ndx int, user, password, db string) (*BackendSocket, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	s := &BackendSocket{
		conn: conn,
		br:   bufio.NewReader(conn),
		addr: addr,
		ndx:  ndx,
	}
	s.attrs.user = user
	s.attrs.defaultDB = db

	s.armDeadline(dialTimeout)
	if err := s.handshake(user, password, db); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	s.clearDeadline()
	return s, nil
}

func (s *BackendSocket) handshake(user, password, db string) error {
	_, payload, err := mysql.ReadPacket(s.br)
	if err != nil {
		return err
	}
	greeting, err := mysql.ParseGreeting(payload)
	if err != nil {
		return err
	}
	s.salt = greeting.Salt

	capability := uint32(mysql.CLIENT_PROTOCOL_41 | mysql.CLIENT_LONG_PASSWORD |
		mysql.CLIENT_LONG_FLAG | mysql.CLIENT_TRANSACTIONS |
		mysql.CLIENT_SECURE_CONNECTION | mysql.CLIENT_LOCAL_FILES |
		mysql.CLIENT_MULTI_STATEMENTS | mysql.CLIENT_MULTI_RESULTS)
	if db != "" {
		capability |= mysql.CLIENT_CONNECT_WITH_DB
	}
	if greeting.Capability&mysql.CLIENT_PLUGIN_AUTH > 0 {
		capability |= mysql.CLIENT_PLUGIN_AUTH
	}
	capability &= greeting.Capability | mysql.CLIENT_LONG_PASSWORD
	s.capability = capability

	authResp := mysql.CalcPassword(greeting.Salt, []byte(password))
	resp := mysql.BuildHandshakeResponse(capability, user, authResp, db)
	if _, err := mysql.WritePacket(s.conn, 1, resp); err != nil {
		return err
	}

	_, payload, err = mysql.ReadPacket(s.br)
	if err != nil {
		return err
	}
	switch payload[0] {
	case mysql.OK_HEADER:
		return nil
	case mysql.ERR_HEADER:
		e, perr := mysql.ParseErr(payload, capability)
		if perr != nil {
			return perr
		}
		return e
	default:
		return fmt.Errorf("unexpected auth response 0x%02x", payload[0])
	}
}

// armDeadline bounds the socket's reads and writes for one exchange, so a
// wedged backend surfaces as an error instead of a hang.
func (s *BackendSocket) armDeadline(d time.Duration) {
	if d > 0 {
		s.conn.SetDeadline(time.Now().Add(d))
	}
}

// clearDeadline lifts the exchange bound before the socket goes idle.
func (s *BackendSocket) clearDeadline() {
	s.conn.SetDeadline(time.Time{})
}

// WriteCommand frames and sends one command payload at sequence 0.
func (s *BackendSocket) WriteCommand(payload []byte) error {
	_, err := mysql.WritePacket(s.conn, 0, payload)
	return err
}

// ReadPacket reads one framed packet from the backend.
func (s *BackendSocket) ReadPacket() (byte, []byte, error) {
	return mysql.ReadPacket(s.br)
}

// SupportsResetConnection reports whether the cheap session reset command
// can replace a full COM_CHANGE_USER on this backend.
func (s *BackendSocket) SupportsResetConnection() bool {
	return s.capability&mysql.CLIENT_SESSION_TRACK > 0
}

// Addr returns the backend address this socket is connected to.
func (s *BackendSocket) Addr() string { return s.addr }

// Index returns the socket's backend group index.
func (s *BackendSocket) Index() int { return s.ndx }

// User returns the username the socket is currently authenticated as.
func (s *BackendSocket) User() string { return s.attrs.user }

// Raw exposes the underlying connection for pool idle watching.
func (s *BackendSocket) Raw() net.Conn { return s.conn }

// Close tears down the physical connection.
func (s *BackendSocket) Close() error {
	return s.conn.Close()
}

// Quit sends COM_QUIT and closes. Best effort; used on graceful teardown.
func (s *BackendSocket) Quit() {
	s.WriteCommand(mysql.ComQuit())
	s.conn.Close()
}

// resetToDefaults records the session state a COM_CHANGE_USER or
// COM_RESET_CONNECTION leaves behind on the server side.
func (s *BackendSocket) resetToDefaults(charset, sqlMode string) {
	s.attrs.charsetClient = charset
	s.attrs.charsetConnection = charset
	s.attrs.charsetResults = charset
	s.attrs.sqlMode = sqlMode
	s.attrs.multiStmt = false
	s.inTransaction = false
	s.inSessContext = false
	s.prepStmtCount = 0
}

// poolable reports whether the socket may be returned to the idle pool at
// all: not mid-transaction, no open prepared statements, and no session
// context another client must not inherit.
func (s *BackendSocket) poolable() bool {
	return !s.inTransaction && s.prepStmtCount == 0 && !s.inSessContext
}
