package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/session-replay-tools/cetus-sub002/backend"
	"github.com/session-replay-tools/cetus-sub002/cache"
	"github.com/session-replay-tools/cetus-sub002/metrics"
	"github.com/session-replay-tools/cetus-sub002/mysql"
	"github.com/session-replay-tools/cetus-sub002/parser"
	"github.com/session-replay-tools/cetus-sub002/pool"
)

// errTeardown signals that the session cannot continue; the error packet has
// already been written to the client.
var errTeardown = errors.New("session teardown")

func (c *clientConn) handleQuery(sql string) error {
	start := time.Now()
	defer func() {
		metrics.QueryLatency.WithLabelValues("query").Observe(time.Since(start).Seconds())
	}()

	cls, err := parser.Classify(sql)
	if err != nil {
		if errors.Is(err, parser.ErrSyntax) {
			return c.writeErrPacket(mysql.ER_SYNTAX_ERROR, "42000",
				"You have an error in your SQL syntax")
		}
		if errors.Is(err, parser.ErrNotSupported) {
			return c.writeErrPacket(mysql.ER_NOT_SUPPORTED_YET, "42000", err.Error())
		}
		return err
	}

	if handled, err := c.answerLocally(cls); handled {
		return err
	}

	var cacheKey string
	var cacheTTL time.Duration
	if c.proxy.cache != nil && cls.IsCacheable() && !c.tx.inTransaction && c.tx.autocommit {
		cacheKey = cache.Key(cls.Query, c.attrs.user, c.attrs.defaultDB)
		if data, ok := c.proxy.cache.Get(cacheKey); ok {
			metrics.CacheHits.Inc()
			return c.writeRaw(data)
		}
		metrics.CacheMisses.Inc()
		cacheTTL = time.Duration(cls.TTL) * time.Second
	}

	ndx, role, rerr := c.decideBackend(cls)
	if rerr != nil {
		return c.writeError(rerr)
	}
	if ndx < 0 {
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000", c.noBackendMessage())
		return errTeardown
	}
	metrics.QueryTotal.WithLabelValues("query", role).Inc()

	robbed, err := c.acquireServer(ndx)
	if err != nil {
		log.Printf("[Proxy] Backend unavailable (conn %d): %v", c.connID, err)
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
			"proxy stops serving requests now")
		return errTeardown
	}

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComQuery(sql)})
	c.planReconciliation(mysql.COM_QUERY, robbed)

	result, err := c.runQueue(cacheKey, cacheTTL)
	if err != nil {
		return err
	}
	c.afterCommand(cls, result)
	return nil
}

// answerLocally resolves the queries the proxy answers without a backend:
// silent variable assignments and the handful of FROM-less selects whose
// value the proxy itself owns.
func (c *clientConn) answerLocally(cls *parser.Classification) (bool, error) {
	switch {
	case cls.Type == parser.StmtSet && c.allSilent(cls.SessionVars):
		c.recordSilentVars(cls.SessionVars)
		return true, c.writeOK(0, 0)

	case cls.LastInsertID:
		data := mysql.WriteResultSet([]string{"LAST_INSERT_ID()"},
			[][]string{{strconv.FormatUint(c.tx.lastInsertID, 10)}},
			c.status, c.capability, c.sequence+1)
		return true, c.writeRaw(data)

	case cls.CurrentDate:
		data := mysql.WriteResultSet([]string{"CURRENT_DATE"},
			[][]string{{time.Now().Format("2006-01-02")}},
			c.status, c.capability, c.sequence+1)
		return true, c.writeRaw(data)

	case cls.VersionComment:
		data := mysql.WriteResultSet([]string{"@@version_comment"},
			[][]string{{"Cetus"}},
			c.status, c.capability, c.sequence+1)
		return true, c.writeRaw(data)
	}
	return false, nil
}

// recordSilentVars keeps silently acknowledged assignments visible to the
// reconciliation diff, so a later backend still receives them. Variables
// the diff cannot replay are acknowledged and dropped; silencing them is
// the point.
func (c *clientConn) recordSilentVars(vars map[string]string) {
	for name, value := range vars {
		switch name {
		case "sql_mode":
			c.attrs.sqlMode = value
		case "character_set_client":
			c.attrs.charsetClient = value
		case "character_set_connection":
			c.attrs.charsetConnection = value
		case "character_set_results":
			c.attrs.charsetResults = value
		}
	}
}

func (c *clientConn) allSilent(vars map[string]string) bool {
	if len(vars) == 0 || len(c.proxy.silentVars) == 0 {
		return false
	}
	for name := range vars {
		if _, ok := c.proxy.silentVars[name]; !ok {
			return false
		}
	}
	return true
}

// decideBackend resolves which backend-group index a statement runs on.
// Precedence: force hints, then the server the session is pinned to, then
// the write/read split.
func (c *clientConn) decideBackend(cls *parser.Classification) (int, string, error) {
	group := c.proxy.group
	loose := c.proxy.cfg.Proxy.CheckSQLLoosely

	if cls.ForceSlave {
		if cls.IsWrite && !loose {
			return -1, "", &mysql.ErrResult{Code: mysql.ER_WRONG_ARGUMENTS,
				SQLState: "HY000", Message: "Force write on read-only slave"}
		}
		if c.tx.inTransaction && !loose {
			return -1, "", &mysql.ErrResult{Code: mysql.ER_WRONG_ARGUMENTS,
				SQLState: "HY000", Message: "Force transaction on read-only slave"}
		}
	}

	// A session pinned to a server stays there, hints or not
	if c.server != nil && c.pinned() {
		role := "master"
		if c.routing.lastBackendType == backend.TypeRO {
			role = "slave"
		}
		return c.server.ndx, role, nil
	}

	if cls.ForceSlave {
		if ndx := group.ROIndex(); ndx >= 0 {
			return ndx, "slave", nil
		}
		// No replica can serve; the primary is better than an error
		return c.rwIndex(), "master", nil
	}

	wantMaster := cls.ForceMaster || cls.IsWrite ||
		c.proxy.cfg.Proxy.MasterPreferred ||
		cls.Type == parser.StmtBegin ||
		cls.Type == parser.StmtCommit ||
		cls.Type == parser.StmtRollback ||
		cls.Type == parser.StmtSetTransaction ||
		cls.Type == parser.StmtSet ||
		cls.Type == parser.StmtSetNames ||
		cls.Type == parser.StmtUse ||
		c.tx.lastRecordUpdated || !c.tx.autocommit

	if !wantMaster {
		if pct := c.proxy.cfg.Proxy.ReadMasterPercentage; pct > 0 && c.proxy.randPercent() < pct {
			if ndx := c.rwIndex(); ndx >= 0 {
				return ndx, "master", nil
			}
			// The draw picked a dead primary; any replica still serves reads
		}
		if ndx := group.ROIndex(); ndx >= 0 {
			return ndx, "slave", nil
		}
	}
	return c.rwIndex(), "master", nil
}

// rwIndex resolves the primary's index, recording an outage for the
// abort path.
func (c *clientConn) rwIndex() int {
	ndx := c.proxy.group.RWIndex()
	c.routing.masterUnavailable = ndx < 0
	return ndx
}

// noBackendMessage names the outage a session is aborted over.
func (c *clientConn) noBackendMessage() string {
	if c.routing.masterUnavailable {
		return "master is unavailable, proxy stops serving requests now"
	}
	return "proxy stops serving requests now"
}

// pinned reports whether the session must keep using its current server.
func (c *clientConn) pinned() bool {
	return c.tx.inTransaction || c.routing.serverReserved ||
		c.server.inSessContext || c.server.prepStmtCount > 0
}

// acquireServer makes sure c.server is a socket to backend ndx, checking the
// idle pool first and dialing on a miss.
func (c *clientConn) acquireServer(ndx int) (robbed bool, err error) {
	if c.server != nil {
		if c.server.ndx == ndx {
			return false, nil
		}
		c.releaseServer(false)
	}

	b := c.proxy.group.Backend(ndx)
	if b == nil {
		return false, fmt.Errorf("no backend at index %d", ndx)
	}

	conn, robbed, err := b.Pool.Get(c.attrs.user)
	var sock *BackendSocket
	switch {
	case err == nil:
		sock = conn.(*BackendSocket)
		if robbed {
			metrics.PoolRobbed.Inc()
		}
	case errors.Is(err, pool.ErrNoIdleConn):
		sock, err = connectBackend(b.Addr, ndx, c.attrs.user, c.backendPassword, c.attrs.defaultDB)
		if err != nil {
			return false, err
		}
	default:
		return false, err
	}

	b.AddClient()
	metrics.BackendQueries.WithLabelValues(b.Addr).Inc()
	metrics.PoolIdle.WithLabelValues(b.Addr).Set(float64(b.Pool.IdleCount()))
	c.server = sock
	c.routing.lastBackendType = b.Type
	return robbed, nil
}

// releaseServer detaches the current backend socket, pooling it when its
// session state allows and closing it otherwise. A socket left dirty by an
// aborted session is scrubbed with a reset before pooling when the backend
// supports it.
func (c *clientConn) releaseServer(closing bool) {
	s := c.server
	if s == nil {
		return
	}
	c.server = nil
	c.routing.serverReserved = false

	if !s.poolable() && closing && !s.inTransaction && s.SupportsResetConnection() {
		c.scrubSocket(s)
	}
	c.disposeSocket(s)
}

// disposeSocket hands a detached socket back to its backend's idle pool,
// or closes it when its session state cannot be pooled. The socket leaves
// the reserved set first so nothing keeps a reference to a pooled
// connection.
func (c *clientConn) disposeSocket(s *BackendSocket) {
	c.reserved.Remove(s)

	b := c.proxy.group.Backend(s.ndx)
	if b != nil {
		b.RemoveClient()
	}

	if !s.poolable() {
		s.Quit()
		return
	}
	if c.proxy.cfg.Proxy.ReduceConnections && b != nil &&
		b.Pool.ShouldReduce(b.ConnectedClients()) {
		s.Quit()
		return
	}
	if b == nil || !b.Pool.Add(s) {
		s.Close()
		return
	}
	metrics.PoolIdle.WithLabelValues(b.Addr).Set(float64(b.Pool.IdleCount()))
}

// scrubSocket resets a dirty but transaction-free socket so it can be pooled
// instead of thrown away.
func (c *clientConn) scrubSocket(s *BackendSocket) bool {
	s.armDeadline(c.idleBudget())
	defer s.clearDeadline()

	if err := s.WriteCommand(mysql.ComResetConnection()); err != nil {
		return false
	}
	_, payload, err := s.ReadPacket()
	if err != nil || len(payload) == 0 || payload[0] != mysql.OK_HEADER {
		return false
	}
	metrics.InjectionTotal.WithLabelValues(InjResetConnection.String()).Inc()
	s.resetToDefaults(c.proxy.cfg.Proxy.DefaultCharset, c.proxy.cfg.Proxy.DefaultSQLMode)
	return true
}

// planReconciliation diffs the client's session picture against the socket's
// and prepends one corrective command per difference. Prepending reverses
// execution order, so the diff is walked from least to most fundamental:
// a change-user prepended last runs first, and everything queued before it
// re-applies on top of the reset session.
func (c *clientConn) planReconciliation(cmd byte, robbed bool) {
	s := c.server
	eff := s.attrs
	if robbed {
		// COM_CHANGE_USER resets the whole session, so diff against what the
		// session will look like after it runs
		eff = sessionAttrs{
			user:              c.attrs.user,
			defaultDB:         c.attrs.defaultDB,
			charsetClient:     c.proxy.cfg.Proxy.DefaultCharset,
			charsetConnection: c.proxy.cfg.Proxy.DefaultCharset,
			charsetResults:    c.proxy.cfg.Proxy.DefaultCharset,
			sqlMode:           c.proxy.cfg.Proxy.DefaultSQLMode,
		}
	}

	if c.attrs.sqlMode != eff.sqlMode {
		c.queue.Prepend(&Injection{ID: InjSQLMode,
			Payload: mysql.ComQuery("SET sql_mode='" + c.attrs.sqlMode + "'")})
	}

	sameTarget := c.attrs.charsetClient == c.attrs.charsetConnection &&
		c.attrs.charsetClient == c.attrs.charsetResults
	if sameTarget {
		if c.attrs.charsetClient != eff.charsetClient ||
			c.attrs.charsetConnection != eff.charsetConnection ||
			c.attrs.charsetResults != eff.charsetResults {
			c.queue.Prepend(&Injection{ID: InjSetNames,
				Payload: mysql.ComQuery("SET NAMES " + c.attrs.charsetClient)})
		}
	} else {
		if c.attrs.charsetResults != eff.charsetResults {
			c.queue.Prepend(&Injection{ID: InjCharsetResults,
				Payload: mysql.ComQuery("SET character_set_results='" + c.attrs.charsetResults + "'")})
		}
		if c.attrs.charsetConnection != eff.charsetConnection {
			c.queue.Prepend(&Injection{ID: InjCharsetConnection,
				Payload: mysql.ComQuery("SET character_set_connection='" + c.attrs.charsetConnection + "'")})
		}
		if c.attrs.charsetClient != eff.charsetClient {
			c.queue.Prepend(&Injection{ID: InjCharsetClient,
				Payload: mysql.ComQuery("SET character_set_client='" + c.attrs.charsetClient + "'")})
		}
	}

	if c.attrs.defaultDB != "" && c.attrs.defaultDB != eff.defaultDB &&
		cmd != mysql.COM_INIT_DB {
		c.queue.Prepend(&Injection{ID: InjChangeDB,
			Payload: mysql.ComInitDB(c.attrs.defaultDB)})
	}

	if c.attrs.multiStmt != eff.multiStmt && cmd != mysql.COM_SET_OPTION {
		op := uint16(1) // MYSQL_OPTION_MULTI_STATEMENTS_OFF
		if c.attrs.multiStmt {
			op = 0
		}
		c.queue.Prepend(&Injection{ID: InjMultiStmt, Payload: mysql.ComSetOption(op)})
	}

	if robbed || s.attrs.user != c.attrs.user {
		authResp := mysql.CalcPassword(s.salt, []byte(c.backendPassword))
		c.queue.Prepend(&Injection{ID: InjChangeUser,
			Payload: mysql.ComChangeUser(c.attrs.user, authResp, c.attrs.defaultDB, 33)})
	}
}

// runQueue executes the injection queue one command at a time. Only the
// default injection's result reaches the client; reconciliation results are
// absorbed, and a failed re-authentication aborts the session.
func (c *clientConn) runQueue(cacheKey string, cacheTTL time.Duration) (*ResultTracker, error) {
	var result *ResultTracker

	for c.queue.Len() > 0 {
		inj := c.queue.PopHead()
		forward := inj.ID == InjDefault
		buffer := forward && cacheKey != ""

		if !forward {
			metrics.InjectionTotal.WithLabelValues(inj.ID.String()).Inc()
		}

		t, buf, err := c.executeOn(c.server, inj.Payload, forward, buffer)
		if err != nil {
			log.Printf("[Proxy] Backend error (conn %d, %s): %v", c.connID, inj.ID, err)
			c.discardServer()
			c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
				"proxy stops serving requests now")
			return nil, errTeardown
		}

		if forward {
			result = t
			if buffer && buf != nil {
				if werr := c.writeRaw(buf); werr != nil {
					return nil, werr
				}
				if t.Err == nil && t.WasResultSet {
					c.proxy.cache.Set(cacheKey, buf, cacheTTL)
				}
			}
			continue
		}

		if t.Err != nil {
			if inj.ID == InjChangeUser {
				c.discardServer()
				c.writeErrPacket(mysql.ER_ACCESS_DENIED_ERROR, "28000",
					"Access denied for serving requests")
				return nil, errTeardown
			}
			log.Printf("[Proxy] Reconciliation %s failed (conn %d): %s",
				inj.ID, c.connID, t.Err.Message)
			continue
		}
		c.applyInjectionResult(inj)
	}
	return result, nil
}

// discardServer drops the current socket without pooling it.
func (c *clientConn) discardServer() {
	s := c.server
	if s == nil {
		return
	}
	c.server = nil
	c.routing.serverReserved = false
	c.reserved.Remove(s)
	if b := c.proxy.group.Backend(s.ndx); b != nil {
		b.RemoveClient()
	}
	s.Close()
}

// executeOn sends one command payload to s and consumes its complete
// response. With forward set the response frames are relayed to the client,
// either streamed or buffered; a LOCAL INFILE request flips a buffered
// response to streaming and relays the client's data packets in between.
func (c *clientConn) executeOn(s *BackendSocket, payload []byte, forward, buffer bool) (*ResultTracker, []byte, error) {
	s.armDeadline(c.idleBudget())
	defer s.clearDeadline()

	if err := s.WriteCommand(payload); err != nil {
		return nil, nil, err
	}

	t := NewResultTracker(s.capability)
	var buf bytes.Buffer

	for {
		seq, pkt, err := s.ReadPacket()
		if err != nil {
			return nil, nil, err
		}
		done, needData, err := t.Feed(pkt)
		if err != nil {
			return nil, nil, err
		}

		if forward {
			if buffer && !needData {
				if _, err := mysql.WritePacket(&buf, seq, pkt); err != nil {
					return nil, nil, err
				}
			} else {
				if buffer {
					// The upload handshake must reach the client now
					if _, err := c.conn.Write(buf.Bytes()); err != nil {
						return nil, nil, err
					}
					buf.Reset()
					buffer = false
				}
				if _, err := mysql.WritePacket(c.conn, seq, pkt); err != nil {
					return nil, nil, err
				}
			}
		}

		if needData {
			if !forward {
				return nil, nil, fmt.Errorf("backend requested LOCAL INFILE data for an injected command")
			}
			if err := c.relayLocalInfile(s, t); err != nil {
				return nil, nil, err
			}
		}
		if done {
			break
		}
	}

	if buffer {
		return t, buf.Bytes(), nil
	}
	return t, nil, nil
}

// relayLocalInfile pumps the client's file content to the backend until the
// empty terminator packet.
func (c *clientConn) relayLocalInfile(s *BackendSocket, t *ResultTracker) error {
	for {
		payload, err := c.readPacket()
		if err != nil {
			return err
		}
		if _, err := mysql.WritePacket(s.conn, c.sequence, payload); err != nil {
			return err
		}
		if err := t.FeedClientData(payload); err != nil {
			return err
		}
		if len(payload) == 0 {
			return nil
		}
	}
}

// applyInjectionResult syncs the socket's recorded session attributes after
// a reconciliation command succeeded.
func (c *clientConn) applyInjectionResult(inj *Injection) {
	s := c.server
	if s == nil {
		return
	}
	switch inj.ID {
	case InjChangeDB:
		s.attrs.defaultDB = c.attrs.defaultDB
	case InjSetNames:
		s.attrs.charsetClient = c.attrs.charsetClient
		s.attrs.charsetConnection = c.attrs.charsetConnection
		s.attrs.charsetResults = c.attrs.charsetResults
	case InjCharsetClient:
		s.attrs.charsetClient = c.attrs.charsetClient
	case InjCharsetResults:
		s.attrs.charsetResults = c.attrs.charsetResults
	case InjCharsetConnection:
		s.attrs.charsetConnection = c.attrs.charsetConnection
	case InjSQLMode:
		s.attrs.sqlMode = c.attrs.sqlMode
	case InjMultiStmt:
		s.attrs.multiStmt = c.attrs.multiStmt
	case InjChangeUser:
		s.resetToDefaults(c.proxy.cfg.Proxy.DefaultCharset, c.proxy.cfg.Proxy.DefaultSQLMode)
		s.attrs.user = c.attrs.user
		s.attrs.defaultDB = c.attrs.defaultDB
	case InjResetConnection:
		s.resetToDefaults(c.proxy.cfg.Proxy.DefaultCharset, c.proxy.cfg.Proxy.DefaultSQLMode)
	}
}

// afterCommand folds the default result's status flags back into the
// session and decides whether the server stays attached.
func (c *clientConn) afterCommand(cls *parser.Classification, t *ResultTracker) {
	s := c.server
	if s == nil {
		return
	}

	// A failed command leaves the session flags as they were
	if t != nil && t.Err == nil {
		c.status = t.Status
		c.tx.inTransaction = t.InTransaction()
		s.inTransaction = c.tx.inTransaction

		if t.InsertID > 0 {
			c.tx.lastInsertID = t.InsertID
		}
		if cls.IsWrite && t.AffectedRows > 0 {
			c.tx.lastRecordUpdated = true
		} else if !cls.IsWrite && cls.Type == parser.StmtSelect {
			// One read on the primary consumes the read-after-write pin
			c.tx.lastRecordUpdated = false
		}

		switch cls.Type {
		case parser.StmtSetNames:
			c.attrs.charsetClient = cls.NamesCharset
			c.attrs.charsetConnection = cls.NamesCharset
			c.attrs.charsetResults = cls.NamesCharset
			s.attrs.charsetClient = cls.NamesCharset
			s.attrs.charsetConnection = cls.NamesCharset
			s.attrs.charsetResults = cls.NamesCharset
		case parser.StmtSetTransaction:
			s.inSessContext = true
		case parser.StmtSet:
			c.applySessionVars(cls.SessionVars)
		case parser.StmtUse:
			c.attrs.defaultDB = cls.UseDB
			s.attrs.defaultDB = cls.UseDB
		}

		if cls.AutocommitOn {
			c.tx.autocommit = true
		}
		if cls.AutocommitOff {
			c.tx.autocommit = false
		}
	}

	c.tx.calcFoundRows = cls.CalcFoundRows

	c.routing.serverReserved = c.tx.inTransaction || !c.tx.autocommit ||
		c.tx.calcFoundRows || s.prepStmtCount > 0 || s.inSessContext
	if !c.routing.serverReserved {
		c.releaseServer(false)
	}
}

// applySessionVars mirrors successful plain SET assignments into the
// session attributes the reconciliation diff works from.
func (c *clientConn) applySessionVars(vars map[string]string) {
	s := c.server
	for name, value := range vars {
		switch name {
		case "sql_mode":
			c.attrs.sqlMode = value
			s.attrs.sqlMode = value
		case "character_set_client":
			c.attrs.charsetClient = value
			s.attrs.charsetClient = value
		case "character_set_connection":
			c.attrs.charsetConnection = value
			s.attrs.charsetConnection = value
		case "character_set_results":
			c.attrs.charsetResults = value
			s.attrs.charsetResults = value
		case "autocommit":
			// handled through the classification flags
		default:
			// Anything else is session state the diff cannot reproduce
			s.inSessContext = true
		}
	}
}

func (c *clientConn) handleInitDB(db string) error {
	if c.server == nil {
		// No backend attached; the next acquisition connects with this
		// default and reconciliation keeps pooled sockets in line
		c.attrs.defaultDB = db
		return c.writeOK(0, 0)
	}

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComInitDB(db)})
	c.planReconciliation(mysql.COM_INIT_DB, false)

	result, err := c.runQueue("", 0)
	if err != nil {
		return err
	}
	if result != nil && result.Err == nil {
		c.attrs.defaultDB = db
		c.server.attrs.defaultDB = db
	}
	if c.server != nil && !c.pinned() {
		c.releaseServer(false)
	}
	return nil
}

func (c *clientConn) handleSetOption(data []byte) error {
	if len(data) < 2 {
		return c.writeErrPacket(mysql.ER_WRONG_ARGUMENTS, "HY000", "malformed COM_SET_OPTION")
	}
	op := binary.LittleEndian.Uint16(data)
	c.attrs.multiStmt = op == 0

	if c.server == nil {
		return c.writeEOF()
	}
	c.server.armDeadline(c.idleBudget())
	defer c.server.clearDeadline()
	if err := c.server.WriteCommand(mysql.ComSetOption(op)); err != nil {
		c.discardServer()
		return errTeardown
	}
	seq, payload, err := c.server.ReadPacket()
	if err != nil {
		c.discardServer()
		return errTeardown
	}
	if len(payload) > 0 && payload[0] != mysql.ERR_HEADER {
		c.server.attrs.multiStmt = c.attrs.multiStmt
	}
	_, werr := mysql.WritePacket(c.conn, seq, payload)
	return werr
}

func (c *clientConn) handleQuit() error {
	// COM_QUIT has no response; teardown resolves the backend disposition
	return nil
}

func (c *clientConn) handleStmtPrepare(sql string) error {
	cls, err := parser.Classify(sql)
	if err != nil {
		if errors.Is(err, parser.ErrSyntax) {
			return c.writeErrPacket(mysql.ER_SYNTAX_ERROR, "42000",
				"You have an error in your SQL syntax")
		}
		return err
	}

	ndx, role, rerr := c.decideBackend(cls)
	if rerr != nil {
		return c.writeError(rerr)
	}
	if ndx < 0 {
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000", c.noBackendMessage())
		return errTeardown
	}
	metrics.QueryTotal.WithLabelValues("prepare", role).Inc()

	robbed, err := c.acquireServer(ndx)
	if err != nil {
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
			"proxy stops serving requests now")
		return errTeardown
	}

	c.queue.Reset()
	c.planReconciliation(mysql.COM_STMT_PREPARE, robbed)
	if _, err := c.runQueue("", 0); err != nil {
		return err
	}

	s := c.server
	s.armDeadline(c.idleBudget())
	defer s.clearDeadline()

	payload := append([]byte{mysql.COM_STMT_PREPARE}, sql...)
	if err := s.WriteCommand(payload); err != nil {
		c.discardServer()
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
			"proxy stops serving requests now")
		return errTeardown
	}
	return c.forwardPrepareResponse(s)
}

// forwardPrepareResponse relays a COM_STMT_PREPARE response: the header with
// the statement id, then parameter and column definitions with their EOF
// terminators. In multiple-server mode the statement id is rewritten to
// carry the reserved-server slot.
func (c *clientConn) forwardPrepareResponse(s *BackendSocket) error {
	seq, payload, err := s.ReadPacket()
	if err != nil {
		c.discardServer()
		return errTeardown
	}

	if payload[0] == mysql.ERR_HEADER {
		_, werr := mysql.WritePacket(c.conn, seq, payload)
		return werr
	}
	if len(payload) < 12 || payload[0] != mysql.OK_HEADER {
		return fmt.Errorf("malformed prepare response from %s", s.addr)
	}

	numCols := int(binary.LittleEndian.Uint16(payload[5:7]))
	numParams := int(binary.LittleEndian.Uint16(payload[7:9]))

	if c.proxy.cfg.Proxy.MultipleServerMode {
		slot := c.reserved.Add(s)
		if slot < 0 {
			return c.writeErrPacket(mysql.ER_WRONG_ARGUMENTS, "HY000",
				"too many backends hold prepared statements for this session")
		}
		stmtID := binary.LittleEndian.Uint32(payload[1:5])
		rewritten := make([]byte, len(payload))
		copy(rewritten, payload)
		binary.LittleEndian.PutUint32(rewritten[1:5], encodeStmtID(stmtID, slot))
		payload = rewritten
	}
	if _, err := mysql.WritePacket(c.conn, seq, payload); err != nil {
		return err
	}

	// Parameter definitions then column definitions, each list EOF-terminated
	remaining := 0
	if numParams > 0 {
		remaining += numParams + 1
	}
	if numCols > 0 {
		remaining += numCols + 1
	}
	for i := 0; i < remaining; i++ {
		seq, pkt, err := s.ReadPacket()
		if err != nil {
			c.discardServer()
			return errTeardown
		}
		if _, err := mysql.WritePacket(c.conn, seq, pkt); err != nil {
			return err
		}
	}

	s.prepStmtCount++
	c.routing.serverReserved = true
	return nil
}

// stmtSocket resolves which backend socket a statement command targets and
// rewrites the payload's statement id back to the backend's own id.
func (c *clientConn) stmtSocket(payload []byte) (*BackendSocket, []byte, error) {
	id, ok := mysql.StmtID(payload)
	if !ok {
		return nil, nil, fmt.Errorf("malformed statement command")
	}

	if c.proxy.cfg.Proxy.MultipleServerMode {
		backendID, slot := decodeStmtID(id)
		s := c.reserved.Get(slot)
		if s == nil {
			return nil, nil, fmt.Errorf("unknown prepared statement handler %d", id)
		}
		rewritten := make([]byte, len(payload))
		copy(rewritten, payload)
		mysql.SetStmtID(rewritten, backendID)
		return s, rewritten, nil
	}

	if c.server == nil {
		return nil, nil, fmt.Errorf("unknown prepared statement handler %d", id)
	}
	return c.server, payload, nil
}

func (c *clientConn) handleStmtExecute(payload []byte) error {
	s, payload, err := c.stmtSocket(payload)
	if err != nil {
		return c.writeErrPacket(mysql.ER_WRONG_ARGUMENTS, "HY000", err.Error())
	}
	role := "master"
	if b := c.proxy.group.Backend(s.ndx); b != nil && b.Type == backend.TypeRO {
		role = "slave"
	}
	metrics.QueryTotal.WithLabelValues("execute", role).Inc()

	t, _, err := c.executeOn(s, payload, true, false)
	if err != nil {
		log.Printf("[Proxy] Backend error (conn %d): %v", c.connID, err)
		if s == c.server {
			c.discardServer()
		}
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
			"proxy stops serving requests now")
		return errTeardown
	}

	if s == c.server && t.Err == nil {
		c.status = t.Status
		c.tx.inTransaction = t.InTransaction()
		s.inTransaction = c.tx.inTransaction
		if t.InsertID > 0 {
			c.tx.lastInsertID = t.InsertID
		}
	}
	return nil
}

func (c *clientConn) handleStmtClose(payload []byte) error {
	s, payload, err := c.stmtSocket(payload)
	if err != nil {
		// COM_STMT_CLOSE has no response, not even an error
		return nil
	}
	s.armDeadline(c.idleBudget())
	defer s.clearDeadline()
	if werr := s.WriteCommand(payload); werr != nil && s == c.server {
		c.discardServer()
		return nil
	}
	if s.prepStmtCount > 0 {
		s.prepStmtCount--
	}
	if s.prepStmtCount > 0 {
		return nil
	}
	if s == c.server {
		c.routing.serverReserved = c.tx.inTransaction || !c.tx.autocommit ||
			c.tx.calcFoundRows || s.inSessContext
		if !c.routing.serverReserved {
			c.releaseServer(false)
		}
		return nil
	}
	// A socket reserved only for its statements has nothing left to hold it
	c.disposeSocket(s)
	return nil
}

// handleStmtForward relays a statement command with a single-packet
// response, such as COM_STMT_RESET.
func (c *clientConn) handleStmtForward(payload []byte) error {
	s, payload, err := c.stmtSocket(payload)
	if err != nil {
		return c.writeErrPacket(mysql.ER_WRONG_ARGUMENTS, "HY000", err.Error())
	}
	s.armDeadline(c.idleBudget())
	defer s.clearDeadline()
	if err := s.WriteCommand(payload); err != nil {
		if s == c.server {
			c.discardServer()
		}
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
			"proxy stops serving requests now")
		return errTeardown
	}
	seq, pkt, err := s.ReadPacket()
	if err != nil {
		if s == c.server {
			c.discardServer()
		}
		c.writeErrPacket(mysql.ER_ABORTING_CONNECTION, "HY000",
			"proxy stops serving requests now")
		return errTeardown
	}
	_, werr := mysql.WritePacket(c.conn, seq, pkt)
	return werr
}

func (c *clientConn) handleStmtSendLongData(payload []byte) error {
	s, payload, err := c.stmtSocket(payload)
	if err != nil {
		// No response expected; drop silently like an unknown handler
		return nil
	}
	s.armDeadline(c.idleBudget())
	defer s.clearDeadline()
	s.WriteCommand(payload)
	return nil
}
