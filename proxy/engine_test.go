package proxy

import (
	"bufio"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/session-replay-tools/cetus-sub002/backend"
	"github.com/session-replay-tools/cetus-sub002/config"
	"github.com/session-replay-tools/cetus-sub002/mysql"
	"github.com/session-replay-tools/cetus-sub002/parser"
	"github.com/session-replay-tools/cetus-sub002/pool"
)

func newTestProxy(replicas int) *Proxy {
	cfg := &config.Config{}
	cfg.Proxy.DefaultCharset = "utf8"
	cfg.Proxy.DefaultSQLMode = ""
	cfg.Users = map[string]config.UserConfig{
		"app": {Password: "secret", BackendPassword: "secret"},
	}

	var reps []backend.Replica
	for i := 0; i < replicas; i++ {
		reps = append(reps, backend.Replica{Addr: "replica", Weight: 1})
	}
	return &Proxy{
		cfg: cfg,
		group: backend.NewGroup("primary", reps,
			pool.Options{MinIdle: 1, MidIdle: 10, MaxIdle: 20, IdleTimeout: time.Minute},
			false),
		silentVars: map[string]struct{}{},
		rng:        rand.New(rand.NewSource(1)),
	}
}

func newTestClient(p *Proxy) *clientConn {
	client, server := net.Pipe()
	_ = client
	c := newClientConn(server, p, 1)
	c.capability = mysql.CLIENT_PROTOCOL_41
	c.attrs.user = "app"
	c.backendPassword = "secret"
	return c
}

func testSocket(conn net.Conn, user string) *BackendSocket {
	s := &BackendSocket{
		conn:       conn,
		br:         bufio.NewReader(conn),
		addr:       "test",
		capability: mysql.CLIENT_PROTOCOL_41,
		salt:       make([]byte, 20),
	}
	s.attrs.user = user
	s.attrs.charsetClient = "utf8"
	s.attrs.charsetConnection = "utf8"
	s.attrs.charsetResults = "utf8"
	return s
}

func mustClassify(t *testing.T, sql string) *parser.Classification {
	t.Helper()
	cls, err := parser.Classify(sql)
	if err != nil {
		t.Fatalf("classify %q: %v", sql, err)
	}
	return cls
}

func TestDecideBackendWriteGoesToPrimary(t *testing.T) {
	p := newTestProxy(2)
	c := newTestClient(p)

	ndx, role, err := c.decideBackend(mustClassify(t, "UPDATE t SET a = 1"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx != 0 || role != "master" {
		t.Errorf("write routed to ndx=%d role=%s, want primary", ndx, role)
	}
}

func TestDecideBackendReadsRoundRobin(t *testing.T) {
	p := newTestProxy(2)
	c := newTestClient(p)
	cls := mustClassify(t, "SELECT a FROM t")

	seen := map[int]int{}
	for i := 0; i < 4; i++ {
		ndx, role, err := c.decideBackend(cls)
		if err != nil {
			t.Fatal(err)
		}
		if role != "slave" {
			t.Fatalf("read %d routed with role %s", i, role)
		}
		seen[ndx]++
	}
	if seen[1] != 2 || seen[2] != 2 {
		t.Errorf("round-robin distribution = %v, want both replicas twice", seen)
	}
}

func TestDecideBackendReadMasterPercentage(t *testing.T) {
	p := newTestProxy(2)
	p.cfg.Proxy.ReadMasterPercentage = 100
	c := newTestClient(p)

	for i := 0; i < 5; i++ {
		ndx, role, err := c.decideBackend(mustClassify(t, "SELECT a FROM t"))
		if err != nil {
			t.Fatal(err)
		}
		if ndx != 0 || role != "master" {
			t.Fatalf("percentage 100 routed read to ndx=%d role=%s", ndx, role)
		}
	}
}

func TestDecideBackendForceHints(t *testing.T) {
	p := newTestProxy(1)
	c := newTestClient(p)

	ndx, _, err := c.decideBackend(mustClassify(t, "/*#slave*/ SELECT a FROM t"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx != 1 {
		t.Errorf("forced slave read routed to %d, want replica", ndx)
	}

	ndx, _, err = c.decideBackend(mustClassify(t, "/*#master*/ SELECT a FROM t"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx != 0 {
		t.Errorf("forced master read routed to %d, want primary", ndx)
	}
}

func TestDecideBackendForceWriteOnSlaveRejected(t *testing.T) {
	p := newTestProxy(1)
	c := newTestClient(p)

	_, _, err := c.decideBackend(mustClassify(t, "/*#slave*/ UPDATE t SET a = 1"))
	me, ok := err.(*mysql.ErrResult)
	if !ok || me.Code != mysql.ER_WRONG_ARGUMENTS {
		t.Fatalf("err = %v, want ER_WRONG_ARGUMENTS", err)
	}
	if me.Message != "Force write on read-only slave" {
		t.Errorf("message = %q", me.Message)
	}

	// Loose checking lets the hint through
	p.cfg.Proxy.CheckSQLLoosely = true
	ndx, _, err := c.decideBackend(mustClassify(t, "/*#slave*/ UPDATE t SET a = 1"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx != 1 {
		t.Errorf("loose forced write routed to %d, want replica", ndx)
	}
}

func TestDecideBackendForceSlaveInTransactionRejected(t *testing.T) {
	p := newTestProxy(1)
	c := newTestClient(p)
	c.tx.inTransaction = true

	_, _, err := c.decideBackend(mustClassify(t, "/*#slave*/ SELECT a FROM t"))
	me, ok := err.(*mysql.ErrResult)
	if !ok || me.Message != "Force transaction on read-only slave" {
		t.Fatalf("err = %v, want transaction rejection", err)
	}
}

func TestDecideBackendPinnedSessionStays(t *testing.T) {
	p := newTestProxy(2)
	c := newTestClient(p)

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")
	c.server.ndx = 0
	c.routing.serverReserved = true
	c.routing.lastBackendType = backend.TypeRW

	for i := 0; i < 3; i++ {
		ndx, _, err := c.decideBackend(mustClassify(t, "SELECT a FROM t"))
		if err != nil {
			t.Fatal(err)
		}
		if ndx != 0 {
			t.Fatalf("pinned session routed to %d, want its reserved server", ndx)
		}
	}
}

func TestDecideBackendReplicasDownFallsBack(t *testing.T) {
	p := newTestProxy(2)
	c := newTestClient(p)
	p.group.Backend(1).SetState(backend.StateDown)
	p.group.Backend(2).SetState(backend.StateDown)

	ndx, role, err := c.decideBackend(mustClassify(t, "SELECT a FROM t"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx != 0 || role != "master" {
		t.Errorf("read with dead replicas routed to ndx=%d role=%s", ndx, role)
	}
}

func queueIDs(q *InjectionQueue) []InjectionID {
	var ids []InjectionID
	for _, inj := range q.items {
		ids = append(ids, inj.ID)
	}
	return ids
}

func TestPlanReconciliationNoDiff(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)
	c.attrs.charsetClient = "utf8"
	c.attrs.charsetConnection = "utf8"
	c.attrs.charsetResults = "utf8"

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComQuery("select 1")})
	c.planReconciliation(mysql.COM_QUERY, false)

	if ids := queueIDs(c.queue); len(ids) != 1 || ids[0] != InjDefault {
		t.Errorf("matching sessions produced %v, want only the command", ids)
	}
}

func TestPlanReconciliationDiffOrder(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)
	c.attrs.defaultDB = "shop"
	c.attrs.sqlMode = "STRICT_TRANS_TABLES"
	c.attrs.charsetClient = "latin1"
	c.attrs.charsetConnection = "latin1"
	c.attrs.charsetResults = "latin1"

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app") // defaults: utf8, empty sql_mode, no db

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComQuery("select 1")})
	c.planReconciliation(mysql.COM_QUERY, false)

	want := []InjectionID{InjChangeDB, InjSetNames, InjSQLMode, InjDefault}
	got := queueIDs(c.queue)
	if len(got) != len(want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
}

func TestPlanReconciliationRobbed(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)
	c.attrs.defaultDB = "shop"
	c.attrs.charsetClient = "utf8"
	c.attrs.charsetConnection = "utf8"
	c.attrs.charsetResults = "utf8"

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "other")
	c.server.attrs.defaultDB = "legacy"

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComQuery("select 1")})
	c.planReconciliation(mysql.COM_QUERY, true)

	got := queueIDs(c.queue)
	if got[0] != InjChangeUser {
		t.Fatalf("queue = %v, change-user must run first", got)
	}
	for _, id := range got {
		// COM_CHANGE_USER carries the database; no separate change-db needed
		if id == InjChangeDB {
			t.Fatalf("queue = %v, unexpected change-db after change-user", got)
		}
	}
}

func TestPlanReconciliationSkipsDBForInitDB(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)
	c.attrs.defaultDB = "shop"
	c.attrs.charsetClient = "utf8"
	c.attrs.charsetConnection = "utf8"
	c.attrs.charsetResults = "utf8"

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComInitDB("shop")})
	c.planReconciliation(mysql.COM_INIT_DB, false)

	for _, id := range queueIDs(c.queue) {
		if id == InjChangeDB {
			t.Fatal("COM_INIT_DB should not get a change-db injection")
		}
	}
}

func TestRunQueueForwardsOnlyDefaultResult(t *testing.T) {
	p := newTestProxy(0)

	clientSide, proxySide := net.Pipe()
	c := newClientConn(proxySide, p, 1)
	c.capability = mysql.CLIENT_PROTOCOL_41
	c.attrs.user = "app"

	backendClient, backendServer := net.Pipe()
	c.server = testSocket(backendClient, "app")
	c.server.ndx = 0

	// Scripted backend: absorb the SET NAMES, then answer the real query
	go func() {
		br := bufio.NewReader(backendServer)
		mysql.ReadPacket(br)
		mysql.WriteFramed(backendServer, 1, mysql.WriteOKPacket(0, 0, 0, mysql.CLIENT_PROTOCOL_41))
		mysql.ReadPacket(br)
		mysql.WriteFramed(backendServer, 1, mysql.WriteOKPacket(3, 7, 0, mysql.CLIENT_PROTOCOL_41))
	}()

	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComQuery("update t set a=1")})
	c.queue.Prepend(&Injection{ID: InjSetNames, Payload: mysql.ComQuery("SET NAMES utf8")})

	resultCh := make(chan *ResultTracker, 1)
	go func() {
		result, err := c.runQueue("", 0)
		if err != nil {
			t.Errorf("runQueue: %v", err)
		}
		resultCh <- result
	}()

	// The client must see exactly one packet: the real command's OK
	br := bufio.NewReader(clientSide)
	seq, payload, err := mysql.ReadPacket(br)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 || payload[0] != mysql.OK_HEADER {
		t.Errorf("client got seq=%d header=0x%02x, want the OK at seq 1", seq, payload[0])
	}

	result := <-resultCh
	if result == nil || result.AffectedRows != 3 || result.InsertID != 7 {
		t.Errorf("result = %+v, want affected 3 insert 7", result)
	}

	// Nothing else may arrive; the SET NAMES result was absorbed
	clientSide.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := br.ReadByte(); err == nil {
		t.Error("client received bytes beyond the single forwarded result")
	}
}

func TestAfterCommandReservesOnTransaction(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")

	tr := &ResultTracker{Status: mysql.SERVER_STATUS_IN_TRANS}
	c.afterCommand(mustClassify(t, "BEGIN"), tr)

	if !c.tx.inTransaction {
		t.Error("transaction flag not set from status")
	}
	if !c.routing.serverReserved {
		t.Error("server not reserved inside a transaction")
	}
	if c.server == nil {
		t.Error("reserved server must stay attached")
	}
}

func TestAfterCommandReservesOnAutocommitOff(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")

	tr := &ResultTracker{Status: 0}
	c.afterCommand(mustClassify(t, "SET autocommit = 0"), tr)

	if c.tx.autocommit {
		t.Error("autocommit flag not cleared")
	}
	if !c.routing.serverReserved {
		t.Error("server not reserved with autocommit off")
	}
}

func TestAfterCommandReleasesCleanSession(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")
	c.server.ndx = 0

	tr := &ResultTracker{Status: mysql.SERVER_STATUS_AUTOCOMMIT, AffectedRows: 1}
	c.afterCommand(mustClassify(t, "SELECT a FROM t"), tr)

	if c.routing.serverReserved {
		t.Error("plain autocommit select must not reserve the server")
	}
	if c.server != nil {
		t.Error("server should have been released to the pool")
	}
	if got := p.group.Backend(0).Pool.IdleCount(); got != 1 {
		t.Errorf("pool idle = %d, want the released socket", got)
	}
}

func TestAfterCommandTracksLastInsertID(t *testing.T) {
	p := newTestProxy(0)
	c := newTestClient(p)

	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")

	tr := &ResultTracker{Status: mysql.SERVER_STATUS_AUTOCOMMIT, AffectedRows: 1, InsertID: 42}
	c.afterCommand(mustClassify(t, "INSERT INTO t (a) VALUES (1)"), tr)

	if c.tx.lastInsertID != 42 {
		t.Errorf("lastInsertID = %d, want 42", c.tx.lastInsertID)
	}
	if !c.tx.lastRecordUpdated {
		t.Error("write with affected rows should pin the next read to the primary")
	}
}

func TestAllSilent(t *testing.T) {
	p := newTestProxy(0)
	p.silentVars = map[string]struct{}{"wait_timeout": {}, "interactive_timeout": {}}
	c := newTestClient(p)

	if !c.allSilent(map[string]string{"wait_timeout": "60"}) {
		t.Error("configured silent variable not recognized")
	}
	if c.allSilent(map[string]string{"wait_timeout": "60", "sql_mode": ""}) {
		t.Error("mixed assignment must not be silent")
	}
	if c.allSilent(nil) {
		t.Error("empty assignment must not be silent")
	}
}

func TestReadMasterPercentageSplit(t *testing.T) {
	p := newTestProxy(1)
	p.cfg.Proxy.ReadMasterPercentage = 50
	p.rng = rand.New(rand.NewSource(42))
	c := newTestClient(p)
	cls := mustClassify(t, "SELECT a FROM t")

	master := 0
	for i := 0; i < 200; i++ {
		ndx, _, err := c.decideBackend(cls)
		if err != nil {
			t.Fatal(err)
		}
		if ndx == 0 {
			master++
		}
	}
	if master < 60 || master > 140 {
		t.Errorf("primary drew %d of 200 reads at 50%%", master)
	}
}

func TestTransactionPinning(t *testing.T) {
	p := newTestProxy(1)

	clientSide, proxySide := net.Pipe()
	c := newClientConn(proxySide, p, 1)
	c.capability = mysql.CLIENT_PROTOCOL_41
	c.attrs.user = "app"

	backendClient, backendServer := net.Pipe()
	s := testSocket(backendClient, "app")
	c.server = s

	go func() {
		br := bufio.NewReader(backendServer)
		respond := func(affected uint64, status uint16) {
			mysql.ReadPacket(br)
			mysql.WriteFramed(backendServer, 1,
				mysql.WriteOKPacket(affected, 0, status, mysql.CLIENT_PROTOCOL_41))
		}
		respond(0, mysql.SERVER_STATUS_IN_TRANS)
		respond(2, mysql.SERVER_STATUS_IN_TRANS)
		respond(0, mysql.SERVER_STATUS_AUTOCOMMIT)
	}()

	br := bufio.NewReader(clientSide)
	runCmd := func(sql string) {
		errCh := make(chan error, 1)
		go func() { errCh <- c.handleQuery(sql) }()
		if _, _, err := mysql.ReadPacket(br); err != nil {
			t.Fatalf("%s: client read: %v", sql, err)
		}
		if err := <-errCh; err != nil {
			t.Fatalf("%s: %v", sql, err)
		}
	}

	runCmd("BEGIN")
	if !c.tx.inTransaction || !c.routing.serverReserved {
		t.Fatal("BEGIN did not pin the session")
	}
	runCmd("UPDATE t SET a = 1")
	if c.server != s {
		t.Fatal("UPDATE left the pinned server")
	}
	runCmd("COMMIT")
	if c.tx.inTransaction {
		t.Error("COMMIT left the transaction flag set")
	}
	if c.server != nil {
		t.Error("COMMIT should release the server")
	}
	if got := p.group.Backend(0).Pool.IdleCount(); got != 1 {
		t.Errorf("pool idle = %d, want the released socket", got)
	}
}

func TestStmtIDEncoding(t *testing.T) {
	id := encodeStmtID(0x1234, 3)
	backendID, slot := decodeStmtID(id)
	if backendID != 0x1234 || slot != 3 {
		t.Errorf("roundtrip = (%#x, %d), want (0x1234, 3)", backendID, slot)
	}
}

func TestReservedSetRemoveKeepsSlots(t *testing.T) {
	r := NewReservedServerSet()
	a := &BackendSocket{}
	b := &BackendSocket{}
	if r.Add(a) != 0 || r.Add(b) != 1 {
		t.Fatal("unexpected slot assignment")
	}

	r.Remove(a)
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if r.Get(0) != nil {
		t.Error("removed slot should be empty")
	}
	if r.Get(1) != b {
		t.Error("surviving socket must keep its slot")
	}

	// A freed slot is reused before the set grows
	if slot := r.Add(&BackendSocket{}); slot != 0 {
		t.Errorf("new socket got slot %d, want the freed slot 0", slot)
	}
}

func TestStmtCloseReleasesReservedSlot(t *testing.T) {
	p := newTestProxy(0)
	p.cfg.Proxy.MultipleServerMode = true
	c := newTestClient(p)

	backendClient, backendServer := net.Pipe()
	s := testSocket(backendClient, "app")
	s.ndx = 0
	s.prepStmtCount = 1
	c.server = s
	c.routing.serverReserved = true
	slot := c.reserved.Add(s)

	// COM_STMT_CLOSE has no response; just absorb it
	go func() {
		br := bufio.NewReader(backendServer)
		mysql.ReadPacket(br)
	}()

	if err := c.handleStmtClose(mysql.ComStmtClose(encodeStmtID(1, slot))); err != nil {
		t.Fatal(err)
	}

	if c.reserved.Len() != 0 {
		t.Error("pooled socket still referenced by the reserved set")
	}
	if c.server != nil || c.routing.serverReserved {
		t.Error("closing the last statement should release the server")
	}
	if got := p.group.Backend(0).Pool.IdleCount(); got != 1 {
		t.Errorf("pool idle = %d, want the released socket", got)
	}

	// Teardown must leave the pooled socket alone
	c.teardown()
	if got := p.group.Backend(0).Pool.IdleCount(); got != 1 {
		t.Errorf("pool idle after teardown = %d, want 1", got)
	}
}

func TestExecuteOnTimesOutOnWedgedBackend(t *testing.T) {
	p := newTestProxy(0)
	p.cfg.Proxy.SessionTimeout = 50 * time.Millisecond
	c := newTestClient(p)

	backendClient, backendServer := net.Pipe()
	s := testSocket(backendClient, "app")

	// The backend accepts the command and never responds
	go func() {
		br := bufio.NewReader(backendServer)
		mysql.ReadPacket(br)
	}()

	_, _, err := c.executeOn(s, mysql.ComQuery("select 1"), false, false)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("err = %v, want a timeout", err)
	}
}

func TestDecideBackendMasterDown(t *testing.T) {
	p := newTestProxy(1)
	c := newTestClient(p)
	p.group.Backend(0).SetState(backend.StateDown)

	ndx, _, err := c.decideBackend(mustClassify(t, "UPDATE t SET a = 1"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx >= 0 {
		t.Errorf("write with dead primary routed to %d", ndx)
	}
	if !c.routing.masterUnavailable {
		t.Error("primary outage not recorded")
	}

	// Reads still land on the replica, even when the percentage draw picks
	// the dead primary
	p.cfg.Proxy.ReadMasterPercentage = 100
	ndx, role, err := c.decideBackend(mustClassify(t, "SELECT a FROM t"))
	if err != nil {
		t.Fatal(err)
	}
	if ndx != 1 || role != "slave" {
		t.Errorf("read with dead primary routed to ndx=%d role=%s", ndx, role)
	}
}

func TestSilentSetRecorded(t *testing.T) {
	p := newTestProxy(0)
	p.silentVars = map[string]struct{}{"sql_mode": {}, "wait_timeout": {}}

	clientSide, proxySide := net.Pipe()
	c := newClientConn(proxySide, p, 1)
	c.capability = mysql.CLIENT_PROTOCOL_41
	c.attrs.user = "app"

	cls := mustClassify(t, "SET sql_mode = 'ANSI_QUOTES', wait_timeout = 60")

	// Drain the local OK
	go func() {
		br := bufio.NewReader(clientSide)
		mysql.ReadPacket(br)
	}()

	handled, err := c.answerLocally(cls)
	if !handled || err != nil {
		t.Fatalf("handled=%v err=%v, want a local answer", handled, err)
	}
	if c.attrs.sqlMode != "ANSI_QUOTES" {
		t.Errorf("sqlMode = %q, the silent assignment was not recorded", c.attrs.sqlMode)
	}

	// The recorded value now drives the reconciliation diff
	srv, _ := net.Pipe()
	c.server = testSocket(srv, "app")
	c.queue.Reset()
	c.queue.Append(&Injection{ID: InjDefault, Payload: mysql.ComQuery("select 1")})
	c.planReconciliation(mysql.COM_QUERY, false)

	want := []InjectionID{InjSQLMode, InjDefault}
	got := queueIDs(c.queue)
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("queue = %v, want %v", got, want)
	}
}
