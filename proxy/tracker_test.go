package proxy

import (
	"testing"

	"github.com/session-replay-tools/cetus-sub002/mysql"
)

const testCap = uint32(mysql.CLIENT_PROTOCOL_41)

func okPayload(affected, insertID uint64, status uint16) []byte {
	framed := mysql.WriteOKPacket(affected, insertID, status, testCap)
	return framed[4:]
}

func errPayload(code uint16, msg string) []byte {
	framed := mysql.WriteErrorPacket(code, "HY000", msg, testCap)
	return framed[4:]
}

func eofPayload(status uint16) []byte {
	framed := mysql.WriteEOFPacket(status, testCap)
	return framed[4:]
}

func feedAll(t *testing.T, tr *ResultTracker, payloads ...[]byte) (done bool) {
	t.Helper()
	for i, p := range payloads {
		var err error
		done, _, err = tr.Feed(p)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if done && i != len(payloads)-1 {
			t.Fatalf("done after packet %d of %d", i+1, len(payloads))
		}
	}
	return done
}

func TestTrackerOK(t *testing.T) {
	tr := NewResultTracker(testCap)
	if !feedAll(t, tr, okPayload(3, 7, mysql.SERVER_STATUS_IN_TRANS)) {
		t.Fatal("OK packet should complete the result")
	}
	if tr.AffectedRows != 3 || tr.InsertID != 7 {
		t.Errorf("affected=%d insert=%d, want 3 and 7", tr.AffectedRows, tr.InsertID)
	}
	if !tr.InTransaction() {
		t.Error("transaction flag not picked up from status")
	}
	if tr.WasResultSet {
		t.Error("OK is not a result set")
	}
}

func TestTrackerErr(t *testing.T) {
	tr := NewResultTracker(testCap)
	if !feedAll(t, tr, errPayload(1064, "syntax")) {
		t.Fatal("ERR packet should complete the result")
	}
	if tr.Err == nil || tr.Err.Code != 1064 {
		t.Errorf("Err = %v, want code 1064", tr.Err)
	}
}

func TestTrackerResultSet(t *testing.T) {
	tr := NewResultTracker(testCap)
	done := feedAll(t, tr,
		[]byte{0x02},      // column count
		[]byte{0x03, 'a'}, // column definitions, content irrelevant
		[]byte{0x03, 'b'},
		eofPayload(0),
		[]byte{0x01, '1'}, // rows
		[]byte{0x01, '2'},
		eofPayload(mysql.SERVER_STATUS_AUTOCOMMIT),
	)
	if !done {
		t.Fatal("final EOF should complete the result")
	}
	if !tr.WasResultSet {
		t.Error("result-set flag not set")
	}
	if tr.Status&mysql.SERVER_STATUS_AUTOCOMMIT == 0 {
		t.Error("status not taken from closing EOF")
	}
}

func TestTrackerChainedResults(t *testing.T) {
	tr := NewResultTracker(testCap)
	done := feedAll(t, tr,
		[]byte{0x01},
		[]byte{0x03, 'a'},
		eofPayload(0),
		[]byte{0x01, '1'},
		eofPayload(mysql.SERVER_MORE_RESULTS_EXISTS), // loops back for the next set
		okPayload(1, 0, 0),
	)
	if !done {
		t.Fatal("trailing OK should complete the chained result")
	}
	if tr.AffectedRows != 1 {
		t.Errorf("affected = %d, want 1 from the final OK", tr.AffectedRows)
	}
}

func TestTrackerChainedOKs(t *testing.T) {
	tr := NewResultTracker(testCap)
	done := feedAll(t, tr,
		okPayload(1, 0, mysql.SERVER_MORE_RESULTS_EXISTS),
		okPayload(2, 0, 0),
	)
	if !done {
		t.Fatal("second OK should complete the result")
	}
	if tr.AffectedRows != 2 {
		t.Errorf("affected = %d, want 2", tr.AffectedRows)
	}
}

func TestTrackerLocalInfile(t *testing.T) {
	tr := NewResultTracker(testCap)

	done, needData, err := tr.Feed([]byte{mysql.LOCAL_INFILE_TOKEN, '/', 't', 'm', 'p'})
	if err != nil || done || !needData {
		t.Fatalf("infile request: done=%v needData=%v err=%v", done, needData, err)
	}

	if err := tr.FeedClientData([]byte("row1,row2")); err != nil {
		t.Fatal(err)
	}
	if err := tr.FeedClientData(nil); err != nil { // empty packet ends the upload
		t.Fatal(err)
	}

	done, _, err = tr.Feed(okPayload(2, 0, 0))
	if err != nil || !done {
		t.Fatalf("final OK: done=%v err=%v", done, err)
	}
	if tr.AffectedRows != 2 {
		t.Errorf("affected = %d, want 2", tr.AffectedRows)
	}
}

func TestTrackerErrDuringRows(t *testing.T) {
	tr := NewResultTracker(testCap)
	done := feedAll(t, tr,
		[]byte{0x01},
		[]byte{0x03, 'a'},
		eofPayload(0),
		[]byte{0x01, '1'},
		errPayload(1317, "Query execution was interrupted"),
	)
	if !done {
		t.Fatal("ERR mid-rows should complete the result")
	}
	if tr.Err == nil || tr.Err.Code != 1317 {
		t.Errorf("Err = %v, want code 1317", tr.Err)
	}
}
