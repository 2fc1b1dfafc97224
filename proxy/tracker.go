package proxy

import (
	"fmt"

	"github.com/session-replay-tools/cetus-sub002/mysql"
)

type trackState int

const (
	trackInit trackState = iota
	trackField
	trackRow
	trackLocalInfileData
	trackLocalInfileResult
	trackDone
)

// ResultTracker decides, packet by packet, when a backend's logical response
// is complete, and extracts the status fields routing decisions depend on.
// A result may chain several result sets (SERVER_MORE_RESULTS_EXISTS) and
// may detour through a LOCAL INFILE exchange.
type ResultTracker struct {
	state      trackState
	capability uint32

	Status       uint16
	AffectedRows uint64
	InsertID     uint64
	Warnings     uint16
	Err          *mysql.ErrResult
	WasResultSet bool
}

// NewResultTracker creates a tracker for one backend command's response.
func NewResultTracker(capability uint32) *ResultTracker {
	return &ResultTracker{state: trackInit, capability: capability}
}

// Feed consumes one backend packet payload. done reports whether the logical
// result is complete; needClientData reports that the backend requested
// LOCAL INFILE content and the next packets come from the client.
func (t *ResultTracker) Feed(payload []byte) (done, needClientData bool, err error) {
	if len(payload) == 0 {
		return false, false, fmt.Errorf("empty packet from backend")
	}

	switch t.state {
	case trackInit:
		switch payload[0] {
		case mysql.OK_HEADER:
			ok, perr := mysql.ParseOK(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Status = ok.Status
			t.AffectedRows = ok.AffectedRows
			t.InsertID = ok.InsertID
			t.Warnings = ok.Warnings
			if ok.Status&mysql.SERVER_MORE_RESULTS_EXISTS > 0 {
				return false, false, nil
			}
			t.state = trackDone
			return true, false, nil
		case mysql.ERR_HEADER:
			e, perr := mysql.ParseErr(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Err = e
			t.state = trackDone
			return true, false, nil
		case mysql.LOCAL_INFILE_TOKEN:
			t.state = trackLocalInfileData
			return false, true, nil
		default:
			t.WasResultSet = true
			t.state = trackField
			return false, false, nil
		}

	case trackField:
		if payload[0] == mysql.ERR_HEADER {
			e, perr := mysql.ParseErr(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Err = e
			t.state = trackDone
			return true, false, nil
		}
		if mysql.IsEOF(payload) {
			t.state = trackRow
		}
		return false, false, nil

	case trackRow:
		if payload[0] == mysql.ERR_HEADER {
			e, perr := mysql.ParseErr(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Err = e
			t.state = trackDone
			return true, false, nil
		}
		if mysql.IsEOF(payload) {
			warnings, status, perr := mysql.ParseEOF(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Warnings = warnings
			t.Status = status
			if status&mysql.SERVER_MORE_RESULTS_EXISTS > 0 {
				t.state = trackInit
				return false, false, nil
			}
			t.state = trackDone
			return true, false, nil
		}
		return false, false, nil

	case trackLocalInfileResult:
		switch payload[0] {
		case mysql.OK_HEADER:
			ok, perr := mysql.ParseOK(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Status = ok.Status
			t.AffectedRows = ok.AffectedRows
			t.InsertID = ok.InsertID
			t.state = trackDone
			return true, false, nil
		case mysql.ERR_HEADER:
			e, perr := mysql.ParseErr(payload, t.capability)
			if perr != nil {
				return false, false, perr
			}
			t.Err = e
			t.state = trackDone
			return true, false, nil
		default:
			return false, false, fmt.Errorf("unexpected packet 0x%02x after LOCAL INFILE data", payload[0])
		}

	default:
		return false, false, fmt.Errorf("tracker fed after completion")
	}
}

// FeedClientData consumes one client packet during a LOCAL INFILE exchange.
// An empty payload ends the upload; the backend then answers with OK or ERR.
func (t *ResultTracker) FeedClientData(payload []byte) error {
	if t.state != trackLocalInfileData {
		return fmt.Errorf("not in LOCAL INFILE exchange")
	}
	if len(payload) == 0 {
		t.state = trackLocalInfileResult
	}
	return nil
}

// InTransaction reports the transaction flag from the last status seen.
func (t *ResultTracker) InTransaction() bool {
	return t.Status&mysql.SERVER_STATUS_IN_TRANS > 0
}
