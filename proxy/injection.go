package proxy

// InjectionID tags a queued backend command so its result can be attributed
// on the way back. Only InjDefault results are ever forwarded to the client.
type InjectionID int

const (
	InjDefault InjectionID = iota + 1
	InjChangeDB
	InjCharsetClient
	InjCharsetResults
	InjCharsetConnection
	InjSetNames
	InjSQLMode
	InjMultiStmt
	InjChangeUser
	InjResetConnection
)

func (id InjectionID) String() string {
	switch id {
	case InjDefault:
		return "default"
	case InjChangeDB:
		return "change_db"
	case InjCharsetClient:
		return "charset_client"
	case InjCharsetResults:
		return "charset_results"
	case InjCharsetConnection:
		return "charset_connection"
	case InjSetNames:
		return "set_names"
	case InjSQLMode:
		return "sql_mode"
	case InjMultiStmt:
		return "multi_stmt"
	case InjChangeUser:
		return "change_user"
	case InjResetConnection:
		return "reset_connection"
	default:
		return "unknown"
	}
}

// Injection is one command destined for the backend: either a synthetic
// reconciliation command or the client's real command.
type Injection struct {
	ID      InjectionID
	Payload []byte // unframed command payload
}

// InjectionQueue holds the commands for one client-command cycle,
// consumed strictly head-first with one command in flight at a time.
type InjectionQueue struct {
	items []*Injection
}

// NewInjectionQueue creates an empty queue.
func NewInjectionQueue() *InjectionQueue {
	return &InjectionQueue{}
}

// Reset drains the queue at the start of a new command cycle.
func (q *InjectionQueue) Reset() {
	q.items = q.items[:0]
}

// Prepend pushes inj to the head. Reconciliation commands are prepended in
// diff order, so they execute in reverse order of prepending, ahead of the
// real command.
func (q *InjectionQueue) Prepend(inj *Injection) {
	q.items = append([]*Injection{inj}, q.items...)
}

// Append pushes inj to the tail; used for the real client command.
func (q *InjectionQueue) Append(inj *Injection) {
	q.items = append(q.items, inj)
}

// PopHead removes and returns the next command, or nil when empty.
func (q *InjectionQueue) PopHead() *Injection {
	if len(q.items) == 0 {
		return nil
	}
	inj := q.items[0]
	q.items = q.items[1:]
	return inj
}

// Len returns the number of queued commands.
func (q *InjectionQueue) Len() int {
	return len(q.items)
}
