package mysql

import "encoding/binary"

// Command payload builders. Each returns an unframed payload; the caller
// frames it with WritePacket at sequence 0.

func ComQuery(query string) []byte {
	payload := make([]byte, 0, 1+len(query))
	payload = append(payload, COM_QUERY)
	return append(payload, query...)
}

func ComInitDB(db string) []byte {
	payload := make([]byte, 0, 1+len(db))
	payload = append(payload, COM_INIT_DB)
	return append(payload, db...)
}

func ComQuit() []byte {
	return []byte{COM_QUIT}
}

func ComPing() []byte {
	return []byte{COM_PING}
}

// ComSetOption toggles multi-statement support; 0 enables, 1 disables.
func ComSetOption(operation uint16) []byte {
	payload := make([]byte, 3)
	payload[0] = COM_SET_OPTION
	binary.LittleEndian.PutUint16(payload[1:], operation)
	return payload
}

// ComChangeUser re-authenticates the connection as user with the scrambled
// password token computed against the connection's original salt.
func ComChangeUser(user string, authResp []byte, db string, charset byte) []byte {
	payload := make([]byte, 0, 32+len(user)+len(authResp)+len(db))
	payload = append(payload, COM_CHANGE_USER)
	payload = append(payload, user...)
	payload = append(payload, 0)
	payload = append(payload, byte(len(authResp)))
	payload = append(payload, authResp...)
	payload = append(payload, db...)
	payload = append(payload, 0)
	payload = append(payload, charset, 0)
	payload = append(payload, "mysql_native_password"...)
	payload = append(payload, 0)
	return payload
}

func ComResetConnection() []byte {
	return []byte{COM_RESET_CONNECTION}
}

func ComStmtClose(stmtID uint32) []byte {
	payload := make([]byte, 5)
	payload[0] = COM_STMT_CLOSE
	binary.LittleEndian.PutUint32(payload[1:], stmtID)
	return payload
}

// StmtID extracts the statement id from a COM_STMT_EXECUTE / COM_STMT_CLOSE /
// COM_STMT_RESET / COM_STMT_SEND_LONG_DATA payload.
func StmtID(payload []byte) (uint32, bool) {
	if len(payload) < 5 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[1:5]), true
}

// SetStmtID overwrites the statement id in a statement command payload.
func SetStmtID(payload []byte, id uint32) {
	if len(payload) >= 5 {
		binary.LittleEndian.PutUint32(payload[1:5], id)
	}
}
