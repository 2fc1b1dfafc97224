package mysql

import "encoding/binary"

// WriteResultSet builds a complete framed text result set (column count,
// column definitions, EOF, rows, EOF) with sequence numbers starting at seq.
// All columns are typed VAR_STRING, which is sufficient for the proxy's
// locally answered queries.
func WriteResultSet(cols []string, rows [][]string, status uint16, capability uint32, seq byte) []byte {
	var result []byte

	// Column count packet
	packet := make([]byte, 4)
	packet = append(packet, PutLengthEncodedInt(uint64(len(cols)))...)
	binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
	packet[3] = seq
	seq++
	result = append(result, packet...)

	// Column definition packets
	for _, col := range cols {
		packet = make([]byte, 4)
		packet = append(packet, PutLengthEncodedString([]byte("def"))...) // catalog
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // schema
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // table
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // org_table
		packet = append(packet, PutLengthEncodedString([]byte(col))...)   // name
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // org_name
		packet = append(packet, 0x0c)                                     // length of fixed fields
		packet = append(packet, 0x21, 0x00)                               // character set (utf8)
		packet = append(packet, 0x00, 0x01, 0x00, 0x00)                   // column length (256)
		packet = append(packet, 0xfd)                                     // type (VAR_STRING)
		packet = append(packet, 0x00, 0x00)                               // flags
		packet = append(packet, 0x00)                                     // decimals
		packet = append(packet, 0x00, 0x00)                               // filler
		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		packet[3] = seq
		seq++
		result = append(result, packet...)
	}

	// EOF after columns
	eofPacket := WriteEOFPacket(status, capability)
	eofPacket[3] = seq
	seq++
	result = append(result, eofPacket...)

	// Row packets
	for _, row := range rows {
		packet = make([]byte, 4)
		for _, val := range row {
			packet = append(packet, PutLengthEncodedString([]byte(val))...)
		}
		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		packet[3] = seq
		seq++
		result = append(result, packet...)
	}

	// EOF after rows
	eofPacket = WriteEOFPacket(status, capability)
	eofPacket[3] = seq
	result = append(result, eofPacket...)

	return result
}
