package mysql

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayloadLen is the largest payload a single frame can carry.
const MaxPayloadLen = 1<<24 - 1

// ReadPacket reads one framed packet and returns its sequence byte and payload.
// Payloads of exactly MaxPayloadLen bytes are continued in follow-up frames.
func ReadPacket(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	seq := header[3]

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	if length < MaxPayloadLen {
		return seq, payload, nil
	}

	// Continuation frames
	for length == MaxPayloadLen {
		if _, err := io.ReadFull(r, header); err != nil {
			return 0, nil, err
		}
		length = int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
		seq = header[3]
		chunk := make([]byte, length)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return 0, nil, err
		}
		payload = append(payload, chunk...)
	}
	return seq, payload, nil
}

// WritePacket frames the payload with the given sequence and writes it out.
// Returns the sequence byte the next packet in the conversation should use.
func WritePacket(w io.Writer, seq byte, payload []byte) (byte, error) {
	for len(payload) >= MaxPayloadLen {
		header := []byte{0xff, 0xff, 0xff, seq}
		if _, err := w.Write(append(header, payload[:MaxPayloadLen]...)); err != nil {
			return seq, err
		}
		payload = payload[MaxPayloadLen:]
		seq++
	}

	data := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(payload)))
	data[3] = seq
	data = append(data, payload...)
	if _, err := w.Write(data); err != nil {
		return seq, err
	}
	return seq + 1, nil
}

// WriteFramed writes a pre-framed packet (built by WriteOKPacket et al.)
// after stamping the sequence byte.
func WriteFramed(w io.Writer, seq byte, packet []byte) error {
	packet[3] = seq
	_, err := w.Write(packet)
	return err
}

// OKResult holds the fields of a decoded OK packet.
type OKResult struct {
	AffectedRows uint64
	InsertID     uint64
	Status       uint16
	Warnings     uint16
}

// ParseOK decodes an OK payload (leading 0x00 byte included).
func ParseOK(payload []byte, capability uint32) (*OKResult, error) {
	if len(payload) < 1 || payload[0] != OK_HEADER {
		return nil, fmt.Errorf("not an OK packet")
	}

	pos := 1
	res := &OKResult{}

	var n int
	res.AffectedRows, _, n = ReadLengthEncodedInt(payload[pos:])
	pos += n
	res.InsertID, _, n = ReadLengthEncodedInt(payload[pos:])
	pos += n

	if capability&CLIENT_PROTOCOL_41 > 0 {
		if len(payload) < pos+4 {
			return nil, fmt.Errorf("short OK packet: %d bytes", len(payload))
		}
		res.Status = binary.LittleEndian.Uint16(payload[pos:])
		pos += 2
		res.Warnings = binary.LittleEndian.Uint16(payload[pos:])
	}
	return res, nil
}

// ErrResult holds the fields of a decoded ERR packet.
type ErrResult struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *ErrResult) Error() string {
	return fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.SQLState, e.Message)
}

// ParseErr decodes an ERR payload (leading 0xff byte included).
func ParseErr(payload []byte, capability uint32) (*ErrResult, error) {
	if len(payload) < 3 || payload[0] != ERR_HEADER {
		return nil, fmt.Errorf("not an ERR packet")
	}

	pos := 1
	res := &ErrResult{}
	res.Code = binary.LittleEndian.Uint16(payload[pos:])
	pos += 2

	if capability&CLIENT_PROTOCOL_41 > 0 && len(payload) > pos && payload[pos] == '#' {
		pos++
		if len(payload) < pos+5 {
			return nil, fmt.Errorf("short ERR packet: %d bytes", len(payload))
		}
		res.SQLState = string(payload[pos : pos+5])
		pos += 5
	}
	res.Message = string(payload[pos:])
	return res, nil
}

// ParseEOF decodes an EOF payload and returns warnings and server status.
func ParseEOF(payload []byte, capability uint32) (warnings, status uint16, err error) {
	if len(payload) < 1 || payload[0] != EOF_HEADER || len(payload) >= 9 {
		return 0, 0, fmt.Errorf("not an EOF packet")
	}
	if capability&CLIENT_PROTOCOL_41 > 0 && len(payload) >= 5 {
		warnings = binary.LittleEndian.Uint16(payload[1:])
		status = binary.LittleEndian.Uint16(payload[3:])
	}
	return warnings, status, nil
}

// IsEOF reports whether the payload is an EOF marker rather than a
// length-encoded row starting with 0xfe (real rows of that form are >= 9 bytes).
func IsEOF(payload []byte) bool {
	return len(payload) > 0 && payload[0] == EOF_HEADER && len(payload) < 9
}
