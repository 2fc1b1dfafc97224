package mysql

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Greeting is a decoded initial handshake (protocol version 10) from a server.
type Greeting struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	Salt            []byte
	Capability      uint32
	Charset         byte
	Status          uint16
	AuthPlugin      string
}

// BuildGreeting creates a framed initial handshake packet to send to a client.
func BuildGreeting(connID uint32, salt []byte, status uint16) []byte {
	data := make([]byte, 4, 128)

	// Protocol version
	data = append(data, 10)

	// Server version
	data = append(data, ServerVersion...)
	data = append(data, 0)

	// Connection ID
	data = append(data, byte(connID), byte(connID>>8), byte(connID>>16), byte(connID>>24))

	// Auth plugin data part 1 (8 bytes)
	data = append(data, salt[0:8]...)

	// Filler
	data = append(data, 0)

	// Capability flags lower 2 bytes
	capLower := uint16(DEFAULT_CAPABILITY & 0xFFFF)
	data = append(data, byte(capLower), byte(capLower>>8))

	// Character set (utf8_general_ci)
	data = append(data, 33)

	// Status flags
	data = append(data, byte(status), byte(status>>8))

	// Capability flags upper 2 bytes
	capUpper := uint16((DEFAULT_CAPABILITY >> 16) & 0xFFFF)
	data = append(data, byte(capUpper), byte(capUpper>>8))

	// Auth plugin data length
	data = append(data, 21)

	// Reserved (10 bytes)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	// Auth plugin data part 2 (12 bytes + null terminator)
	data = append(data, salt[8:20]...)
	data = append(data, 0)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// ParseGreeting decodes an initial handshake payload received from a backend.
func ParseGreeting(payload []byte) (*Greeting, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty handshake packet")
	}
	if payload[0] == ERR_HEADER {
		e, err := ParseErr(payload, CLIENT_PROTOCOL_41)
		if err != nil {
			return nil, err
		}
		return nil, e
	}

	g := &Greeting{ProtocolVersion: payload[0]}
	if g.ProtocolVersion != 10 {
		return nil, fmt.Errorf("unsupported protocol version %d", g.ProtocolVersion)
	}
	pos := 1

	end := bytes.IndexByte(payload[pos:], 0)
	if end < 0 {
		return nil, fmt.Errorf("malformed handshake: unterminated server version")
	}
	g.ServerVersion = string(payload[pos : pos+end])
	pos += end + 1

	if len(payload) < pos+4+8+1+2 {
		return nil, fmt.Errorf("short handshake packet: %d bytes", len(payload))
	}
	g.ConnectionID = binary.LittleEndian.Uint32(payload[pos:])
	pos += 4

	g.Salt = append(g.Salt, payload[pos:pos+8]...)
	pos += 8 + 1 // salt part 1 + filler

	g.Capability = uint32(binary.LittleEndian.Uint16(payload[pos:]))
	pos += 2

	if len(payload) > pos {
		g.Charset = payload[pos]
		pos++
		g.Status = binary.LittleEndian.Uint16(payload[pos:])
		pos += 2
		g.Capability |= uint32(binary.LittleEndian.Uint16(payload[pos:])) << 16
		pos += 2

		saltLen := int(payload[pos])
		pos += 1 + 10 // length byte + reserved

		if g.Capability&CLIENT_SECURE_CONNECTION > 0 {
			// Part 2 is max(13, saltLen-8) bytes, NUL-terminated
			n := 12
			if saltLen-8 > 13 {
				n = saltLen - 8 - 1
			}
			if len(payload) < pos+n {
				return nil, fmt.Errorf("short handshake packet: %d bytes", len(payload))
			}
			g.Salt = append(g.Salt, payload[pos:pos+n]...)
			pos += n + 1
		}
		if g.Capability&CLIENT_PLUGIN_AUTH > 0 && pos < len(payload) {
			if end := bytes.IndexByte(payload[pos:], 0); end >= 0 {
				g.AuthPlugin = string(payload[pos : pos+end])
			} else {
				g.AuthPlugin = string(payload[pos:])
			}
		}
	}
	return g, nil
}

// BuildHandshakeResponse creates the HandshakeResponse41 payload a client
// sends after the greeting.
func BuildHandshakeResponse(capability uint32, user string, authResp []byte, db string) []byte {
	data := make([]byte, 0, 64+len(user)+len(authResp)+len(db))

	data = binary.LittleEndian.AppendUint32(data, capability)
	data = binary.LittleEndian.AppendUint32(data, MaxPayloadLen) // max packet size
	data = append(data, 33)                                      // charset
	data = append(data, make([]byte, 23)...)                     // reserved

	data = append(data, user...)
	data = append(data, 0)

	data = append(data, byte(len(authResp)))
	data = append(data, authResp...)

	if capability&CLIENT_CONNECT_WITH_DB > 0 && db != "" {
		data = append(data, db...)
		data = append(data, 0)
	}
	if capability&CLIENT_PLUGIN_AUTH > 0 {
		data = append(data, "mysql_native_password"...)
		data = append(data, 0)
	}
	return data
}

// AuthRequest is a decoded HandshakeResponse41 received from a client.
type AuthRequest struct {
	Capability uint32
	Charset    byte
	User       string
	AuthResp   []byte
	Database   string
}

// ParseHandshakeResponse decodes a client's HandshakeResponse41 payload.
func ParseHandshakeResponse(payload []byte) (*AuthRequest, error) {
	if len(payload) < 32 {
		return nil, fmt.Errorf("short auth packet: %d bytes", len(payload))
	}

	req := &AuthRequest{}
	pos := 0

	req.Capability = binary.LittleEndian.Uint32(payload[pos:])
	pos += 4
	pos += 4 // max packet size
	req.Charset = payload[pos]
	pos++
	pos += 23 // reserved

	end := bytes.IndexByte(payload[pos:], 0)
	if end < 0 {
		return nil, fmt.Errorf("malformed auth packet: unterminated username")
	}
	req.User = string(payload[pos : pos+end])
	pos += end + 1

	if pos >= len(payload) {
		return nil, fmt.Errorf("malformed auth packet: missing auth response")
	}
	authLen := int(payload[pos])
	pos++
	if len(payload) < pos+authLen {
		return nil, fmt.Errorf("malformed auth packet: truncated auth response")
	}
	req.AuthResp = payload[pos : pos+authLen]
	pos += authLen

	if req.Capability&CLIENT_CONNECT_WITH_DB > 0 && pos < len(payload) {
		if end := bytes.IndexByte(payload[pos:], 0); end >= 0 {
			req.Database = string(payload[pos : pos+end])
		} else {
			req.Database = string(payload[pos:])
		}
	}
	return req, nil
}
