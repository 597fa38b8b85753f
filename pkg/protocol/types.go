// Package protocol defines the wire formats of the mesh: JSON control
// datagrams exchanged with the coordinator, and the framing tokens of the
// direct peer-to-peer transfer channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message types. Every control datagram carries exactly one.
const (
	TypeAuth      = "AUTH"
	TypeHeartbeat = "STATUS"
	TypeListPeers = "LIST_PEERS"
	TypeListFiles = "LIST_FILES"
	TypeShare     = "SHARE"
	TypeSearch    = "SEARCH"
	TypeRemove    = "REMOVE"
	TypeFetch     = "FETCH"
)

// ControlMessage is one request datagram on the control channel.
// For SEARCH the Filename field carries the substring pattern.
type ControlMessage struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	TransferPort int    `json:"tcpPort,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// FetchReply is the JSON body of a successful FETCH response: where to
// connect for the actual bytes.
type FetchReply struct {
	Username string `json:"username"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

// TransferRequest is the first object written on a transfer connection.
type TransferRequest struct {
	Username string `json:"username"`
	Filename string `json:"filename"`
}

// Fixed reply strings. The coordinator answers with plain text for
// everything except a successful FETCH, which answers with a FetchReply.
const (
	ReplyAuthOK       = "OK"
	ReplyShared       = "File shared successfully"
	ReplyRemoved      = "File successfully removed from sharing"
	ReplyRemoveFailed = "File removal failed"
	ReplyNotFound     = "File not found"
	ReplyMalformed    = "ERROR: malformed request"
)

// Transfer channel constants. AckToken is the fixed 3-byte acknowledgment
// the requester sends after reading the size token; ChunkSize is the unit
// of both the sender's writes and the receiver's reads.
var AckToken = []byte("ACK")

const ChunkSize = 1024

// MaxDatagramSize bounds control datagrams, matching the receive buffer on
// both ends of the channel.
const MaxDatagramSize = 1024

// EncodeControl marshals a control message for the wire.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("control message has no type")
	}
	return json.Marshal(msg)
}

// DecodeControl parses a control datagram. It rejects payloads that are not
// JSON or that lack the type or username field; the coordinator answers
// such requests with a generic error instead of crashing.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	if msg.Type == "" {
		return ControlMessage{}, fmt.Errorf("control message missing type")
	}
	if msg.Username == "" {
		return ControlMessage{}, fmt.Errorf("control message missing username")
	}
	return msg, nil
}
