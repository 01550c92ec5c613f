package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// controlMsg is the JSON text-frame envelope in both directions. Clients
// send "connect" and "resize"; the server sends "ready", "error" and
// "ssh-closed". Binary frames never pass through here.
type controlMsg struct {
	Type string `json:"type"`

	// connect
	Host       string          `json:"host,omitempty"`
	Port       json.RawMessage `json:"port,omitempty"`
	Username   string          `json:"username,omitempty"`
	Auth       string          `json:"auth,omitempty"`
	Password   string          `json:"password,omitempty"`
	PrivateKey string          `json:"privateKey,omitempty"`
	Passphrase string          `json:"passphrase,omitempty"`
	Token      string          `json:"token,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// server -> client
	Message string `json:"message,omitempty"`
}

// parsePort accepts the wire forms the browser sends: a JSON number, a
// quoted numeric string, or nothing (default 22).
func parsePort(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 22, nil
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 22, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

func readyMsg() []byte {
	b, _ := json.Marshal(controlMsg{Type: "ready"})
	return b
}

func errorMsg(message string) []byte {
	b, _ := json.Marshal(controlMsg{Type: "error", Message: message})
	return b
}

// ErrorFrame is the error control frame for callers outside the relay (the
// upgrade gate sends one when the concurrency cap trips).
func ErrorFrame(message string) []byte {
	return errorMsg(message)
}

func sshClosedMsg() []byte {
	b, _ := json.Marshal(controlMsg{Type: "ssh-closed"})
	return b
}
