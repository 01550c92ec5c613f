package relay

import (
	"encoding/json"
	"testing"
)

func TestParsePort(t *testing.T) {
	cases := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{``, 22, false},
		{`22`, 22, false},
		{`2222`, 2222, false},
		{`"2222"`, 2222, false},
		{`""`, 22, false},
		{`1`, 1, false},
		{`65535`, 65535, false},
		{`0`, 0, true},
		{`65536`, 0, true},
		{`-1`, 0, true},
		{`"ssh"`, 0, true},
	}
	for _, tc := range cases {
		got, err := parsePort(json.RawMessage(tc.raw))
		if tc.wantErr {
			if err == nil {
				t.Errorf("parsePort(%q) = %d, want error", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePort(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parsePort(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestControlMsgDecoding(t *testing.T) {
	raw := `{"type":"connect","host":"example.com","port":"2022","username":"root","auth":"password","password":"pw","token":"tok"}`
	var msg controlMsg
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "connect" || msg.Host != "example.com" || msg.Username != "root" {
		t.Errorf("decoded %+v", msg)
	}
	port, err := parsePort(msg.Port)
	if err != nil || port != 2022 {
		t.Errorf("port = %d, %v", port, err)
	}
}

func TestBuildAuth(t *testing.T) {
	if _, err := buildAuth(&controlMsg{Auth: "password", Password: "pw"}); err != nil {
		t.Errorf("password auth: %v", err)
	}
	if _, err := buildAuth(&controlMsg{Auth: "password"}); err == nil {
		t.Error("empty password accepted")
	}
	if _, err := buildAuth(&controlMsg{Auth: "key", PrivateKey: "not a pem"}); err == nil {
		t.Error("garbage private key accepted")
	}
	if _, err := buildAuth(&controlMsg{Auth: "key"}); err == nil {
		t.Error("missing private key accepted")
	}
	if _, err := buildAuth(&controlMsg{Auth: "agent"}); err == nil {
		t.Error("unknown auth method accepted")
	}
}

func TestServerFrames(t *testing.T) {
	var msg controlMsg
	if err := json.Unmarshal(readyMsg(), &msg); err != nil || msg.Type != "ready" {
		t.Errorf("ready frame: %+v %v", msg, err)
	}
	if err := json.Unmarshal(errorMsg("boom"), &msg); err != nil || msg.Type != "error" || msg.Message != "boom" {
		t.Errorf("error frame: %+v %v", msg, err)
	}
	if err := json.Unmarshal(sshClosedMsg(), &msg); err != nil || msg.Type != "ssh-closed" {
		t.Errorf("ssh-closed frame: %+v %v", msg, err)
	}
}
