package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// MaxResizeCols and MaxResizeRows bound terminal resize requests. Values
// beyond these are clamped.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// buildAuth maps a connect message onto exactly one SSH auth method.
func buildAuth(msg *controlMsg) (ssh.AuthMethod, error) {
	switch msg.Auth {
	case "password":
		if msg.Password == "" {
			return nil, fmt.Errorf("password auth requires a password")
		}
		return ssh.Password(msg.Password), nil
	case "key":
		if msg.PrivateKey == "" {
			return nil, fmt.Errorf("key auth requires a private key")
		}
		var (
			signer ssh.Signer
			err    error
		)
		if msg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(msg.PrivateKey), []byte(msg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(msg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unknown auth method %q", msg.Auth)
	}
}

// dialSSH connects to addr (always the guard's resolved IP, never a
// hostname) and completes the handshake within the context deadline.
func dialSSH(ctx context.Context, addr string, port int, username string, auth ssh.AuthMethod) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	hostPort := net.JoinHostPort(addr, strconv.Itoa(port))

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostPort, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Bound the handshake as well; cleared once the client is up.
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, hostPort, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", hostPort, err)
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// shellSession wraps an SSH session holding an interactive PTY shell.
type shellSession struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	session *ssh.Session
}

func (s *shellSession) Resize(cols, rows uint16) error {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *shellSession) Close() error {
	return s.session.Close()
}

// openShell requests a PTY with the given dimensions and starts the remote
// login shell.
func openShell(client *ssh.Client, cols, rows uint16) (*shellSession, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellSession{stdin: stdin, stdout: stdout, stderr: stderr, session: sess}, nil
}
