// Package relay pumps bytes between an accepted browser WebSocket and an
// interactive SSH shell. Each Conn is a small state machine
// (OPENED -> CONNECTING -> READY -> CLOSING -> CLOSED) whose teardown runs
// exactly once no matter which side dies first.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/guard"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/protect"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/turnstile"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// MaxPayload is the WebSocket read limit.
const MaxPayload = 2 << 20 // 2 MiB

type State int32

const (
	StateOpened State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

// HostGuard validates a target host and returns the only address the relay
// may dial. *guard.Guard is the production implementation.
type HostGuard interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Deps are the collaborators a Conn validates and dials through.
type Deps struct {
	Protect      *protect.State
	Guard        HostGuard
	AllowedHosts []string // resolved-IP allow list; empty allows all
	ReadyTimeout time.Duration
}

// Conn owns one WebSocket and, once connected, one SSH client and shell.
// The per-IP counter was incremented before the Conn was built; teardown is
// the only place it is decremented.
type Conn struct {
	ID            string
	User          *session.User
	ClientIP      string
	StartedAt     time.Time
	ConsumedToken string // server token the gate consumed at upgrade

	ws       *websocket.Conn
	deps     Deps
	registry *Registry

	mu           sync.Mutex
	state        State
	sshClient    *ssh.Client
	shell        *shellSession
	pendingCols uint16
	pendingRows uint16

	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

func NewConn(ws *websocket.Conn, user *session.User, clientIP, consumedToken string, deps Deps, reg *Registry) *Conn {
	c := &Conn{
		ID:            uuid.New().String(),
		User:          user,
		ClientIP:      clientIP,
		StartedAt:     time.Now(),
		ConsumedToken: consumedToken,
		ws:            ws,
		deps:          deps,
		registry:      reg,
		state:         StateOpened,
		done:          make(chan struct{}),
	}
	reg.Add(c)
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Done is closed once teardown has finished.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve runs the relay until either side closes. It always returns through
// teardown.
func (c *Conn) Serve(ctx context.Context) {
	relayCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer c.Close(websocket.StatusNormalClosure, "")

	c.ws.SetReadLimit(MaxPayload)

	for {
		msgType, data, err := c.ws.Read(relayCtx)
		if err != nil {
			return
		}

		switch c.State() {
		case StateOpened:
			if msgType != websocket.MessageText {
				continue // stray binary before connect is discarded
			}
			var msg controlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				c.fail("invalid control message")
				return
			}
			switch msg.Type {
			case "resize":
				c.bufferResize(msg.Cols, msg.Rows)
			case "connect":
				if !c.handleConnect(relayCtx, &msg) {
					return
				}
			default:
				c.fail(fmt.Sprintf("unexpected message type %q", msg.Type))
				return
			}

		case StateReady:
			if msgType == websocket.MessageBinary {
				c.writeInput(data)
				continue
			}
			var msg controlMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
				c.mu.Lock()
				shell := c.shell
				c.mu.Unlock()
				if shell != nil {
					if err := shell.Resize(msg.Cols, msg.Rows); err != nil {
						log.Printf("[relay] %s resize: %v", c.ID, err)
					}
				}
			}
			// Any other text type in READY is ignored.

		default:
			// CONNECTING/CLOSING: input races the transition; drop it.
		}
	}
}

func (c *Conn) bufferResize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	c.mu.Lock()
	c.pendingCols, c.pendingRows = cols, rows
	c.mu.Unlock()
}

// handleConnect runs the validation pipeline and, if everything holds,
// dials SSH and brings the relay to READY. It returns false when the Conn
// is finished and Serve should unwind.
func (c *Conn) handleConnect(ctx context.Context, msg *controlMsg) bool {
	// The token the client echoes in connect must match the one the gate
	// consumed for this socket.
	if !turnstile.Recheck(c.ConsumedToken, msg.Token) {
		c.fail("invalid session token")
		return false
	}

	if !c.deps.Protect.CheckAttempts(c.User.ID) {
		c.fail("too many failed SSH attempts, try again later")
		return false
	}

	host := strings.TrimSpace(msg.Host)
	if host == "" || strings.TrimSpace(msg.Username) == "" {
		c.fail("host and username are required")
		return false
	}
	port, err := parsePort(msg.Port)
	if err != nil {
		c.fail(err.Error())
		return false
	}
	auth, err := buildAuth(msg)
	if err != nil {
		c.fail(err.Error())
		return false
	}

	// Policy rejections below never touch the per-user attempt counter;
	// nothing has reached SSH yet.
	addr, err := c.deps.Guard.Resolve(ctx, host)
	if err != nil {
		c.fail(guardMessage(err))
		return false
	}
	if len(c.deps.AllowedHosts) > 0 && !contains(c.deps.AllowedHosts, addr.String()) {
		c.fail("target is not in the allowed host list")
		return false
	}

	c.setState(StateConnecting)
	log.Printf("[relay] %s user=%s connecting to %s:%d (requested %q)", c.ID, c.User.ID, addr, port, host)

	dialCtx, cancel := context.WithTimeout(ctx, c.deps.ReadyTimeout)
	// The dialer receives the resolved address only; dialing the hostname
	// would let the SSH client re-resolve around the guard.
	client, err := dialSSH(dialCtx, addr.String(), port, msg.Username, auth)
	cancel()
	if err != nil {
		c.deps.Protect.RecordFailure(c.User.ID)
		c.fail(err.Error())
		return false
	}

	// Teardown may have run while the dial was in flight; a client it never
	// saw must be closed here, not stored.
	if !c.adoptClient(client) {
		return false
	}

	c.mu.Lock()
	cols, rows := c.pendingCols, c.pendingRows
	c.mu.Unlock()
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}

	shell, err := openShell(client, cols, rows)
	if err != nil {
		c.deps.Protect.RecordFailure(c.User.ID)
		c.fail(err.Error())
		return false
	}
	if !c.adoptShell(shell) {
		return false
	}

	if err := c.writeText(ctx, readyMsg()); err != nil {
		c.Close(websocket.StatusNormalClosure, "")
		return false
	}

	go c.pumpOutput(ctx, shell.stdout)
	go c.pumpOutput(ctx, shell.stderr)
	return true
}

// adoptClient records the dialed SSH client, unless teardown already ran
// with both handles nil and spent closeOnce. In that case the fresh client
// would outlive the Conn, so it is closed on the spot.
func (c *Conn) adoptClient(client *ssh.Client) bool {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		client.Close()
		return false
	}
	c.sshClient = client
	c.mu.Unlock()
	return true
}

// adoptShell records the opened shell and moves to READY, closing the shell
// instead when teardown won the race.
func (c *Conn) adoptShell(shell *shellSession) bool {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		shell.Close()
		return false
	}
	c.shell = shell
	c.state = StateReady
	c.mu.Unlock()
	return true
}

// writeInput forwards one binary frame to the shell's stdin. A write error
// is logged but is not by itself a reason to close; shell death surfaces
// through the output pump.
func (c *Conn) writeInput(data []byte) {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		return
	}
	if _, err := shell.stdin.Write(data); err != nil {
		log.Printf("[relay] %s stdin write: %v", c.ID, err)
	}
}

// pumpOutput forwards shell output to the browser as binary frames, in
// order, until the stream ends; then it announces ssh-closed (best effort)
// and tears the Conn down.
func (c *Conn) pumpOutput(ctx context.Context, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := c.ws.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
		if err != nil {
			writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.ws.Write(writeCtx, websocket.MessageText, sshClosedMsg())
			cancel()
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// fail sends an error control frame and tears down.
func (c *Conn) fail(message string) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = c.ws.Write(writeCtx, websocket.MessageText, errorMsg(message))
	cancel()
	c.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) writeText(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Ping round-trips a keepalive. A completed ping proves the peer is alive;
// the supervisor terminates the Conn when it fails.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Shutdown closes the Conn on behalf of the supervisor, with close code
// 1001 (going away).
func (c *Conn) Shutdown() {
	c.Close(websocket.StatusGoingAway, "server shutting down")
}

// Close is the idempotent teardown: end the shell, end the SSH client,
// close the WebSocket, then release the per-IP slot. Safe to call from any
// goroutine, any number of times.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)

		c.mu.Lock()
		shell := c.shell
		client := c.sshClient
		cancel := c.cancel
		c.shell = nil
		c.sshClient = nil
		c.mu.Unlock()

		if shell != nil {
			shell.Close()
		}
		if client != nil {
			client.Close()
		}
		c.ws.Close(code, reason)
		if cancel != nil {
			cancel()
		}

		c.deps.Protect.DecrementIP(c.ClientIP)
		c.registry.Remove(c.ID)
		c.setState(StateClosed)
		close(c.done)
		log.Printf("[relay] %s closed (user=%s ip=%s lived=%s)", c.ID, c.User.ID, c.ClientIP, time.Since(c.StartedAt).Truncate(time.Millisecond))
	})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.TrimSpace(x) == v {
			return true
		}
	}
	return false
}

// guardMessage maps guard rejections to the client-facing reason.
func guardMessage(err error) string {
	switch {
	case errors.Is(err, guard.ErrPrivateLiteral):
		return "target address is private or local"
	case errors.Is(err, guard.ErrBlockedName):
		return "target hostname is blocked"
	case errors.Is(err, guard.ErrEmbeddedPrivate):
		return "target hostname embeds a private address"
	case errors.Is(err, guard.ErrResolutionFailed):
		return "target hostname could not be resolved"
	case errors.Is(err, guard.ErrResolvedPrivate):
		return "target resolved to a private address"
	default:
		return "target validation failed"
	}
}
