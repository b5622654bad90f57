// Package peer implements the TCP peer transport: listener/dialer,
// secure handshake, heartbeat, command dispatch, and reconnect.
package peer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"dxsync/secure"
)

// State is the connection lifecycle state (§4.6).
type State int

const (
	Disconnected State = iota
	Handshaking
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Handshaking:
		return "HANDSHAKING"
	case Authenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// HandlerFunc processes a decoded command payload.
type HandlerFunc func(payload map[string]interface{})

// Config configures one Peer transport instance.
type Config struct {
	Mode                 string // config.RoleServer or config.RoleClient
	ServerAddress        string
	ClientAddress        string
	Port                 int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	ConnectTimeout       time.Duration
	SendTimeout          time.Duration
	ConnectRetries       int
	PSK                  string
}

// Peer is a TCP peer-transport instance: either a server (listens,
// accepts at most one peer) or a client (dials with backoff).
type Peer struct {
	cfg Config

	mu      sync.Mutex
	state   State
	conn    net.Conn
	channel *secure.Channel

	handlers map[string]HandlerFunc

	lastRecv time.Time

	stop     chan struct{}
	stopOnce sync.Once

	sendMu sync.Mutex
}

// New constructs a Peer in the given configuration's mode.
func New(cfg Config) *Peer {
	return &Peer{
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		stop:     make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a command name. Unknown
// commands received on the wire are logged and ignored.
func (p *Peer) RegisterHandler(command string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[command] = fn
}

// State returns the current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins listening (server mode) or dialing (client mode). It
// returns once the acceptor/dialer goroutine has been launched; the
// handshake itself proceeds asynchronously.
func (p *Peer) Start() error {
	switch p.cfg.Mode {
	case "server":
		go p.serverLoop()
	default:
		go p.clientLoop()
	}
	return nil
}

func (p *Peer) serverLoop() {
	addr := fmt.Sprintf("0.0.0.0:%d", p.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("peer: failed to bind %s: %v", addr, err)
		return
	}
	defer ln.Close()

	log.Printf("peer: listening on %s", addr)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		type acceptResult struct {
			conn net.Conn
			err  error
		}
		accepted := make(chan acceptResult, 1)
		go func() {
			c, err := ln.Accept()
			accepted <- acceptResult{c, err}
		}()

		select {
		case <-p.stop:
			return
		case res := <-accepted:
			if res.err != nil {
				log.Printf("peer: accept error: %v", res.err)
				continue
			}
			if p.hasConn() {
				res.conn.Close()
				continue
			}
			p.onAccepted(res.conn)
		}
	}
}

func (p *Peer) hasConn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Peer) onAccepted(conn net.Conn) {
	configureSocket(conn)
	p.setConn(conn)
	p.setState(Handshaking)

	channel, err := secure.New()
	if err != nil {
		log.Printf("peer: secure.New failed: %v", err)
		p.teardown()
		return
	}

	if err := p.serverHandshake(conn, channel); err != nil {
		log.Printf("peer: server handshake failed: %v", err)
		p.teardown()
		return
	}

	p.mu.Lock()
	p.channel = channel
	p.state = Authenticated
	p.lastRecv = time.Now()
	p.mu.Unlock()

	go p.receiveLoop(conn)
	go p.heartbeatLoop()
}

// reconnectBackoff doubles the delay between dial attempts, up to max,
// so a client reconnecting to a down or unreachable site backs off
// instead of hammering the listener.
type reconnectBackoff struct {
	cur time.Duration
	max time.Duration
}

func newReconnectBackoff(base, max time.Duration) *reconnectBackoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &reconnectBackoff{cur: base, max: max}
}

// Next returns the delay to wait before the next dial attempt and
// doubles the internal delay for the attempt after that.
func (b *reconnectBackoff) Next() time.Duration {
	if b.cur >= b.max {
		return b.max
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (p *Peer) clientLoop() {
	b := newReconnectBackoff(time.Second, time.Duration(p.cfg.ConnectRetries)*time.Second)
	attempt := 0
	retries := p.cfg.ConnectRetries
	if retries <= 0 {
		retries = 3
	}

	for attempt < retries {
		select {
		case <-p.stop:
			return
		default:
		}

		if attempt > 0 {
			select {
			case <-time.After(b.Next()):
			case <-p.stop:
				return
			}
		}

		addr := fmt.Sprintf("%s:%d", p.cfg.ClientAddress, p.cfg.Port)
		conn, err := net.DialTimeout("tcp", addr, p.cfg.ConnectTimeout)
		attempt++
		if err != nil {
			log.Printf("peer: connect attempt %d/%d to %s failed: %v", attempt, retries, addr, err)
			continue
		}

		configureSocket(conn)
		p.setConn(conn)
		p.setState(Handshaking)

		channel, err := secure.New()
		if err != nil {
			log.Printf("peer: secure.New failed: %v", err)
			conn.Close()
			p.teardown()
			continue
		}

		if err := p.clientHandshake(conn, channel); err != nil {
			log.Printf("peer: client handshake failed: %v", err)
			conn.Close()
			p.teardown()
			continue
		}

		p.mu.Lock()
		p.channel = channel
		p.state = Authenticated
		p.lastRecv = time.Now()
		p.mu.Unlock()

		go p.receiveLoop(conn)
		go p.heartbeatLoop()
		return
	}

	log.Printf("peer: failed to connect after %d attempts", retries)
}

func configureSocket(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcp.SetKeepAlive(true)
	tcp.SetNoDelay(true)
}

func (p *Peer) setConn(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Peer) teardown() {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.channel = nil
	p.state = Disconnected
	p.mu.Unlock()
}

// --- handshake ---

func sendRaw(conn net.Conn, timeout time.Duration, msg handshakeMsg) error {
	conn.SetWriteDeadline(time.Now().Add(timeout))
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func receiveRaw(r *bufio.Reader, conn net.Conn, timeout time.Duration) (handshakeMsg, error) {
	var msg handshakeMsg
	conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := r.ReadString('\n')
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal([]byte(line), &msg)
	return msg, err
}

func (p *Peer) serverHandshake(conn net.Conn, channel *secure.Channel) error {
	timeout := p.cfg.HandshakeTimeout
	r := bufio.NewReader(conn)

	msg, err := receiveRaw(r, conn, timeout)
	if err != nil || msg.Type != TypePublicKey {
		return fmt.Errorf("peer: expected PUBLIC_KEY: %w", err)
	}
	if err := channel.SetPeerPublicKey(msg.PublicKey); err != nil {
		return err
	}

	pub, err := channel.PublicKeyPEM()
	if err != nil {
		return err
	}
	if err := sendRaw(conn, timeout, handshakeMsg{Type: TypePublicKey, PublicKey: pub}); err != nil {
		return err
	}

	encryptedKey, err := channel.GenerateSessionKey()
	if err != nil {
		return err
	}
	if err := sendRaw(conn, timeout, handshakeMsg{Type: TypeSessionKey, EncryptedKey: encryptedKey}); err != nil {
		return err
	}

	msg, err = receiveRaw(r, conn, timeout)
	if err != nil || msg.Type != TypeSessionKeyAck {
		return fmt.Errorf("peer: expected SESSION_KEY_ACK: %w", err)
	}

	challenge, err := channel.CreateAuthChallenge(p.cfg.PSK)
	if err != nil {
		return err
	}
	if err := sendRaw(conn, timeout, handshakeMsg{Type: TypeAuthChallenge, Challenge: challenge}); err != nil {
		return err
	}

	msg, err = receiveRaw(r, conn, timeout)
	if err != nil || msg.Type != TypeAuthResponse {
		return fmt.Errorf("peer: expected AUTH_RESPONSE: %w", err)
	}
	if err := channel.VerifyAuthResponse(p.cfg.PSK, msg.Response); err != nil {
		return err
	}

	p.attachReader(conn, r)
	return nil
}

func (p *Peer) clientHandshake(conn net.Conn, channel *secure.Channel) error {
	timeout := p.cfg.HandshakeTimeout
	r := bufio.NewReader(conn)

	pub, err := channel.PublicKeyPEM()
	if err != nil {
		return err
	}
	if err := sendRaw(conn, timeout, handshakeMsg{Type: TypePublicKey, PublicKey: pub}); err != nil {
		return err
	}

	msg, err := receiveRaw(r, conn, timeout)
	if err != nil || msg.Type != TypePublicKey {
		return fmt.Errorf("peer: expected PUBLIC_KEY: %w", err)
	}
	if err := channel.SetPeerPublicKey(msg.PublicKey); err != nil {
		return err
	}

	msg, err = receiveRaw(r, conn, timeout)
	if err != nil || msg.Type != TypeSessionKey {
		return fmt.Errorf("peer: expected SESSION_KEY: %w", err)
	}
	if err := channel.ReceiveSessionKey(msg.EncryptedKey); err != nil {
		return err
	}

	if err := sendRaw(conn, timeout, handshakeMsg{Type: TypeSessionKeyAck}); err != nil {
		return err
	}

	msg, err = receiveRaw(r, conn, timeout)
	if err != nil || msg.Type != TypeAuthChallenge {
		return fmt.Errorf("peer: expected AUTH_CHALLENGE: %w", err)
	}

	response, err := secure.CreateAuthResponse(p.cfg.PSK, msg.Challenge)
	if err != nil {
		return err
	}
	if err := sendRaw(conn, timeout, handshakeMsg{Type: TypeAuthResponse, Response: response}); err != nil {
		return err
	}
	channel.MarkAuthenticated()

	p.attachReader(conn, r)
	return nil
}

// bufioReaders lets the receive loop reuse the same *bufio.Reader the
// handshake used, so bytes read-ahead during handshake aren't dropped.
var bufioReaders sync.Map // net.Conn -> *bufio.Reader

func (p *Peer) attachReader(conn net.Conn, r *bufio.Reader) {
	bufioReaders.Store(conn, r)
}

// --- post-handshake traffic ---

func (p *Peer) receiveLoop(conn net.Conn) {
	var r *bufio.Reader
	if stored, ok := bufioReaders.Load(conn); ok {
		r = stored.(*bufio.Reader)
		bufioReaders.Delete(conn)
	} else {
		r = bufio.NewReader(conn)
	}

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := r.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("peer: receiver: connection lost: %v", err)
			p.markDead()
			return
		}

		p.mu.Lock()
		channel := p.channel
		p.lastRecv = time.Now()
		p.mu.Unlock()
		if channel == nil {
			continue
		}

		plaintext, err := channel.Decrypt(trimNewline(line))
		if err != nil {
			log.Printf("peer: receiver: decrypt failed, dropping message and marking channel unhealthy: %v", err)
			p.markDead()
			return
		}

		var msg Message
		if err := json.Unmarshal(plaintext, &msg); err != nil {
			log.Printf("peer: receiver: malformed message: %v", err)
			continue
		}

		p.dispatch(msg)
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

func (p *Peer) dispatch(msg Message) {
	if msg.Command == CmdHeartbeat {
		return
	}

	p.mu.Lock()
	handler, ok := p.handlers[msg.Command]
	p.mu.Unlock()

	if !ok {
		log.Printf("peer: unknown command %q, ignoring", msg.Command)
		return
	}
	handler(msg.Payload)
}

func (p *Peer) heartbeatLoop() {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadTimeout := interval * 3

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Send(CmdHeartbeat, nil)

			p.mu.Lock()
			silentFor := time.Since(p.lastRecv)
			p.mu.Unlock()
			if silentFor > deadTimeout {
				log.Printf("peer: heartbeat timeout (%s silent), marking channel dead", silentFor)
				p.markDead()
				return
			}
		}
	}
}

func (p *Peer) markDead() {
	p.teardown()
}

// Send encrypts and sends a command with the given payload. Returns
// false (and marks the channel dead) on any send failure.
func (p *Peer) Send(command string, payload map[string]interface{}) bool {
	p.mu.Lock()
	conn := p.conn
	channel := p.channel
	p.mu.Unlock()

	if conn == nil || channel == nil {
		return false
	}

	envelope, err := channel.Encrypt(mustMarshal(Message{Command: command, Payload: payload}))
	if err != nil {
		log.Printf("peer: encrypt failed for %s: %v", command, err)
		return false
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	timeout := p.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(envelope + "\n")); err != nil {
		log.Printf("peer: send failed for %s: %v", command, err)
		p.markDead()
		return false
	}
	return true
}

func mustMarshal(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"command":"` + msg.Command + `"}`)
	}
	return data
}

// Close sets the stop flag and tears down the connection; goroutines
// observe the flag within their poll window and exit.
func (p *Peer) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.teardown()
}

// IsAuthenticated reports whether the channel is currently healthy.
func (p *Peer) IsAuthenticated() bool {
	return p.State() == Authenticated
}
