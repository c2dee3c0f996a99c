package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jgarzik/brainpro/internal/retry"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsReadWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handshakeFrame covers all four steps of the §4.10 exchange. Only the
// fields relevant to the current step are populated.
type handshakeFrame struct {
	Type string `json:"type"`

	// hello (client -> server)
	Role         string   `json:"role,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Protocol     int      `json:"protocol,omitempty"`

	// challenge (server -> client)
	Nonce string `json:"nonce,omitempty"`

	// auth (client -> server): either a signature over the nonce with the
	// shared token, or a bearer JWT minted with the same secret.
	Signature string `json:"signature,omitempty"`
	Token     string `json:"token,omitempty"`

	// welcome (server -> client)
	SessionID string         `json:"session_id,omitempty"`
	Policy    map[string]any `json:"policy,omitempty"`

	// error (server -> client)
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// clientSession is one authenticated gateway<->daemon multiplexed
// connection.
type clientSession struct {
	id       string
	deviceID string
	role     string

	ws     *websocket.Conn
	daemon net.Conn
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiter.Allow(host) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsMaxPayloadBytes)

	cs, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("gateway handshake failed", "error", err, "remote", r.RemoteAddr)
		_ = conn.Close()
		return
	}

	s.trackSession(cs)
	defer s.untrackSession(cs)
	defer cs.daemon.Close()
	defer conn.Close()

	s.multiplex(cs)
}

// handshake drives the four-step exchange: hello, challenge, auth, welcome.
// On success it dials the daemon socket and returns a ready clientSession.
func (s *Server) handshake(conn *websocket.Conn) (*clientSession, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))

	var hello handshakeFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != "hello" {
		s.sendHandshakeError(conn, "AuthFailed", "first frame must be hello")
		return nil, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if hello.Role != "operator" && hello.Role != "node" {
		s.sendHandshakeError(conn, "AuthFailed", "role must be operator or node")
		return nil, fmt.Errorf("invalid role %q", hello.Role)
	}
	if hello.DeviceID == "" {
		s.sendHandshakeError(conn, "AuthFailed", "device_id is required")
		return nil, fmt.Errorf("missing device_id")
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(handshakeFrame{Type: "challenge", Nonce: nonce}); err != nil {
		return nil, fmt.Errorf("write challenge: %w", err)
	}

	var auth handshakeFrame
	if err := conn.ReadJSON(&auth); err != nil {
		return nil, fmt.Errorf("read auth: %w", err)
	}
	if auth.Type != "auth" {
		s.sendHandshakeError(conn, "AuthFailed", "expected auth frame")
		return nil, fmt.Errorf("expected auth, got %q", auth.Type)
	}
	if !s.verifyAuth(nonce, auth) {
		s.sendHandshakeError(conn, "AuthFailed", "signature verification failed")
		return nil, fmt.Errorf("bad credentials from device %q", hello.DeviceID)
	}

	daemonConn, err := dialDaemon(s.cfg.DaemonSocketPath, s.cfg.DialTimeout)
	if err != nil {
		s.sendHandshakeError(conn, "Internal", "daemon unreachable")
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	cs := &clientSession{
		id:       uuid.NewString(),
		deviceID: hello.DeviceID,
		role:     hello.Role,
		ws:       conn,
		daemon:   daemonConn,
	}

	welcome := handshakeFrame{
		Type:      "welcome",
		SessionID: cs.id,
		Policy: map[string]any{
			"max_payload_bytes": wsMaxPayloadBytes,
		},
	}
	if err := conn.WriteJSON(welcome); err != nil {
		_ = daemonConn.Close()
		return nil, fmt.Errorf("write welcome: %w", err)
	}

	return cs, nil
}

func (s *Server) sendHandshakeError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(handshakeFrame{Type: "error", Code: code, Message: message})
}

// verifyAuth accepts either proof of the shared token: an HMAC signature
// over the challenge nonce, or a bearer JWT signed with the same secret
// (issued out of band for operator devices). An empty configured token
// disables verification.
func (s *Server) verifyAuth(nonce string, frame handshakeFrame) bool {
	if s.cfg.GatewayToken == "" {
		return true
	}
	if frame.Token != "" {
		if s.auth == nil {
			return false
		}
		_, err := s.auth.ValidateJWT(frame.Token)
		return err == nil
	}
	return s.verifySignature(nonce, frame.Signature)
}

// verifySignature checks signature against HMAC-SHA256(token, nonce),
// base64-encoded.
func (s *Server) verifySignature(nonce, signature string) bool {
	mac := hmac.New(sha256.New, []byte(s.cfg.GatewayToken))
	mac.Write([]byte(nonce))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// dialDaemon connects to the daemon socket, retrying briefly: a daemon
// mid-restart should cost a client a few hundred milliseconds, not a
// failed handshake.
func dialDaemon(socketPath string, timeout time.Duration) (net.Conn, error) {
	conn, result := retry.DoWithValue(context.Background(), retry.Exponential(3, 100*time.Millisecond, time.Second), func() (net.Conn, error) {
		return net.DialTimeout("unix", socketPath, timeout)
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return conn, nil
}
