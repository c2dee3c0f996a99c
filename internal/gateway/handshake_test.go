package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jgarzik/brainpro/internal/auth"
	"github.com/jgarzik/brainpro/pkg/models"
)

func mintOperatorJWT(t *testing.T) string {
	t.Helper()
	svc := auth.NewService(auth.Config{JWTSecret: testToken})
	token, err := svc.GenerateJWT(&models.User{ID: "op-1"})
	if err != nil {
		t.Fatalf("mint jwt: %v", err)
	}
	return token
}

const testToken = "0123456789abcdef0123456789abcdef"

// startFakeDaemon listens on a Unix socket and accepts connections without
// speaking; the handshake only needs the dial to succeed.
func startFakeDaemon(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						_ = c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	return socketPath
}

func startGateway(t *testing.T, socketPath string) *httptest.Server {
	t.Helper()
	srv := New(Config{
		DaemonSocketPath: socketPath,
		GatewayToken:     testToken,
		DialTimeout:      time.Second,
		Logger:           slog.Default(),
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/health", srv.handleHealth)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func signNonce(nonce string) string {
	mac := hmac.New(sha256.New, []byte(testToken))
	mac.Write([]byte(nonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHandshakeSucceedsWithHMACSignature(t *testing.T) {
	ts := startGateway(t, startFakeDaemon(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(handshakeFrame{Type: "hello", Role: "operator", DeviceID: "dev-1", Protocol: 1}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var challenge handshakeFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	if challenge.Type != "challenge" || challenge.Nonce == "" {
		t.Fatalf("challenge = %+v", challenge)
	}

	if err := conn.WriteJSON(handshakeFrame{Type: "auth", Signature: signNonce(challenge.Nonce)}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var welcome handshakeFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != "welcome" || welcome.SessionID == "" {
		t.Fatalf("welcome = %+v", welcome)
	}
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	ts := startGateway(t, startFakeDaemon(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(handshakeFrame{Type: "hello", Role: "node", DeviceID: "dev-2"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var challenge handshakeFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}

	if err := conn.WriteJSON(handshakeFrame{Type: "auth", Signature: "bogus"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var reply handshakeFrame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "error" || reply.Code != "AuthFailed" {
		t.Fatalf("reply = %+v, want AuthFailed error", reply)
	}
}

func TestHandshakeRejectsInvalidRole(t *testing.T) {
	ts := startGateway(t, startFakeDaemon(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(handshakeFrame{Type: "hello", Role: "spectator", DeviceID: "dev-3"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var reply handshakeFrame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "error" || reply.Code != "AuthFailed" {
		t.Fatalf("reply = %+v, want AuthFailed error", reply)
	}
}

func TestHandshakeAcceptsBearerJWT(t *testing.T) {
	ts := startGateway(t, startFakeDaemon(t))
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(handshakeFrame{Type: "hello", Role: "operator", DeviceID: "dev-4"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var challenge handshakeFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}

	token := mintOperatorJWT(t)
	if err := conn.WriteJSON(handshakeFrame{Type: "auth", Token: token}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var welcome handshakeFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != "welcome" {
		t.Fatalf("welcome = %+v", welcome)
	}
}
