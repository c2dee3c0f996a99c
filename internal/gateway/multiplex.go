package gateway

import (
	"bufio"
	"sync"

	"github.com/gorilla/websocket"
)

// multiplex relays NDJSON frames between cs.ws and cs.daemon until either
// side closes. Requests flow client -> daemon; responses and events flow
// daemon -> client. The gateway does not interpret frame bodies once past
// the handshake, it only copies lines between the two transports.
func (s *Server) multiplex(cs *clientSession) {
	var wg sync.WaitGroup
	wg.Add(2)

	stop := make(chan struct{})
	closeStop := sync.OnceFunc(func() { close(stop) })

	go func() {
		defer wg.Done()
		defer closeStop()
		s.pumpWSToDaemon(cs)
	}()

	go func() {
		defer wg.Done()
		defer closeStop()
		s.pumpDaemonToWS(cs, stop)
	}()

	wg.Wait()
}

// pumpWSToDaemon reads client frames off the WebSocket and writes each one,
// verbatim, as an NDJSON line to the daemon connection.
func (s *Server) pumpWSToDaemon(cs *clientSession) {
	for {
		msgType, data, err := cs.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		if data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		if _, err := cs.daemon.Write(data); err != nil {
			return
		}
	}
}

// pumpDaemonToWS reads NDJSON lines from the daemon and forwards each as a
// WebSocket text frame to the client.
func (s *Server) pumpDaemonToWS(cs *clientSession, stop <-chan struct{}) {
	scanner := bufio.NewScanner(cs.daemon)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-stop:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := cs.ws.WriteMessage(websocket.TextMessage, append([]byte(nil), line...)); err != nil {
			return
		}
	}
}
