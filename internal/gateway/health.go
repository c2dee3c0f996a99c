package gateway

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type healthResponse struct {
	Status          string                   `json:"status"`
	UptimeSecs      uint64                   `json:"uptime_secs"`
	ActiveSessions  int                      `json:"active_sessions"`
	PendingRequests int                      `json:"pending_requests"`
	Backends        map[string]backendHealth `json:"backends"`
}

type backendHealth struct {
	State   string `json:"state"`
	Circuit string `json:"circuit"`

	// pending is the daemon-reported in-flight request count, surfaced at
	// the top level of the health document rather than per backend.
	pending int
}

// handleHealth answers GET /health without authentication. It reports the
// gateway's own uptime plus the daemon's reachability as a single backend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		UptimeSecs:     uint64(time.Since(s.startTime).Seconds()),
		ActiveSessions: s.activeSessionCount(),
		Backends:       map[string]backendHealth{},
	}

	daemon := s.daemonHealth()
	resp.Backends["daemon"] = daemon
	resp.PendingRequests = daemon.pending
	if daemon.State != "up" {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// daemonHealth answers from a short-lived cache, coalescing concurrent
// misses into one probe, so frequent liveness polling does not multiply
// into daemon socket dials.
func (s *Server) daemonHealth() backendHealth {
	if cached, ok := s.healthCache.Get("daemon"); ok {
		return cached
	}
	result, _, _ := s.healthFlight.Do("daemon", func() (backendHealth, error) {
		h := s.probeDaemon()
		s.healthCache.Set("daemon", h)
		return h, nil
	})
	return result
}

// probeDaemon issues a short-lived health.status request over a fresh
// connection to the daemon socket.
func (s *Server) probeDaemon() backendHealth {
	down := backendHealth{State: "down", Circuit: "open"}

	conn, err := net.DialTimeout("unix", s.cfg.DaemonSocketPath, s.cfg.DialTimeout)
	if err != nil {
		return down
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))

	req := map[string]any{"type": "req", "id": uuid.NewString(), "method": "health.status"}
	data, err := json.Marshal(req)
	if err != nil {
		return down
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return down
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return down
	}
	var resp struct {
		OK      bool `json:"ok"`
		Payload struct {
			PendingRequests int `json:"pending_requests"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(line, &resp); err != nil || !resp.OK {
		return down
	}
	return backendHealth{State: "up", Circuit: "closed", pending: resp.Payload.PendingRequests}
}
