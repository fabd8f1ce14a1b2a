package api

import (
	"net/http"
)

// HandleHealth reports overall service health: database reachability and
// broker connectivity. Degraded dependencies return 503 so load balancers
// stop routing traffic here.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			checks["database"] = "unreachable"
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if s.broker != nil {
		if s.broker.HealthCheck() {
			checks["broker"] = "ok"
		} else {
			checks["broker"] = "disconnected"
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}
