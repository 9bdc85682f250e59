package server

import (
	"net/http"
	"time"

	"github.com/jobmon-org/jobmon/internal/core"
)

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	// Touch the database so load balancers see a dead store as unhealthy.
	if err := srv.store.DB().PingContext(r.Context()); err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, core.HealthResponse{Status: "OK"})
}

// serverTime anchors client-side sync cursors to the server clock.
func (srv *Server) serverTime(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, r, http.StatusOK, core.TimeResponse{Time: time.Now().UTC()})
}
