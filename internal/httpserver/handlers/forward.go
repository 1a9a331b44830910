package handlers

import (
	"net/http"

	"github.com/fleetcell/cell/internal/httpserver/deps"
)

// Forward hands every non-monitoring request to the cell, which picks
// the least-loaded healthy instance and proxies the request through.
func Forward(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Cell.HandleRequest(w, r)
	}
}
