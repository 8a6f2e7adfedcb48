package server

import (
	"net/http"

	"github.com/solixplan/solixplan/pkg/ess"
)

func (s *Server) handleListESS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ess.ListProviders(s.showHidden))
}

// handleListModels lists the device models with their capabilities.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ess.Profiles().List())
}
