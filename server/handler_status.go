package server

import (
	"fmt"
	"net/http"
)

func (s *Server) registerStatusHandlers() {
	s.mux.HandleFunc("GET /getprinterinfo", s.handleGetPrinterInfo)
	s.mux.HandleFunc("POST /hardreset", s.handleHardReset)
	s.mux.HandleFunc("POST /hardresetqueue", s.handleHardResetQueue)
	s.mux.HandleFunc("POST /removethread", s.handleRemoveThread)
	s.mux.HandleFunc("POST /editnameinthread", s.handleEditNameInThread)
}

func (s *Server) handleGetPrinterInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"printers": s.registry.Snapshot()})
}

func (s *Server) handleHardReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.registry.Reset(body.ID) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("printer %d not registered", body.ID))
		return
	}
	writeJSON(w, map[string]interface{}{"reset": body.ID})
}

func (s *Server) handleHardResetQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.registry.ResetAndRestore(body.ID) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("printer %d not registered", body.ID))
		return
	}
	writeJSON(w, map[string]interface{}{"reset": body.ID})
}

// handleRemoveThread drops the in-memory worker without touching the
// stored printer row.
func (s *Server) handleRemoveThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.registry.Delete(body.ID) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("printer %d not registered", body.ID))
		return
	}
	writeJSON(w, map[string]interface{}{"removed": body.ID})
}

func (s *Server) handleEditNameInThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.registry.EditName(body.ID, body.Name) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("printer %d not registered", body.ID))
		return
	}
	writeJSON(w, map[string]interface{}{"id": body.ID, "name": body.Name})
}
