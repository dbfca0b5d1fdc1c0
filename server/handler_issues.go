package server

import (
	"net/http"

	"github.com/makerhub/printfarm/storage"
)

func (s *Server) registerIssueHandlers() {
	s.mux.HandleFunc("GET /getissues", s.handleGetIssues)
	s.mux.HandleFunc("POST /createissue", s.handleCreateIssue)
	s.mux.HandleFunc("POST /deleteissue", s.handleDeleteIssue)
	s.mux.HandleFunc("POST /editissue", s.handleEditIssue)
}

func (s *Server) handleGetIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.Issues()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if issues == nil {
		issues = []storage.Issue{}
	}
	writeJSON(w, map[string]interface{}{"issues": issues})
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Issue string `json:"issue"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Issue == "" {
		writeJSONError(w, http.StatusBadRequest, "issue text is required")
		return
	}
	id, err := s.store.CreateIssue(body.Issue)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": id})
}

func (s *Server) handleDeleteIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteIssue(body.ID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"deleted": body.ID})
}

func (s *Server) handleEditIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    int    `json:"id"`
		Issue string `json:"issue"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.EditIssue(body.ID, body.Issue); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": body.ID})
}
