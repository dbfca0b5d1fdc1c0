package server

import (
	"net/http"

	"github.com/makerhub/printfarm/printer"
	"github.com/makerhub/printfarm/storage"
)

func (s *Server) registerPortHandlers() {
	s.mux.HandleFunc("GET /getports", s.handleGetPorts)
	s.mux.HandleFunc("GET /getprinters", s.handleGetPrinters)
	s.mux.HandleFunc("POST /register", s.handleRegisterPrinter)
	s.mux.HandleFunc("POST /deleteprinter", s.handleDeletePrinter)
	s.mux.HandleFunc("POST /editname", s.handleEditName)
	s.mux.HandleFunc("GET /diagnose", s.handleDiagnose)
	s.mux.HandleFunc("POST /movehead", s.handleMoveHead)
	s.mux.HandleFunc("POST /moveprinterlist", s.handleMovePrinterList)
}

func (s *Server) handleGetPorts(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.resolver.Candidates()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"ports": candidates})
}

func (s *Server) handleGetPrinters(w http.ResponseWriter, r *http.Request) {
	printers, err := s.store.Printers()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if printers == nil {
		printers = []storage.Printer{}
	}
	writeJSON(w, map[string]interface{}{"printers": printers})
}

func (s *Server) handleRegisterPrinter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device      string `json:"device"`
		Description string `json:"description"`
		Hwid        string `json:"hwid"`
		Name        string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Device == "" || body.Hwid == "" {
		writeJSONError(w, http.StatusBadRequest, "device and hwid are required")
		return
	}
	if _, ok, err := s.store.PrinterByHwid(body.Hwid); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	} else if ok {
		writeJSONError(w, http.StatusConflict, "printer already registered")
		return
	}

	id, err := s.store.CreatePrinter(body.Device, body.Description, body.Hwid, body.Name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.registry.Add(printer.Descriptor{
		ID:          id,
		Device:      body.Device,
		Description: body.Description,
		Hwid:        body.Hwid,
		Name:        body.Name,
	})
	writeJSON(w, map[string]interface{}{"id": id})
}

func (s *Server) handleDeletePrinter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.Delete(body.ID)
	if err := s.store.DeletePrinter(body.ID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Keep the history rows but detach them from the removed printer.
	if err := s.store.NullifyPrinter(body.ID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"deleted": body.ID})
}

func (s *Server) handleEditName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdatePrinterName(body.ID, body.Name); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.registry.EditName(body.ID, body.Name)
	writeJSON(w, map[string]interface{}{"id": body.ID, "name": body.Name})
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		writeJSONError(w, http.StatusBadRequest, "device is required")
		return
	}
	report, err := s.resolver.Diagnose(device)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"report": report})
}

func (s *Server) handleMoveHead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Device string `json:"device"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.resolver.MoveHead(body.Device); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleMovePrinterList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order []int `json:"order"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.registry.Reorder(body.Order)
	writeJSON(w, map[string]interface{}{"order": body.Order})
}
