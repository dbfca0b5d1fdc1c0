package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/files"
	"github.com/makerhub/printfarm/jobs"
	"github.com/makerhub/printfarm/printer"
	"github.com/makerhub/printfarm/storage"
)

// maxUploadBytes bounds a single G-code upload.
const maxUploadBytes = 256 << 20

func (s *Server) registerJobHandlers() {
	s.mux.HandleFunc("GET /getjobs", s.handleGetJobs)
	s.mux.HandleFunc("POST /addjobtoqueue", s.handleAddJobToQueue)
	s.mux.HandleFunc("POST /autoqueue", s.handleAutoQueue)
	s.mux.HandleFunc("POST /rerunjob", s.handleRerunJob)
	s.mux.HandleFunc("POST /cancelfromqueue", s.handleCancelFromQueue)
	s.mux.HandleFunc("POST /releasejob", s.handleReleaseJob)
	s.mux.HandleFunc("POST /bumpjob", s.handleBumpJob)
	s.mux.HandleFunc("POST /movejob", s.handleMoveJob)
	s.mux.HandleFunc("POST /updatejobstatus", s.handleUpdateJobStatus)
	s.mux.HandleFunc("POST /assigntoerror", s.handleAssignToError)
	s.mux.HandleFunc("POST /deletejob", s.handleDeleteJob)
	s.mux.HandleFunc("POST /setstatus", s.handleSetStatus)
	s.mux.HandleFunc("GET /getfile", s.handleGetFile)
	s.mux.HandleFunc("POST /nullifyjobs", s.handleNullifyJobs)
	s.mux.HandleFunc("POST /clearspace", s.handleClearSpace)
	s.mux.HandleFunc("GET /getfavoritejobs", s.handleGetFavoriteJobs)
	s.mux.HandleFunc("POST /favoritejob", s.handleFavoriteJob)
	s.mux.HandleFunc("POST /assignissue", s.handleAssignIssue)
	s.mux.HandleFunc("POST /removeissue", s.handleRemoveIssue)
	s.mux.HandleFunc("POST /startprint", s.handleStartPrint)
	s.mux.HandleFunc("POST /savecomment", s.handleSaveComment)
	s.mux.HandleFunc("GET /downloadcsv", s.handleDownloadCSV)
	s.mux.HandleFunc("POST /removecsv", s.handleRemoveCSV)
	s.mux.HandleFunc("POST /repairports", s.handleRepairPorts)
	s.mux.HandleFunc("GET /refetchtimedata", s.handleRefetchTimeData)
}

func (s *Server) sink() events.Sink {
	if s.hub == nil {
		return events.Discard
	}
	return s.hub
}

func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	filter := storage.HistoryFilter{
		Page:           queryInt(r, "page", 1),
		PageSize:       queryInt(r, "pageSize", 15),
		PrinterIDs:     queryIntList(r, "printerIds"),
		OldestFirst:    queryBool(r, "oldestFirst"),
		SearchJob:      r.URL.Query().Get("searchJob"),
		SearchCriteria: r.URL.Query().Get("searchCriteria"),
		SearchTicketID: r.URL.Query().Get("searchTicketId"),
		FavoriteOnly:   queryBool(r, "favoriteOnly"),
		IssueIDs:       queryIntList(r, "issueIds"),
		StartDate:      r.URL.Query().Get("startDate"),
		EndDate:        r.URL.Query().Get("endDate"),
		FromError:      queryBool(r, "fromError"),
		CountOnly:      queryBool(r, "countOnly"),
	}

	rows, count, err := s.store.History(filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if filter.CountOnly {
		writeJSON(w, map[string]interface{}{"count": count})
		return
	}
	if rows == nil {
		rows = []storage.HistoryRow{}
	}
	writeJSON(w, map[string]interface{}{"jobs": rows, "count": count})
}

// uploadForm is the parsed multipart body of an enqueue request.
type uploadForm struct {
	name     string
	data     []byte
	fileName string
	favorite bool
	tdID     int
	filament string
	priority bool
}

func parseUpload(r *http.Request) (uploadForm, error) {
	var form uploadForm
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return form, fmt.Errorf("parsing multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return form, fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()

	form.data, err = io.ReadAll(file)
	if err != nil {
		return form, fmt.Errorf("reading upload: %w", err)
	}
	form.fileName = header.Filename
	form.name = r.FormValue("name")
	if form.name == "" {
		form.name = header.Filename
	}
	form.favorite = r.FormValue("favorite") == "true" || r.FormValue("favorite") == "1"
	form.tdID, _ = strconv.Atoi(r.FormValue("td_id"))
	form.filament = r.FormValue("filament")
	form.priority = r.FormValue("priority") == "true" || r.FormValue("priority") == "1"
	return form, nil
}

func (s *Server) handleAddJobToQueue(w http.ResponseWriter, r *http.Request) {
	form, err := parseUpload(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	printerID, err := strconv.Atoi(r.FormValue("printerid"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "printerid is required")
		return
	}
	s.enqueueUpload(w, printerID, form)
}

func (s *Server) handleAutoQueue(w http.ResponseWriter, r *http.Request) {
	form, err := parseUpload(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	printerID, ok := s.registry.SmallestQueue()
	if !ok {
		writeJSONError(w, http.StatusConflict, "no printers registered")
		return
	}
	s.enqueueUpload(w, printerID, form)
}

func (s *Server) enqueueUpload(w http.ResponseWriter, printerID int, form uploadForm) {
	worker := s.findWorker(w, printerID)
	if worker == nil {
		return
	}

	id, err := s.store.InsertJob(form.name, printerID, jobs.StatusInQueue, form.data, form.fileName, form.favorite, form.tdID, form.filament)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	compressed, err := storage.EnsureCompressed(form.data)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job := jobs.New(s.sink(), id, form.name, compressed, form.fileName, printerID, worker.Printer.Name())
	job.Favorite = form.favorite
	job.TdID = form.tdID
	job.Filament = form.filament

	if err := s.addToQueue(worker, job, form.priority); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": id})
}

func (s *Server) addToQueue(worker *printer.Worker, job *jobs.Job, front bool) error {
	var err error
	if front {
		err = worker.Printer.Queue().AddToFront(job)
	} else {
		err = worker.Printer.Queue().AddToBack(job)
	}
	if err != nil {
		return err
	}
	worker.Notify()
	return nil
}

// enqueueRecord duplicates a stored job into a queue under a fresh id.
// Used by rerun and by release key 2.
func (s *Server) enqueueRecord(rec storage.JobRecord, worker *printer.Worker, front bool) (int, error) {
	if len(rec.File) == 0 {
		return 0, fmt.Errorf("job %d has no stored file", rec.ID)
	}
	id, err := s.store.InsertJob(rec.Name, worker.Printer.ID, jobs.StatusInQueue, rec.File, rec.FileNameOriginal, rec.Favorite, rec.TdID, rec.Filament)
	if err != nil {
		return 0, err
	}

	job := jobs.New(s.sink(), id, rec.Name, rec.File, rec.FileNameOriginal, worker.Printer.ID, worker.Printer.Name())
	job.Favorite = rec.Favorite
	job.TdID = rec.TdID
	job.Filament = rec.Filament

	if err := s.addToQueue(worker, job, front); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Server) handleRerunJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        int  `json:"id"`
		PrinterID int  `json:"printerid"`
		Priority  bool `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.store.FindJob(body.ID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	printerID := body.PrinterID
	if printerID == 0 {
		printerID = rec.PrinterID
	}
	worker := s.findWorker(w, printerID)
	if worker == nil {
		return
	}

	id, err := s.enqueueRecord(rec, worker, body.Priority)
	if err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": id})
}

// printingLike reports whether the head job is on the machine, meaning a
// cancel must go through the streamer checkpoint.
func printingLike(status string) bool {
	switch status {
	case printer.StatusPrinting, printer.StatusPaused, printer.StatusColorChange:
		return true
	}
	return false
}

func (s *Server) handleCancelFromQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        int   `json:"id"`
		IDs       []int `json:"ids"`
		PrinterID int   `json:"printerid"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The printer id is optional; absent it, each job is located in
	// whichever queue holds it.
	var worker *printer.Worker
	if body.PrinterID != 0 {
		worker = s.findWorker(w, body.PrinterID)
		if worker == nil {
			return
		}
	}

	ids := body.IDs
	if len(ids) == 0 && body.ID != 0 {
		ids = []int{body.ID}
	}

	for _, id := range ids {
		target := worker
		if target == nil {
			target, _ = s.findQueuedJob(id)
		}
		if target != nil {
			q := target.Printer.Queue()
			head := q.Next()
			if head != nil && head.ID == id && printingLike(target.Printer.Status()) {
				// The streamer notices the status change at its next
				// checkpoint and runs the ending sequence.
				target.Printer.SetStatus(printer.StatusComplete)
			}
			if job, ok := q.Delete(id); ok {
				job.SetStatus(jobs.StatusCancelled)
			}
		}
		if err := s.store.UpdateJobStatus(id, jobs.StatusCancelled); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, map[string]interface{}{"cancelled": ids})
}

// Release keys: 1 clears the plate, 2 clears and reruns, 3 marks the
// print failed.
const (
	releaseClear      = 1
	releaseClearRerun = 2
	releaseFail       = 3
)

func (s *Server) handleReleaseJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        int `json:"id"`
		PrinterID int `json:"printerid"`
		Key       int `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	worker := s.findWorker(w, body.PrinterID)
	if worker == nil {
		return
	}

	q := worker.Printer.Queue()
	job, _ := q.Delete(body.ID)

	// Any error from the finished print is stale once the plate is
	// cleared; releaseFail sets a fresh one below.
	worker.Printer.SetError("")

	switch body.Key {
	case releaseClear:
		worker.Printer.SetStatus(printer.StatusReady)
	case releaseClearRerun:
		rec, err := s.store.FindJob(body.ID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		if _, err := s.enqueueRecord(rec, worker, true); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		worker.Printer.SetStatus(printer.StatusReady)
	case releaseFail:
		comments := ""
		if job != nil {
			job.SetStatus(jobs.StatusError)
			comments = job.Comments
		}
		if err := s.store.UpdateJobStatus(body.ID, jobs.StatusError); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		worker.Printer.SetError(comments)
		worker.Printer.SetStatus(printer.StatusError)
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown release key %d", body.Key))
		return
	}

	worker.Notify()
	writeJSON(w, map[string]interface{}{"released": body.ID})
}

func (s *Server) handleBumpJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        int    `json:"id"`
		PrinterID int    `json:"printerid"`
		Direction string `json:"direction"`
		Extreme   bool   `json:"extreme"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	worker := s.findWorker(w, body.PrinterID)
	if worker == nil {
		return
	}

	up := body.Direction != "down"
	var err error
	if body.Extreme {
		err = worker.Printer.Queue().BumpExtreme(up, body.ID)
	} else {
		err = worker.Printer.Queue().Bump(up, body.ID)
	}
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"moved": body.ID})
}

func (s *Server) handleMoveJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrinterID int   `json:"printerid"`
		Order     []int `json:"order"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	worker := s.findWorker(w, body.PrinterID)
	if worker == nil {
		return
	}
	worker.Printer.Queue().Reorder(body.Order)
	writeJSON(w, map[string]interface{}{"order": body.Order})
}

func (s *Server) handleUpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, job := s.findQueuedJob(body.ID); job != nil {
		job.SetStatus(body.Status)
	}
	if err := s.store.UpdateJobStatus(body.ID, body.Status); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": body.ID, "status": body.Status})
}

func (s *Server) handleAssignToError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, job := s.findQueuedJob(body.ID); job != nil {
		job.SetStatus(jobs.StatusError)
	}
	if err := s.store.UpdateJobStatus(body.ID, jobs.StatusError); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": body.ID, "status": jobs.StatusError})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if worker, _ := s.findQueuedJob(body.ID); worker != nil {
		worker.Printer.Queue().Delete(body.ID)
	}
	if err := s.store.DeleteJob(body.ID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"deleted": body.ID})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrinterID int    `json:"printerid"`
		Status    string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	worker := s.findWorker(w, body.PrinterID)
	if worker == nil {
		return
	}
	worker.Printer.SetStatus(body.Status)
	worker.Notify()
	writeJSON(w, map[string]interface{}{"printerid": body.PrinterID, "status": worker.Printer.Status()})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := queryInt(r, "id", 0)
	rec, err := s.store.FindJob(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if len(rec.File) == 0 {
		writeJSONError(w, http.StatusGone, "file removed by retention")
		return
	}
	data, err := files.Decompress(rec.File)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.FileNameOriginal))
	w.Write(data)
}

func (s *Server) handleNullifyJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrinterID int `json:"printerid"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.NullifyPrinter(body.PrinterID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"nullified": body.PrinterID})
}

func (s *Server) handleClearSpace(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearSpace(s.config.RetentionDays); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleGetFavoriteJobs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Favorites()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []storage.HistoryRow{}
	}
	writeJSON(w, map[string]interface{}{"jobs": rows})
}

func (s *Server) handleFavoriteJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       int  `json:"id"`
		Favorite bool `json:"favorite"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetFavorite(body.ID, body.Favorite); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": body.ID, "favorite": body.Favorite})
}

func (s *Server) handleAssignIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID   int `json:"jobid"`
		IssueID int `json:"issueid"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetIssue(body.JobID, body.IssueID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"jobid": body.JobID, "issueid": body.IssueID})
}

func (s *Server) handleRemoveIssue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID int `json:"jobid"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UnsetIssue(body.JobID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"jobid": body.JobID})
}

func (s *Server) handleStartPrint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        int `json:"id"`
		PrinterID int `json:"printerid"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	worker := s.findWorker(w, body.PrinterID)
	if worker == nil {
		return
	}
	job := worker.Printer.Queue().JobByID(body.ID)
	if job == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("job %d not queued on printer %d", body.ID, body.PrinterID))
		return
	}
	job.Release()
	worker.Notify()
	writeJSON(w, map[string]interface{}{"id": body.ID, "released": 1})
}

func (s *Server) handleSaveComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      int    `json:"id"`
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, job := s.findQueuedJob(body.ID); job != nil {
		job.Comments = body.Comment
	}
	if err := s.store.SetComment(body.ID, body.Comment); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"id": body.ID})
}

func (s *Server) handleDownloadCSV(w http.ResponseWriter, r *http.Request) {
	ids := queryIntList(r, "ids")
	rows, err := s.store.CSVRows(ids)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, []string{
			strconv.Itoa(row.TdID), row.PrinterName, row.Name, row.FileNameOriginal,
			row.Status, row.Date, row.Issue, row.Comments,
		})
	}
	path, err := s.files.WriteCSV(records)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleRemoveCSV(w http.ResponseWriter, r *http.Request) {
	if err := s.files.ClearCSV(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleRepairPorts(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.Repair(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleRefetchTimeData(w http.ResponseWriter, r *http.Request) {
	worker := s.findWorker(w, queryInt(r, "printerid", 0))
	if worker == nil {
		return
	}
	head := worker.Printer.Queue().Next()
	if head == nil {
		writeJSON(w, map[string]interface{}{})
		return
	}

	clock := head.Clock()
	iso := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(time.RFC3339)
	}
	writeJSON(w, map[string]interface{}{
		"id":            head.ID,
		"total_seconds": clock.TotalSeconds,
		"eta":           iso(clock.ETA),
		"started_at":    iso(clock.StartedAt),
		"paused_at":     iso(clock.PausedAt),
	})
}

// findQueuedJob locates a job by id across every printer's queue.
func (s *Server) findQueuedJob(id int) (*printer.Worker, *jobs.Job) {
	for _, worker := range s.registry.Workers() {
		if job := worker.Printer.Queue().JobByID(id); job != nil {
			return worker, job
		}
	}
	return nil, nil
}
