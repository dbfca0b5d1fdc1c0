package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/files"
	"github.com/makerhub/printfarm/ports"
	"github.com/makerhub/printfarm/printer"
	"github.com/makerhub/printfarm/storage"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	store, err := storage.Open(":memory:", events.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := printer.NewRegistry(printer.Deps{
		Sink:  events.Discard,
		Store: store,
	})
	t.Cleanup(registry.StopAll)

	fm, err := files.NewManager(t.TempDir()+"/uploads", t.TempDir()+"/tempcsv")
	require.NoError(t, err)

	resolver := ports.NewResolver(events.Discard, nil,
		func(hwid string) (int, string, bool) { return 0, "", false },
		func(device string) (int, string, bool) { return 0, "", false },
		func(id int, device string) {},
	)
	resolver.SetEnumerator(func() ([]ports.PortInfo, error) { return nil, nil })

	s := NewServer(Config{RetentionDays: 182}, store, registry, resolver, fm, events.NewHub())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300, "POST %s", path)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getJSON(t *testing.T, ts *httptest.Server, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300, "GET %s", path)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerPrinter(t *testing.T, ts *httptest.Server, hwid, name string) int {
	t.Helper()
	out := postJSON(t, ts, "/register", map[string]any{
		"device":      "/dev/ttyACM0",
		"description": "Original Prusa MK4",
		"hwid":        hwid,
		"name":        name,
	})
	return int(out["id"].(float64))
}

func uploadJob(t *testing.T, ts *httptest.Server, path string, fields map[string]string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "bracket.gcode")
	require.NoError(t, err)
	_, err = fw.Write([]byte(";TIME:60\nG28\nG1 X0\n"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+path, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300, "POST %s", path)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRegisterAndListPrinters(t *testing.T) {
	_, ts := newTestServer(t)
	id := registerPrinter(t, ts, "hw-1", "alpha")
	require.NotZero(t, id)

	printers := getJSON(t, ts, "/getprinters")["printers"].([]any)
	require.Len(t, printers, 1)
	assert.Equal(t, "alpha", printers[0].(map[string]any)["name"])

	info := getJSON(t, ts, "/getprinterinfo")["printers"].([]any)
	require.Len(t, info, 1)
	snap := info[0].(map[string]any)
	assert.Equal(t, "configuring", snap["status"])
	assert.Equal(t, []any{}, snap["queue"])
}

func TestRegisterDuplicateHwidRejected(t *testing.T) {
	_, ts := newTestServer(t)
	registerPrinter(t, ts, "hw-1", "alpha")

	body, _ := json.Marshal(map[string]any{
		"device": "/dev/ttyACM1", "hwid": "hw-1", "name": "beta",
	})
	resp, err := http.Post(ts.URL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAddJobToQueueAndHistory(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")

	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name":      "bracket",
		"printerid": fmt.Sprint(pid),
		"td_id":     "42",
		"filament":  "PETG",
	})
	jobID := int(out["id"].(float64))
	require.NotZero(t, jobID)

	worker := s.registry.FindByID(pid)
	require.NotNil(t, worker)
	assert.Equal(t, 1, worker.Printer.Queue().Size())

	jobsResp := getJSON(t, ts, "/getjobs")
	assert.Equal(t, float64(1), jobsResp["count"])
	rows := jobsResp["jobs"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "bracket", rows[0].(map[string]any)["name"])
	assert.Equal(t, "inqueue", rows[0].(map[string]any)["status"])
}

func TestPriorityUploadGoesToFront(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")

	first := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "first", "printerid": fmt.Sprint(pid),
	})
	second := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "second", "printerid": fmt.Sprint(pid), "priority": "true",
	})

	q := s.registry.FindByID(pid).Printer.Queue()
	head := q.Next()
	require.NotNil(t, head)
	assert.Equal(t, int(second["id"].(float64)), head.ID)
	assert.True(t, q.Exists(int(first["id"].(float64))))
}

func TestAutoQueuePicksSmallestQueue(t *testing.T) {
	s, ts := newTestServer(t)
	p1 := registerPrinter(t, ts, "hw-1", "alpha")
	p2 := registerPrinter(t, ts, "hw-2", "beta")

	uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "first", "printerid": fmt.Sprint(p1),
	})
	uploadJob(t, ts, "/autoqueue", map[string]string{"name": "second"})

	assert.Equal(t, 1, s.registry.FindByID(p2).Printer.Queue().Size())
}

func TestCancelFromQueueRemovesAndPersists(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	postJSON(t, ts, "/cancelfromqueue", map[string]any{"id": jobID, "printerid": pid})

	assert.Equal(t, 0, s.registry.FindByID(pid).Printer.Queue().Size())
	rows := getJSON(t, ts, "/getjobs")["jobs"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "cancelled", rows[0].(map[string]any)["status"])
}

func TestCancelFromQueueResolvesPrinterFromJob(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	// No printerid in the request; the job's own queue is found.
	postJSON(t, ts, "/cancelfromqueue", map[string]any{"id": jobID})

	assert.Equal(t, 0, s.registry.FindByID(pid).Printer.Queue().Size())
	rows := getJSON(t, ts, "/getjobs")["jobs"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "cancelled", rows[0].(map[string]any)["status"])
}

func TestReleaseJobClearsStalePrinterError(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	p := s.registry.FindByID(pid).Printer
	p.SetError("Thermal Runaway")

	postJSON(t, ts, "/releasejob", map[string]any{
		"id": jobID, "printerid": pid, "key": 1,
	})

	assert.Equal(t, "", p.Error())
	assert.Equal(t, 0, p.Queue().Size())
}

func TestStartPrintReleasesJob(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	postJSON(t, ts, "/startprint", map[string]any{"id": jobID, "printerid": pid})

	job := s.registry.FindByID(pid).Printer.Queue().JobByID(jobID)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Released())
}

func TestRerunJobDuplicatesRecord(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	rerun := postJSON(t, ts, "/rerunjob", map[string]any{"id": jobID, "printerid": pid})
	newID := int(rerun["id"].(float64))
	assert.NotEqual(t, jobID, newID)
	assert.Equal(t, 2, s.registry.FindByID(pid).Printer.Queue().Size())

	count := getJSON(t, ts, "/getjobs?countOnly=true")
	assert.Equal(t, float64(2), count["count"])
}

func TestIssueLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	created := postJSON(t, ts, "/createissue", map[string]any{"issue": "spaghetti"})
	issueID := int(created["id"].(float64))

	postJSON(t, ts, "/assignissue", map[string]any{"jobid": jobID, "issueid": issueID})
	rows := getJSON(t, ts, "/getjobs")["jobs"].([]any)
	assert.Equal(t, "spaghetti", rows[0].(map[string]any)["error"])

	postJSON(t, ts, "/removeissue", map[string]any{"jobid": jobID})
	rows = getJSON(t, ts, "/getjobs")["jobs"].([]any)
	assert.Equal(t, "", rows[0].(map[string]any)["error"])

	postJSON(t, ts, "/editissue", map[string]any{"id": issueID, "issue": "layer shift"})
	issues := getJSON(t, ts, "/getissues")["issues"].([]any)
	require.Len(t, issues, 1)
	assert.Equal(t, "layer shift", issues[0].(map[string]any)["issue"])

	postJSON(t, ts, "/deleteissue", map[string]any{"id": issueID})
	assert.Empty(t, getJSON(t, ts, "/getissues")["issues"])
}

func TestSaveCommentAndFavorite(t *testing.T) {
	_, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	postJSON(t, ts, "/savecomment", map[string]any{"id": jobID, "comment": "warped corner"})
	postJSON(t, ts, "/favoritejob", map[string]any{"id": jobID, "favorite": true})

	favs := getJSON(t, ts, "/getfavoritejobs")["jobs"].([]any)
	require.Len(t, favs, 1)
	assert.Equal(t, "warped corner", favs[0].(map[string]any)["comments"])
}

func TestGetFileRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	out := uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})
	jobID := int(out["id"].(float64))

	resp, err := http.Get(fmt.Sprintf("%s/getfile?id=%d", ts.URL, jobID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "G28")
}

func TestDeletePrinterDetachesJobs(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})

	postJSON(t, ts, "/deleteprinter", map[string]any{"id": pid})

	assert.Nil(t, s.registry.FindByID(pid))
	assert.Empty(t, getJSON(t, ts, "/getprinters")["printers"])
	rows := getJSON(t, ts, "/getjobs")["jobs"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(0), rows[0].(map[string]any)["printerid"])
}

func TestHardResetQueueKeepsJobs(t *testing.T) {
	s, ts := newTestServer(t)
	pid := registerPrinter(t, ts, "hw-1", "alpha")
	uploadJob(t, ts, "/addjobtoqueue", map[string]string{
		"name": "bracket", "printerid": fmt.Sprint(pid),
	})

	postJSON(t, ts, "/hardresetqueue", map[string]any{"id": pid})
	assert.Equal(t, 1, s.registry.FindByID(pid).Printer.Queue().Size())

	postJSON(t, ts, "/hardreset", map[string]any{"id": pid})
	assert.Equal(t, 0, s.registry.FindByID(pid).Printer.Queue().Size())
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/getjobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
