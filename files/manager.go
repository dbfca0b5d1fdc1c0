// Package files manages the process-wide scratch directories: uploads/
// holds the decompressed gcode file a printer is currently streaming, and
// tempcsv/ holds history exports until the UI has fetched them.
package files

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Manager owns the uploads and tempcsv directories.
type Manager struct {
	uploadsDir string
	tempcsvDir string
}

// NewManager recreates both scratch directories empty and returns the
// manager. Leftovers from a previous run are never reused; an in-flight
// print does not survive a restart.
func NewManager(uploadsDir, tempcsvDir string) (*Manager, error) {
	for _, dir := range []string{uploadsDir, tempcsvDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Manager{uploadsDir: uploadsDir, tempcsvDir: tempcsvDir}, nil
}

// UploadsDir returns the uploads directory path.
func (m *Manager) UploadsDir() string {
	return m.uploadsDir
}

// WriteJobFile decompresses a job's gzip blob into the uploads directory
// under the job's unique file name and returns the written path.
func (m *Manager) WriteJobFile(fileNamePk string, compressed []byte) (string, error) {
	data, err := Decompress(compressed)
	if err != nil {
		return "", fmt.Errorf("decompressing %s: %w", fileNamePk, err)
	}

	path := filepath.Join(m.uploadsDir, fileNamePk)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// RemoveJobFile deletes a job's temp file. Missing files are fine.
func (m *Manager) RemoveJobFile(fileNamePk string) error {
	err := os.Remove(filepath.Join(m.uploadsDir, fileNamePk))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CSVHeader is the column order of history exports.
var CSVHeader = []string{"td_id", "printer", "name", "file_name_original", "status", "date", "issue", "comments"}

// WriteCSV writes export rows to tempcsv/jobs_<MMDDYYYY>.csv and returns
// the path.
func (m *Manager) WriteCSV(rows [][]string) (string, error) {
	name := fmt.Sprintf("jobs_%s.csv", time.Now().Format("01022006"))
	path := filepath.Join(m.tempcsvDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(CSVHeader); err != nil {
		return "", err
	}
	if err := w.WriteAll(rows); err != nil {
		return "", err
	}
	w.Flush()
	return path, w.Error()
}

// ClearCSV recreates the tempcsv directory empty. Called once the UI has
// downloaded an export.
func (m *Manager) ClearCSV() error {
	if err := os.RemoveAll(m.tempcsvDir); err != nil {
		return err
	}
	return os.MkdirAll(m.tempcsvDir, 0755)
}

// Decompress gunzips a stored job blob.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
