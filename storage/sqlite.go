package storage

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/makerhub/printfarm/events"
)

// Store is the SQLite-backed persistence layer. Safe for use from the HTTP
// handlers and every printer worker concurrently; SQLite serializes writes
// and database/sql pools connections.
type Store struct {
	db   *sql.DB
	sink events.Sink
}

// Open opens (creating if needed) the database at path and runs
// migrations. Pass ":memory:" for an ephemeral store in tests.
func Open(path string, sink events.Sink) (*Store, error) {
	if sink == nil {
		sink = events.Discard
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	s := &Store{db: db, sink: sink}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS printers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device TEXT NOT NULL,
			description TEXT NOT NULL,
			hwid TEXT NOT NULL,
			name TEXT NOT NULL,
			date TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS issues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file BLOB,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			date TIMESTAMP NOT NULL,
			printer_id INTEGER,
			printer_name TEXT,
			td_id INTEGER,
			error_id INTEGER,
			comments TEXT,
			file_name_original TEXT NOT NULL,
			favorite INTEGER NOT NULL DEFAULT 0,
			filament TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_printer ON jobs(printer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_date ON jobs(date)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// --- printers ---

// CreatePrinter inserts a printer row and returns its id.
func (s *Store) CreatePrinter(device, description, hwid, name string) (int, error) {
	res, err := s.db.Exec(
		`INSERT INTO printers (device, description, hwid, name, date) VALUES (?, ?, ?, ?, ?)`,
		device, description, hwid, name, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting printer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// Printers returns every registered printer in id order.
func (s *Store) Printers() ([]Printer, error) {
	rows, err := s.db.Query(`SELECT id, device, description, hwid, name, date FROM printers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying printers: %w", err)
	}
	defer rows.Close()

	var out []Printer
	for rows.Next() {
		var p Printer
		if err := rows.Scan(&p.ID, &p.Device, &p.Description, &p.Hwid, &p.Name, &p.Date); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindPrinter returns the printer with the given id.
func (s *Store) FindPrinter(id int) (Printer, error) {
	var p Printer
	err := s.db.QueryRow(
		`SELECT id, device, description, hwid, name, date FROM printers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Device, &p.Description, &p.Hwid, &p.Name, &p.Date)
	if err != nil {
		return Printer{}, fmt.Errorf("finding printer %d: %w", id, err)
	}
	return p, nil
}

// PrinterByHwid returns the printer registered under the given hardware
// id, if any.
func (s *Store) PrinterByHwid(hwid string) (Printer, bool, error) {
	var p Printer
	err := s.db.QueryRow(
		`SELECT id, device, description, hwid, name, date FROM printers WHERE hwid = ?`, hwid,
	).Scan(&p.ID, &p.Device, &p.Description, &p.Hwid, &p.Name, &p.Date)
	if err == sql.ErrNoRows {
		return Printer{}, false, nil
	}
	if err != nil {
		return Printer{}, false, fmt.Errorf("finding printer by hwid: %w", err)
	}
	return p, true, nil
}

// DeletePrinter removes the printer row.
func (s *Store) DeletePrinter(id int) error {
	_, err := s.db.Exec(`DELETE FROM printers WHERE id = ?`, id)
	return err
}

// UpdatePrinterName renames the printer row.
func (s *Store) UpdatePrinterName(id int, name string) error {
	_, err := s.db.Exec(`UPDATE printers SET name = ? WHERE id = ?`, name, id)
	return err
}

// UpdatePrinterDevice records a repaired device path.
func (s *Store) UpdatePrinterDevice(id int, device string) error {
	_, err := s.db.Exec(`UPDATE printers SET device = ? WHERE id = ?`, device, id)
	return err
}

// --- jobs ---

// EnsureCompressed returns data gzip-compressed, leaving already
// compressed input untouched so blobs are never double-compressed.
func EnsureCompressed(data []byte) ([]byte, error) {
	if r, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		// Verify the whole stream decompresses, not just the header.
		if _, err := io.Copy(io.Discard, r); err == nil {
			r.Close()
			return data, nil
		}
		r.Close()
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InsertJob stores a job row, normalizing the file blob to gzip, and
// returns the assigned id.
func (s *Store) InsertJob(name string, printerID int, status string, file []byte, fileNameOriginal string, favorite bool, tdID int, filament string) (int, error) {
	compressed, err := EnsureCompressed(file)
	if err != nil {
		return 0, fmt.Errorf("compressing job file: %w", err)
	}

	printerName := ""
	if p, err := s.FindPrinter(printerID); err == nil {
		printerName = p.Name
	}

	res, err := s.db.Exec(
		`INSERT INTO jobs (file, name, status, date, printer_id, printer_name, td_id, error_id, comments, file_name_original, favorite, filament)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
		compressed, name, status, time.Now(), printerID, printerName, tdID, fileNameOriginal, favorite, filament,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// UpdateJobStatus writes the job's status and emits job_status_update.
func (s *Store) UpdateJobStatus(id int, status string) error {
	if _, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("updating job %d status: %w", id, err)
	}
	s.sink.Emit(events.JobStatusUpdate, map[string]any{"job_id": id, "status": status})
	return nil
}

// FindJob returns the job row with the given id.
func (s *Store) FindJob(id int) (JobRecord, error) {
	var j JobRecord
	var comments, printerName, filament sql.NullString
	var printerID, tdID, errorID sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, file, name, status, date, printer_id, printer_name, td_id, error_id, comments, file_name_original, favorite, filament
		 FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.File, &j.Name, &j.Status, &j.Date, &printerID, &printerName,
		&tdID, &errorID, &comments, &j.FileNameOriginal, &j.Favorite, &filament)
	if err != nil {
		return JobRecord{}, fmt.Errorf("finding job %d: %w", id, err)
	}
	j.PrinterID = int(printerID.Int64)
	j.PrinterName = printerName.String
	j.TdID = int(tdID.Int64)
	j.ErrorID = int(errorID.Int64)
	j.Comments = comments.String
	j.Filament = filament.String
	return j, nil
}

// DeleteJob removes the job row.
func (s *Store) DeleteJob(id int) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// NullifyPrinter detaches all jobs from a deregistered printer by zeroing
// their printer reference.
func (s *Store) NullifyPrinter(printerID int) error {
	_, err := s.db.Exec(`UPDATE jobs SET printer_id = 0 WHERE printer_id = ?`, printerID)
	return err
}

// ClearSpace drops the file blob of non-favorite jobs older than the
// retention window and annotates their file name. Job rows survive.
func (s *Store) ClearSpace(retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.Exec(
		`UPDATE jobs
		 SET file = NULL,
		     file_name_original = file_name_original || ': Removed after 6 months'
		 WHERE date < ? AND favorite = 0 AND file IS NOT NULL
		   AND file_name_original NOT LIKE '%Removed after 6 months%'`,
		cutoff,
	)
	return err
}

// Favorites returns all jobs the user marked favorite.
func (s *Store) Favorites() ([]HistoryRow, error) {
	rows, _, err := s.History(HistoryFilter{Page: 1, PageSize: 1 << 30, FavoriteOnly: true})
	return rows, err
}

// SetFavorite flips a job's favorite flag.
func (s *Store) SetFavorite(id int, favorite bool) error {
	_, err := s.db.Exec(`UPDATE jobs SET favorite = ? WHERE id = ?`, favorite, id)
	return err
}

// SetComment stores the user's comment on a job.
func (s *Store) SetComment(id int, comment string) error {
	_, err := s.db.Exec(`UPDATE jobs SET comments = ? WHERE id = ?`, comment, id)
	return err
}

// SetIssue assigns an issue label to a job.
func (s *Store) SetIssue(jobID, issueID int) error {
	_, err := s.db.Exec(`UPDATE jobs SET error_id = ? WHERE id = ?`, issueID, jobID)
	return err
}

// UnsetIssue removes a job's issue label.
func (s *Store) UnsetIssue(jobID int) error {
	_, err := s.db.Exec(`UPDATE jobs SET error_id = 0 WHERE id = ?`, jobID)
	return err
}

// --- issues ---

// CreateIssue inserts an issue label and returns its id.
func (s *Store) CreateIssue(text string) (int, error) {
	res, err := s.db.Exec(`INSERT INTO issues (issue) VALUES (?)`, text)
	if err != nil {
		return 0, fmt.Errorf("inserting issue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// Issues returns all issue labels.
func (s *Store) Issues() ([]Issue, error) {
	rows, err := s.db.Query(`SELECT id, issue FROM issues ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying issues: %w", err)
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		var i Issue
		if err := rows.Scan(&i.ID, &i.Issue); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// EditIssue renames an issue label.
func (s *Store) EditIssue(id int, text string) error {
	_, err := s.db.Exec(`UPDATE issues SET issue = ? WHERE id = ?`, text, id)
	return err
}

// DeleteIssue removes an issue label.
func (s *Store) DeleteIssue(id int) error {
	_, err := s.db.Exec(`DELETE FROM issues WHERE id = ?`, id)
	return err
}

// --- history ---

func (f HistoryFilter) where() (string, []any) {
	var conds []string
	var args []any

	if f.FromError {
		conds = append(conds, `j.status = 'error'`)
	}
	if len(f.PrinterIDs) > 0 {
		conds = append(conds, `j.printer_id IN (`+placeholders(len(f.PrinterIDs))+`)`)
		for _, id := range f.PrinterIDs {
			args = append(args, id)
		}
	}
	if len(f.IssueIDs) > 0 {
		conds = append(conds, `j.error_id IN (`+placeholders(len(f.IssueIDs))+`)`)
		for _, id := range f.IssueIDs {
			args = append(args, id)
		}
	}
	if f.SearchJob != "" {
		pat := "%" + f.SearchJob + "%"
		switch {
		case strings.Contains(f.SearchCriteria, "searchByJobName"):
			conds = append(conds, `j.name LIKE ?`)
			args = append(args, pat)
		case strings.Contains(f.SearchCriteria, "searchByFileName"):
			conds = append(conds, `j.file_name_original LIKE ?`)
			args = append(args, pat)
		default:
			conds = append(conds, `(j.name LIKE ? OR j.file_name_original LIKE ?)`)
			args = append(args, pat, pat)
		}
	}
	if f.SearchTicketID != "" {
		conds = append(conds, `j.td_id = ?`)
		args = append(args, f.SearchTicketID)
	}
	if f.FavoriteOnly {
		conds = append(conds, `j.favorite = 1`)
	}
	if f.StartDate != "" && f.EndDate != "" {
		conds = append(conds, `j.date BETWEEN ? AND ?`)
		args = append(args, f.StartDate, f.EndDate)
	} else if f.StartDate != "" {
		conds = append(conds, `j.date >= ?`)
		args = append(args, f.StartDate)
	} else if f.EndDate != "" {
		conds = append(conds, `j.date <= ?`)
		args = append(args, f.EndDate)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// History returns one page of job history plus the total row count for the
// filter. With CountOnly set the row slice is nil.
func (s *Store) History(f HistoryFilter) ([]HistoryRow, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs j`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting job history: %w", err)
	}
	if f.CountOnly {
		return nil, total, nil
	}

	order := " ORDER BY j.date DESC, j.id DESC"
	if f.OldestFirst {
		order = " ORDER BY j.date ASC, j.id ASC"
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	query := `SELECT j.id, j.name, j.status, j.date, j.printer_id, j.error_id,
			j.file_name_original, j.comments, j.td_id, j.printer_name, COALESCE(i.issue, '')
		FROM jobs j LEFT JOIN issues i ON j.error_id = i.id` +
		where + order + ` LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying job history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var date time.Time
		var comments, printerName sql.NullString
		var printerID, errorID, tdID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &date, &printerID, &errorID,
			&r.FileNameOriginal, &comments, &tdID, &printerName, &r.IssueText); err != nil {
			return nil, 0, err
		}
		r.Date = date.Format("Mon, 02 Jan 2006 15:04:05")
		r.PrinterID = int(printerID.Int64)
		r.ErrorID = int(errorID.Int64)
		r.TdID = int(tdID.Int64)
		r.Comments = comments.String
		r.PrinterName = printerName.String
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// CSVRows returns export rows for the given job ids, or for every job when
// ids is nil.
func (s *Store) CSVRows(ids []int) ([]CSVRow, error) {
	query := `SELECT j.td_id, j.printer_name, j.name, j.file_name_original, j.status, j.date, COALESCE(i.issue, ''), j.comments
		FROM jobs j LEFT JOIN issues i ON j.error_id = i.id`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE j.id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY j.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying csv rows: %w", err)
	}
	defer rows.Close()

	var out []CSVRow
	for rows.Next() {
		var r CSVRow
		var date time.Time
		var printerName, comments sql.NullString
		var tdID sql.NullInt64
		if err := rows.Scan(&tdID, &printerName, &r.Name, &r.FileNameOriginal, &r.Status, &date, &r.Issue, &comments); err != nil {
			return nil, err
		}
		r.TdID = int(tdID.Int64)
		r.PrinterName = printerName.String
		r.Comments = comments.String
		r.Date = date.Format("2006-01-02 15:04:05")
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
