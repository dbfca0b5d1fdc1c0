// Package storage persists printers, jobs, and issues in SQLite behind
// database/sql. The printer workers only see the narrow interfaces they
// need; HTTP handlers use the full Store.
package storage

import (
	"time"
)

// Printer is the durable printer row. The live runtime state (status,
// temperatures, queue) is owned by the printer worker, not the store.
type Printer struct {
	ID          int       `json:"id"`
	Device      string    `json:"device"`
	Description string    `json:"description"`
	Hwid        string    `json:"hwid"`
	Name        string    `json:"name"`
	Date        time.Time `json:"date"`
}

// JobRecord is the durable job row. File holds the gzip-compressed gcode;
// a nil File means the blob was purged by retention.
type JobRecord struct {
	ID               int
	Name             string
	Status           string
	Date             time.Time
	PrinterID        int
	PrinterName      string
	TdID             int
	ErrorID          int
	Comments         string
	FileNameOriginal string
	Favorite         bool
	Filament         string
	File             []byte
}

// Issue is a user-defined error label assignable to jobs.
type Issue struct {
	ID    int    `json:"id"`
	Issue string `json:"issue"`
}

// HistoryFilter selects job history rows. Zero values mean "no filter".
type HistoryFilter struct {
	Page           int
	PageSize       int
	PrinterIDs     []int
	OldestFirst    bool
	SearchJob      string
	SearchCriteria string // "searchByJobName" or "searchByFileName"
	SearchTicketID string
	FavoriteOnly   bool
	IssueIDs       []int
	StartDate      string // ISO date, inclusive
	EndDate        string // ISO date, inclusive
	FromError      bool
	CountOnly      bool
}

// HistoryRow is one row of the paginated job history, with the issue text
// joined in.
type HistoryRow struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	Date             string `json:"date"`
	PrinterID        int    `json:"printerid"`
	ErrorID          int    `json:"errorid"`
	FileNameOriginal string `json:"file_name_original"`
	Comments         string `json:"comments"`
	TdID             int    `json:"td_id"`
	PrinterName      string `json:"printer_name"`
	IssueText        string `json:"error"`
}

// CSVRow is one row of a history export.
type CSVRow struct {
	TdID             int
	PrinterName      string
	Name             string
	FileNameOriginal string
	Status           string
	Date             string
	Issue            string
	Comments         string
}
