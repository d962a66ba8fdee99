package pool

import "context"

// Handle is an opaque remote-session object for one tenant's sheet document.
type Handle interface{}

// Sheet identifies one tab within a document, once ensureSheet has run.
type Sheet struct {
	Title   string
	Headers []string
}

// Row is an opaque remote record. SheetGate never interprets row contents;
// it only coalesces and orders operations over them.
type Row map[string]any

// ErrorClass is the DocumentClient error taxonomy from spec.md §6.
type ErrorClass string

const (
	ClassTransient   ErrorClass = "transient"
	ClassRateLimited ErrorClass = "rate-limited"
	ClassAuth        ErrorClass = "auth"
	ClassFatal       ErrorClass = "fatal"
	ClassConflict    ErrorClass = "conflict"
)

// ClientError is returned by every DocumentClient method; Class lets callers
// (the Pool, the Batch Coordinator) apply the right retry/backoff/propagation
// policy without parsing error strings.
type ClientError struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

// DocumentClient is the only remote dependency SheetGate has: an abstract
// capability over the external spreadsheet service (spec.md §6). Production
// wiring uses internal/sheetsclient against the real Google Sheets API;
// tests substitute an in-memory fake.
type DocumentClient interface {
	Open(ctx context.Context, sheetRef string) (Handle, error)
	LoadInfo(ctx context.Context, h Handle) error
	EnsureSheet(ctx context.Context, h Handle, title string, headers []string) (Sheet, error)
	GetRows(ctx context.Context, h Handle, sheet Sheet, rangeExpr string) ([]Row, error)
	AddRows(ctx context.Context, h Handle, sheet Sheet, rows []Row) error
	UpdateRow(ctx context.Context, h Handle, sheet Sheet, rowID string, fields Row) error
	DeleteRow(ctx context.Context, h Handle, sheet Sheet, rowID string) error
	Close(ctx context.Context, h Handle) error
}
