package batch

import "github.com/adscale/sheetgate/internal/pool"

// Kind tags the variant of a queued Operation (spec.md §4.3). A tagged
// union keeps Coordinator's flush grouping a type switch instead of a chain
// of dynamic dispatch.
type Kind string

const (
	KindAddRow    Kind = "add_row"
	KindUpdateRow Kind = "update_row"
	KindDeleteRow Kind = "delete_row"
	KindSetHeader Kind = "set_header"
)

// Operation is one write queued against a (tenant, sheetTitle) pair.
type Operation struct {
	Kind    Kind
	RowID   string   // UpdateRow, DeleteRow
	Fields  pool.Row // AddRow, UpdateRow
	Headers []string // SetHeader
}

// Result is what an Operation's future resolves with once its containing
// flush completes.
type Result struct {
	Err error
}

// pendingOp pairs a queued Operation with the channel its caller is
// waiting on, preserving enqueue order within the queue.
type pendingOp struct {
	op       Operation
	resultCh chan Result
}
