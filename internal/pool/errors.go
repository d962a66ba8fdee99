package pool

import (
	"github.com/adscale/sheetgate/internal/sheeterr"
)

var (
	errPoolClosed          = sheeterr.New(sheeterr.CodeInvariantViolation, "tenant pool is closed")
	errPoolClosedAfterDial = sheeterr.New(sheeterr.CodeInvariantViolation, "tenant pool closed during dial")
	errPoolExhausted       = sheeterr.New(sheeterr.CodePoolExhausted, "no connection slot available")
	errAcquireTimeout      = sheeterr.New(sheeterr.CodePoolExhausted, "acquire timed out")
)

// classifyClientError maps a ClientError from the DocumentClient into the
// taxonomy error the rest of SheetGate understands.
func classifyClientError(err *ClientError) *sheeterr.Error {
	switch err.Class {
	case ClassRateLimited:
		return sheeterr.Wrap(sheeterr.CodeRateLimited, "remote service rate-limited the request", err)
	case ClassAuth:
		return sheeterr.Wrap(sheeterr.CodeAuthFailure, "authentication with remote service failed", err)
	case ClassConflict:
		return sheeterr.Wrap(sheeterr.CodeConflict, "concurrent structural change detected", err)
	case ClassFatal:
		return sheeterr.Wrap(sheeterr.CodeAuthFailure, "remote service reported a fatal error", err)
	default:
		return sheeterr.Wrap(sheeterr.CodeTimeout, "transient remote error", err)
	}
}
