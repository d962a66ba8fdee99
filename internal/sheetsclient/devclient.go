package sheetsclient

import (
	"context"
	"sync"

	"github.com/adscale/sheetgate/internal/pool"
)

// DevClient is an in-memory pool.DocumentClient for local development and
// demo deployments that have no Google OAuth2 credentials configured. It
// never returns rate-limited/auth/conflict errors; it exists purely to let
// the rest of SheetGate run end-to-end without a live Sheets account.
type DevClient struct {
	mu    sync.Mutex
	sheets map[string]map[string][]pool.Row // spreadsheetID -> title -> rows
}

// NewDevClient builds an empty DevClient.
func NewDevClient() *DevClient {
	return &DevClient{sheets: make(map[string]map[string][]pool.Row)}
}

func (c *DevClient) Open(_ context.Context, sheetRef string) (pool.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sheets[sheetRef]; !ok {
		c.sheets[sheetRef] = make(map[string][]pool.Row)
	}
	return &handle{spreadsheetID: sheetRef}, nil
}

func (c *DevClient) LoadInfo(_ context.Context, _ pool.Handle) error { return nil }

func (c *DevClient) EnsureSheet(_ context.Context, h pool.Handle, title string, headers []string) (pool.Sheet, error) {
	hd := h.(*handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sheets[hd.spreadsheetID][title]; !ok {
		c.sheets[hd.spreadsheetID][title] = nil
	}
	return pool.Sheet{Title: title, Headers: headers}, nil
}

func (c *DevClient) GetRows(_ context.Context, h pool.Handle, sheet pool.Sheet, _ string) ([]pool.Row, error) {
	hd := h.(*handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.sheets[hd.spreadsheetID][sheet.Title]
	out := make([]pool.Row, len(rows))
	copy(out, rows)
	return out, nil
}

func (c *DevClient) AddRows(_ context.Context, h pool.Handle, sheet pool.Sheet, rows []pool.Row) error {
	hd := h.(*handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sheets[hd.spreadsheetID][sheet.Title] = append(c.sheets[hd.spreadsheetID][sheet.Title], rows...)
	return nil
}

func (c *DevClient) UpdateRow(_ context.Context, h pool.Handle, sheet pool.Sheet, rowID string, fields pool.Row) error {
	hd := h.(*handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.sheets[hd.spreadsheetID][sheet.Title]
	for i, row := range rows {
		if row["id"] == rowID {
			for k, v := range fields {
				rows[i][k] = v
			}
			return nil
		}
	}
	return nil
}

func (c *DevClient) DeleteRow(_ context.Context, h pool.Handle, sheet pool.Sheet, rowID string) error {
	hd := h.(*handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.sheets[hd.spreadsheetID][sheet.Title]
	kept := rows[:0:0]
	for _, row := range rows {
		if row["id"] != rowID {
			kept = append(kept, row)
		}
	}
	c.sheets[hd.spreadsheetID][sheet.Title] = kept
	return nil
}

func (c *DevClient) Close(_ context.Context, _ pool.Handle) error { return nil }
