// Package sheetsclient implements pool.DocumentClient against the real
// Google Sheets REST API v4, using golang.org/x/oauth2's client-credentials
// token source for auth and classifying every response into the
// transient/rate-limited/auth/fatal/conflict taxonomy the Pool and Batch
// Coordinator consult for retry decisions (spec.md §6).
package sheetsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/adscale/sheetgate/internal/pool"
)

// Client talks to the Sheets API v4 over HTTP, authenticating with an
// oauth2.TokenSource obtained via the client-credentials flow.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client. tokenURL/clientID/clientSecret drive the
// client-credentials grant; baseURL is the Sheets API root
// (https://sheets.googleapis.com/v4 in production).
func New(baseURL, tokenURL, clientID, clientSecret string) *Client {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: oauth2.NewClient(context.Background(), cfg.TokenSource(context.Background())),
	}
}

// handle is the pool.Handle concrete type: an opened spreadsheet's ID. No
// sheet metadata is kept on it.
type handle struct {
	spreadsheetID string
}

func (c *Client) Open(_ context.Context, sheetRef string) (pool.Handle, error) {
	return &handle{spreadsheetID: sheetRef}, nil
}

func (c *Client) LoadInfo(ctx context.Context, h pool.Handle) error {
	hd := h.(*handle)
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/spreadsheets/%s", url.PathEscape(hd.spreadsheetID)), nil)
	return err
}

func (c *Client) EnsureSheet(ctx context.Context, h pool.Handle, title string, headers []string) (pool.Sheet, error) {
	hd := h.(*handle)

	body := map[string]any{
		"requests": []map[string]any{
			{"addSheet": map[string]any{"properties": map[string]any{"title": title}}},
		},
	}
	// A 400 "already exists" is not fatal — the sheet is already ensured.
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/spreadsheets/%s:batchUpdate", url.PathEscape(hd.spreadsheetID)), body); err != nil {
		if ce, ok := err.(*pool.ClientError); !ok || ce.Class != pool.ClassConflict {
			return pool.Sheet{}, err
		}
	}

	if len(headers) > 0 {
		values := map[string]any{"values": [][]string{headers}}
		rangeExpr := fmt.Sprintf("%s!A1", title)
		path := fmt.Sprintf("/spreadsheets/%s/values/%s?valueInputOption=RAW", url.PathEscape(hd.spreadsheetID), url.PathEscape(rangeExpr))
		if _, err := c.do(ctx, http.MethodPut, path, values); err != nil {
			return pool.Sheet{}, err
		}
	}

	return pool.Sheet{Title: title, Headers: headers}, nil
}

func (c *Client) GetRows(ctx context.Context, h pool.Handle, sheet pool.Sheet, rangeExpr string) ([]pool.Row, error) {
	hd := h.(*handle)
	if rangeExpr == "" {
		rangeExpr = sheet.Title
	}
	path := fmt.Sprintf("/spreadsheets/%s/values/%s", url.PathEscape(hd.spreadsheetID), url.PathEscape(rangeExpr))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Values [][]string `json:"values"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, &pool.ClientError{Class: pool.ClassFatal, Message: "decoding sheet values response", Cause: err}
	}

	rows := make([]pool.Row, 0, len(parsed.Values))
	for _, record := range parsed.Values {
		row := make(pool.Row, len(sheet.Headers))
		for i, value := range record {
			if i < len(sheet.Headers) {
				row[sheet.Headers[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Client) AddRows(ctx context.Context, h pool.Handle, sheet pool.Sheet, rows []pool.Row) error {
	hd := h.(*handle)
	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, rowToValues(sheet.Headers, row))
	}
	body := map[string]any{"values": values}
	path := fmt.Sprintf("/spreadsheets/%s/values/%s:append?valueInputOption=RAW&insertDataOption=INSERT_ROWS",
		url.PathEscape(hd.spreadsheetID), url.PathEscape(sheet.Title))
	_, err := c.do(ctx, http.MethodPost, path, body)
	return err
}

func (c *Client) UpdateRow(ctx context.Context, h pool.Handle, sheet pool.Sheet, rowID string, fields pool.Row) error {
	hd := h.(*handle)
	values := map[string]any{"values": [][]any{rowToValues(sheet.Headers, fields)}}
	rangeExpr := fmt.Sprintf("%s!%s", sheet.Title, rowID)
	path := fmt.Sprintf("/spreadsheets/%s/values/%s?valueInputOption=RAW", url.PathEscape(hd.spreadsheetID), url.PathEscape(rangeExpr))
	_, err := c.do(ctx, http.MethodPut, path, values)
	return err
}

func (c *Client) DeleteRow(ctx context.Context, h pool.Handle, sheet pool.Sheet, rowID string) error {
	hd := h.(*handle)
	rangeExpr := fmt.Sprintf("%s!%s", sheet.Title, rowID)
	path := fmt.Sprintf("/spreadsheets/%s/values/%s:clear", url.PathEscape(hd.spreadsheetID), url.PathEscape(rangeExpr))
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

func (c *Client) Close(_ context.Context, _ pool.Handle) error { return nil }

func rowToValues(headers []string, row pool.Row) []any {
	values := make([]any, len(headers))
	for i, header := range headers {
		values[i] = row[header]
	}
	return values
}

// do issues one HTTP request against the Sheets API and classifies any
// non-2xx response into the taxonomy pool.ClientError expects.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &pool.ClientError{Class: pool.ClassFatal, Message: "encoding request body", Cause: err}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &pool.ClientError{Class: pool.ClassFatal, Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &pool.ClientError{Class: pool.ClassTransient, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &pool.ClientError{Class: pool.ClassTransient, Message: "reading response body", Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, classifyStatus(resp.StatusCode, respBody)
}

func classifyStatus(status int, body []byte) *pool.ClientError {
	msg := fmt.Sprintf("sheets API responded %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return &pool.ClientError{Class: pool.ClassRateLimited, Message: msg, Cause: fmt.Errorf("%s", body)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &pool.ClientError{Class: pool.ClassAuth, Message: msg, Cause: fmt.Errorf("%s", body)}
	case status == http.StatusConflict:
		return &pool.ClientError{Class: pool.ClassConflict, Message: msg, Cause: fmt.Errorf("%s", body)}
	case status == http.StatusBadRequest && strings.Contains(string(body), "already exists"):
		return &pool.ClientError{Class: pool.ClassConflict, Message: msg, Cause: fmt.Errorf("%s", body)}
	case status >= 500:
		return &pool.ClientError{Class: pool.ClassTransient, Message: msg, Cause: fmt.Errorf("%s", body)}
	default:
		return &pool.ClientError{Class: pool.ClassFatal, Message: msg, Cause: fmt.Errorf("%s", body)}
	}
}
