// Package sheet implements the record repository over the Smartsheet REST API.
//
// Column resolution happens once per fetch: every column title is normalized
// and matched against the policy schema's candidate spellings, so the rest of
// the engine only sees canonical field names.
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calldirector/internal/record"
)

const (
	DefaultBaseURL = "https://api.smartsheet.com/2.0"

	defaultHTTPTimeout = 30 * time.Second
	maxRetries         = 3
)

// ErrColumnMissing is returned when the sheet has no column matching a
// required schema field.
var ErrColumnMissing = errors.New("sheet: required column missing")

// Client is a record.Repository backed by one Smartsheet sheet.
type Client struct {
	baseURL string
	token   string
	sheetID string
	schema  record.Schema
	httpc   *http.Client
	log     *slog.Logger

	// sleep is swapped in tests so backoff does not wall-clock.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ record.Repository = (*Client)(nil)

// NewClient builds a repository for one sheet. baseURL may be empty.
func NewClient(token, sheetID string, schema record.Schema, baseURL string, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("sheet: access token is required")
	}
	if strings.TrimSpace(sheetID) == "" {
		return nil, errors.New("sheet: sheet id is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		sheetID: sheetID,
		schema:  schema,
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
		log:     log,
		sleep:   sleepCtx,
	}, nil
}

// sleepCtx waits out the backoff but returns early when the context is
// cancelled, so a shut-down run does not sit in a retry pause.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type sheetColumn struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type sheetCell struct {
	ColumnID     int64  `json:"columnId"`
	Value        any    `json:"value,omitempty"`
	DisplayValue string `json:"displayValue,omitempty"`
}

type sheetRow struct {
	ID        int64       `json:"id"`
	RowNumber int         `json:"rowNumber"`
	Cells     []sheetCell `json:"cells"`
}

type sheetResponse struct {
	ID      int64         `json:"id"`
	Name    string        `json:"name"`
	Columns []sheetColumn `json:"columns"`
	Rows    []sheetRow    `json:"rows"`
}

// columnMap resolves canonical field name -> column id for one fetched sheet.
type columnMap map[string]int64

// resolveColumns matches sheet columns against the schema. Candidate order is
// priority order: the first spelling present wins.
func (c *Client) resolveColumns(cols []sheetColumn) (columnMap, error) {
	byTitle := make(map[string]int64, len(cols))
	for _, col := range cols {
		key := record.NormalizeTitle(col.Title)
		if _, taken := byTitle[key]; !taken {
			byTitle[key] = col.ID
		}
	}

	pick := func(candidates []string) (int64, bool) {
		for _, cand := range candidates {
			if id, ok := byTitle[cand]; ok {
				return id, true
			}
		}
		return 0, false
	}

	cm := columnMap{}
	required := []struct {
		field      string
		candidates []string
	}{
		{record.FieldName, c.schema.Name},
		{record.FieldPhone, c.schema.Phone},
		{record.FieldTargetDate, c.schema.TargetDate},
		{record.FieldStage, c.schema.Stage},
	}
	for _, req := range required {
		id, ok := pick(req.candidates)
		if !ok {
			return nil, fmt.Errorf("%w: %s (tried %s)", ErrColumnMissing, req.field, strings.Join(req.candidates, ", "))
		}
		cm[req.field] = id
	}

	optional := []struct {
		field      string
		candidates []string
	}{
		{record.FieldFollowupDate, c.schema.FollowupDate},
		{record.FieldSummaryLog, c.schema.SummaryLog},
		{record.FieldEvalLog, c.schema.EvalLog},
		{record.FieldDone, c.schema.Done},
	}
	for _, opt := range optional {
		if id, ok := pick(opt.candidates); ok {
			cm[opt.field] = id
		}
	}
	for field, candidates := range c.schema.Extra {
		if id, ok := pick(candidates); ok {
			cm[field] = id
		}
	}
	return cm, nil
}

// cellText prefers the rendered display value; raw values cover cells the API
// returns untyped (numbers, booleans).
func cellText(cell sheetCell) string {
	if cell.DisplayValue != "" {
		return cell.DisplayValue
	}
	switch v := cell.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ListRecords fetches the sheet and maps every row onto the canonical record
// shape. Rows missing a phone number are still returned; the engine decides
// whether that is a skip.
func (c *Client) ListRecords(ctx context.Context) ([]record.Record, error) {
	var resp sheetResponse
	if err := c.do(ctx, http.MethodGet, "/sheets/"+c.sheetID, nil, &resp); err != nil {
		return nil, err
	}

	cm, err := c.resolveColumns(resp.Columns)
	if err != nil {
		return nil, err
	}

	fieldByColumn := make(map[int64]string, len(cm))
	for field, id := range cm {
		fieldByColumn[id] = field
	}

	records := make([]record.Record, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		fields := make(map[string]string, len(row.Cells))
		for _, cell := range row.Cells {
			field, ok := fieldByColumn[cell.ColumnID]
			if !ok {
				continue
			}
			fields[field] = cellText(cell)
		}

		rec := record.Record{
			ID:            strconv.FormatInt(row.ID, 10),
			RowNumber:     row.RowNumber,
			Name:          fields[record.FieldName],
			Phone:         fields[record.FieldPhone],
			RawTargetDate: fields[record.FieldTargetDate],
			Stage:         record.ParseStage(fields[record.FieldStage]),
			Done:          record.ParseBool(fields[record.FieldDone]),
			SummaryLog:    fields[record.FieldSummaryLog],
			EvalLog:       fields[record.FieldEvalLog],
			Fields:        fields,
		}
		if t, ok := record.ParseDate(rec.RawTargetDate); ok {
			rec.TargetDate = t
		}
		if t, ok := record.ParseDate(fields[record.FieldFollowupDate]); ok {
			rec.FollowupDate = t
		}
		records = append(records, rec)
	}

	c.log.Debug("sheet fetched", "sheet_id", c.sheetID, "rows", len(records))
	return records, nil
}

// UpdateRecord applies one partial write as a single row update so a reader
// never observes a half-written row.
func (c *Client) UpdateRecord(ctx context.Context, rec record.Record, u record.Update) error {
	rowID, err := strconv.ParseInt(rec.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("sheet: record id %q is not a row id: %w", rec.ID, err)
	}

	// Column resolution needs the live sheet; rows move and sheets get
	// reorganized between runs.
	var resp sheetResponse
	if err := c.do(ctx, http.MethodGet, "/sheets/"+c.sheetID+"?rowIds="+rec.ID, nil, &resp); err != nil {
		return err
	}
	cm, err := c.resolveColumns(resp.Columns)
	if err != nil {
		return err
	}

	cells := buildCells(cm, u)
	if len(cells) == 0 {
		return nil
	}

	payload := []map[string]any{{
		"id":    rowID,
		"cells": cells,
	}}
	if err := c.do(ctx, http.MethodPut, "/sheets/"+c.sheetID+"/rows", payload, nil); err != nil {
		return fmt.Errorf("sheet: update row %d: %w", rowID, err)
	}
	c.log.Info("row updated", "sheet_id", c.sheetID, "row", rec.RowNumber, "cells", len(cells))
	return nil
}

func buildCells(cm columnMap, u record.Update) []map[string]any {
	var cells []map[string]any
	add := func(field string, value any) {
		id, ok := cm[field]
		if !ok {
			return
		}
		cells = append(cells, map[string]any{"columnId": id, "value": value})
	}

	if u.Stage != nil {
		add(record.FieldStage, *u.Stage)
	}
	if u.FollowupDate != nil {
		add(record.FieldFollowupDate, u.FollowupDate.Format("2006-01-02"))
	} else if u.ClearFollowup {
		add(record.FieldFollowupDate, "")
	}
	if u.SummaryLog != nil {
		add(record.FieldSummaryLog, *u.SummaryLog)
	}
	if u.EvalLog != nil {
		add(record.FieldEvalLog, *u.EvalLog)
	}
	if u.Done != nil {
		add(record.FieldDone, *u.Done)
	}
	for field, value := range u.Fields {
		add(field, value)
	}
	return cells
}

// do issues one API request with retry on server errors. Backoff doubles per
// attempt starting at one second; client errors surface immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sheet: marshal request: %w", err)
		}
	}

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying sheet request", "method", method, "path", path, "attempt", attempt, "error", lastErr)
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("sheet: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("sheet: %s %s: %w", method, path, err)
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("sheet: read response: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("sheet: decode response: %w", err)
				}
			}
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("sheet: %s %s: HTTP %d: %s", method, path, resp.StatusCode, snippet(raw))
			continue
		default:
			return fmt.Errorf("sheet: %s %s: HTTP %d: %s", method, path, resp.StatusCode, snippet(raw))
		}
	}
	return fmt.Errorf("sheet: retries exhausted: %w", lastErr)
}

func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
