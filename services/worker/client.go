// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aqea/aqea-extractor/database"
)

const (
	masterRequestTimeout = 10 * time.Second
	masterRetryBase      = 500 * time.Millisecond
	masterRetryCap       = 30 * time.Second
	masterRetryAttempts  = 5
)

// ErrAbandonUnit is returned when the master reports an ownership
// conflict (HTTP 409): the unit was reassigned, drop it and fetch a
// new one.
var ErrAbandonUnit = errors.New("unit ownership lost")

// errMasterUnavailable covers transport failures and 5xx responses
// after retries; the worker keeps processing locally and retries later.
var errMasterUnavailable = errors.New("master unavailable")

// Client is the worker's HTTP client for the master API.
type Client struct {
	baseURL  string
	workerID string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient builds a client with the standard 10s per-request timeout.
func NewClient(baseURL, workerID string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		workerID: workerID,
		http:     &http.Client{Timeout: masterRequestTimeout},
		logger:   logger,
	}
}

// call sends one request with exponential backoff on transport
// errors and 5xx. 4xx responses return immediately: 409 maps to
// ErrAbandonUnit, everything else is a hard protocol error.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < masterRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := masterRetryBase << (attempt - 1)
			if delay > masterRetryCap {
				delay = masterRetryCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return errNoContent
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrAbandonUnit, string(raw))
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("master HTTP %d", resp.StatusCode)
		default:
			return fmt.Errorf("master HTTP %d: %s", resp.StatusCode, string(raw))
		}
	}
	return fmt.Errorf("%w: %v", errMasterUnavailable, lastErr)
}

var errNoContent = errors.New("no content")

// Register announces the worker; the master may assign the ID.
func (c *Client) Register(ctx context.Context) (string, error) {
	var resp struct {
		WorkerID string `json:"worker_id"`
	}
	err := c.call(ctx, http.MethodPost, "/api/register",
		map[string]any{"worker_id": c.workerID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.WorkerID != "" {
		c.workerID = resp.WorkerID
	}
	return c.workerID, nil
}

// WorkAssignment is the claimed unit as served by /api/work.
type WorkAssignment struct {
	WorkID           string `json:"work_id"`
	Language         string `json:"language"`
	Source           string `json:"source"`
	RangeStart       string `json:"range_start"`
	RangeEnd         string `json:"range_end"`
	EstimatedEntries int    `json:"estimated_entries"`
}

// RequestWork claims the next pending unit. Returns (nil, nil) when no
// work is pending.
func (c *Client) RequestWork(ctx context.Context) (*WorkAssignment, error) {
	var unit WorkAssignment
	err := c.call(ctx, http.MethodGet, "/api/work?worker_id="+url.QueryEscape(c.workerID), nil, &unit)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ReportProgress sends the cumulative count and current EWMA rate.
func (c *Client) ReportProgress(ctx context.Context, workID string, processed int, rate float64, softErrors []database.UnitError) error {
	return c.call(ctx, http.MethodPost, "/api/work/"+url.PathEscape(workID)+"/progress",
		map[string]any{
			"worker_id":         c.workerID,
			"entries_processed": processed,
			"current_rate":      rate,
			"errors":            softErrors,
		}, nil)
}

// Complete reports the final count for the unit.
func (c *Client) Complete(ctx context.Context, workID string, finalCount int, success bool) error {
	return c.call(ctx, http.MethodPost, "/api/work/"+url.PathEscape(workID)+"/complete",
		map[string]any{
			"worker_id":         c.workerID,
			"entries_processed": finalCount,
			"success":           success,
		}, nil)
}

// Heartbeat signals liveness independent of pipeline state.
func (c *Client) Heartbeat(ctx context.Context, status, currentWorkID string) error {
	return c.call(ctx, http.MethodPost, "/api/heartbeat",
		map[string]any{
			"worker_id":       c.workerID,
			"status":          status,
			"current_work_id": currentWorkID,
		}, nil)
}
