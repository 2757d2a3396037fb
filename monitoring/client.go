// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitoring is the operator-side status client: a one-shot
// snapshot fetch over HTTP and a live follow mode over the master's
// websocket stream.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aqea/aqea-extractor/services/master"
)

// Client talks to one master's status endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient accepts the master base URL, e.g. "http://master:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches one snapshot.
func (c *Client) Status(ctx context.Context) (*master.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("master returned HTTP %d: %s", resp.StatusCode, raw)
	}
	var st master.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Watch follows the live status stream, invoking fn per snapshot until
// ctx ends or the stream drops.
func (c *Client) Watch(ctx context.Context, fn func(*master.Status)) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/status/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var st master.Status
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("status stream: %w", err)
		}
		fn(&st)
	}
}
