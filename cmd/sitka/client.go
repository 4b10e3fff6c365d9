// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

// apiClient is a minimal HTTP client for the reasoner API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type startRunRequest struct {
	Task   datatypes.Task       `json:"task"`
	Config *datatypes.RunConfig `json:"config,omitempty"`
}

type startRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (c *apiClient) startRun(task datatypes.Task, cfg *datatypes.RunConfig) (string, error) {
	var resp startRunResponse
	if err := c.do(http.MethodPost, "/v1/runs", startRunRequest{Task: task, Config: cfg}, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *apiClient) status(runID string) (datatypes.StatusSnapshot, error) {
	var snap datatypes.StatusSnapshot
	err := c.do(http.MethodGet, "/v1/runs/"+runID, nil, &snap)
	return snap, err
}

func (c *apiClient) trace(runID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(http.MethodGet, "/v1/runs/"+runID+"/trace", nil, &raw)
	return raw, err
}

type cancelResponse struct {
	RunID   string `json:"run_id"`
	Outcome string `json:"outcome"`
}

func (c *apiClient) cancel(runID string) (cancelResponse, error) {
	var resp cancelResponse
	err := c.do(http.MethodDelete, "/v1/runs/"+runID, nil, &resp)
	return resp, err
}

type listResponse struct {
	Runs []datatypes.RunSummary `json:"runs"`
}

func (c *apiClient) list() ([]datatypes.RunSummary, error) {
	var resp listResponse
	err := c.do(http.MethodGet, "/v1/runs", nil, &resp)
	return resp.Runs, err
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reasoner service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
