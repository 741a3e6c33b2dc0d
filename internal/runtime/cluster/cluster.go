// Copyright 2025 The Ruleline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster runs activation workers on a remote orchestrator through
// its workload REST API. The daemon holds only a base URL and a bearer
// token; scheduling, image pulls, and restarts of the orchestrator itself
// are the remote side's concern.
package cluster

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Name is the backend identifier for cluster execution.
const Name = "cluster"

// Config holds cluster backend configuration.
type Config struct {
	// BaseURL is the orchestrator API root, e.g. https://orch.internal:8443.
	BaseURL string

	// Token is the bearer token presented on every request.
	Token string

	// Timeout bounds non-streaming API calls (default 30s).
	Timeout time.Duration

	// InsecureSkipVerify disables TLS verification. For lab setups only.
	InsecureSkipVerify bool
}

// Engine is the remote orchestrator backend.
type Engine struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a cluster engine for the given orchestrator.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: log.WithComponent(logger, "runtime.cluster"),
	}
}

// Name returns the backend identifier.
func (e *Engine) Name() string { return Name }

// workloadRequest is the orchestrator's workload creation payload.
type workloadRequest struct {
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Command  []string          `json:"command,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	MemLimit string            `json:"memLimit,omitempty"`
}

// Create registers a workload with the orchestrator.
func (e *Engine) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	if spec.Secret != "" {
		env["RULELINE_WORKER_SECRET"] = spec.Secret
	}

	req := workloadRequest{
		Name:     spec.Name,
		Image:    spec.Image,
		Command:  spec.Command,
		Env:      env,
		MemLimit: spec.MemLimit,
	}

	var resp struct {
		ID string `json:"id"`
	}
	err := runtime.WithRetry(ctx, runtime.DefaultRetry, func(ctx context.Context) error {
		return e.doJSON(ctx, http.MethodPost, "/api/v1/workloads", req, &resp)
	})
	if err != nil {
		return "", err
	}
	return runtime.Handle(resp.ID), nil
}

// Start asks the orchestrator to schedule a created workload.
func (e *Engine) Start(ctx context.Context, h runtime.Handle) error {
	return runtime.WithRetry(ctx, runtime.DefaultRetry, func(ctx context.Context) error {
		return e.doJSON(ctx, http.MethodPost, "/api/v1/workloads/"+url.PathEscape(string(h))+"/start", nil, nil)
	})
}

// Stop requests workload termination with the given grace period.
// Stopping a finished or missing workload succeeds.
func (e *Engine) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	path := fmt.Sprintf("/api/v1/workloads/%s/stop?gracePeriodSeconds=%d",
		url.PathEscape(string(h)), int(grace/time.Second))
	err := runtime.WithRetry(ctx, runtime.DefaultRetry, func(ctx context.Context) error {
		return e.doJSON(ctx, http.MethodPost, path, nil, nil)
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

// workloadStatus is the orchestrator's workload status payload.
type workloadStatus struct {
	Phase    string `json:"phase"`
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason"`
}

// Inspect reports the workload's phase. A missing workload yields
// StateUnknown with a nil error.
func (e *Engine) Inspect(ctx context.Context, h runtime.Handle) (runtime.Status, error) {
	var ws workloadStatus
	err := e.doJSON(ctx, http.MethodGet, "/api/v1/workloads/"+url.PathEscape(string(h)), nil, &ws)
	if isNotFound(err) {
		return runtime.Status{State: runtime.StateUnknown, Message: "no such workload"}, nil
	}
	if err != nil {
		return runtime.Status{}, err
	}

	switch ws.Phase {
	case "running":
		return runtime.Status{State: runtime.StateRunning}, nil
	case "succeeded":
		return runtime.Status{State: runtime.StateExited, ExitCode: 0}, nil
	case "failed":
		code := ws.ExitCode
		if code == 0 {
			code = 1
		}
		return runtime.Status{State: runtime.StateExited, ExitCode: code, Message: ws.Reason}, nil
	default:
		// pending, scheduling, and future phases.
		return runtime.Status{State: runtime.StateUnknown, Message: ws.Phase}, nil
	}
}

// logRecord is one line of the orchestrator's NDJSON log stream.
type logRecord struct {
	Timestamp time.Time `json:"ts"`
	Line      string    `json:"line"`
}

// StreamLogs follows the orchestrator's log stream from since.
func (e *Engine) StreamLogs(ctx context.Context, h runtime.Handle, since time.Time) (<-chan runtime.LogLine, error) {
	q := url.Values{}
	q.Set("follow", "true")
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/v1/workloads/" + url.PathEscape(string(h)) + "/logs?" + q.Encode()

	resp, err := e.doStream(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make(chan runtime.LogLine, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var rec logRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				continue
			}
			if rec.Timestamp.IsZero() {
				rec.Timestamp = time.Now()
			}
			select {
			case out <- runtime.LogLine{Timestamp: rec.Timestamp, Text: rec.Line}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Remove deletes a workload. A missing workload is not an error.
func (e *Engine) Remove(ctx context.Context, h runtime.Handle) error {
	err := runtime.WithRetry(ctx, runtime.DefaultRetry, func(ctx context.Context) error {
		return e.doJSON(ctx, http.MethodDelete, "/api/v1/workloads/"+url.PathEscape(string(h))+"?force=true", nil, nil)
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

// doJSON issues a bounded API call with optional JSON request and response
// bodies.
func (e *Engine) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode workload request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := e.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &errors.AdapterFailureError{
			Backend: Name, Operation: method + " " + path,
			Message: "orchestrator unreachable", Transient: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errors.AdapterFailureError{
			Backend:   Name,
			Operation: method + " " + path,
			Message:   fmt.Sprintf("%d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode workload response")
	}
	return nil
}

// doStream issues a long-lived request without the call timeout.
func (e *Engine) doStream(ctx context.Context, path string) (*http.Response, error) {
	req, err := e.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &errors.AdapterFailureError{
			Backend: Name, Operation: "GET " + path,
			Message: "orchestrator unreachable", Transient: true, Cause: err,
		}
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &errors.AdapterFailureError{
			Backend:   Name,
			Operation: "GET " + path,
			Message:   fmt.Sprintf("%d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			Transient: resp.StatusCode >= 500,
		}
	}
	return resp, nil
}

func (e *Engine) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(e.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build workload request")
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// isNotFound reports whether err is an orchestrator 404.
func isNotFound(err error) bool {
	var af *errors.AdapterFailureError
	if !errors.As(err, &af) {
		return false
	}
	return strings.HasPrefix(af.Message, "404")
}

var _ runtime.Engine = (*Engine)(nil)
