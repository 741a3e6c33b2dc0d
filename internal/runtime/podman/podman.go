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

// Package podman runs activation workers as containers on a Podman engine,
// speaking the libpod REST API over a unix socket.
package podman

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruleline/ruleline/internal/log"
	"github.com/ruleline/ruleline/internal/runtime"
	"github.com/ruleline/ruleline/pkg/errors"
)

// Name is the backend identifier for Podman containers.
const Name = "podman"

const apiBase = "http://d/v4.0.0/libpod"

// Config holds Podman engine configuration.
type Config struct {
	// SocketPath is the Podman API unix socket
	// (e.g. /run/podman/podman.sock).
	SocketPath string

	// MemLimit is the default container memory limit in bytes when the
	// spec does not set one. Zero means unlimited.
	MemLimit int64
}

// Engine is the Podman container backend.
type Engine struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Podman engine talking to the given unix socket.
func New(cfg Config, logger *slog.Logger) *Engine {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: log.WithComponent(logger, "runtime.podman"),
	}
}

// Name returns the backend identifier.
func (e *Engine) Name() string { return Name }

// createBody is the libpod container create payload.
type createBody struct {
	Image          string            `json:"image"`
	Name           string            `json:"name,omitempty"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits *resourceLimits   `json:"resource_limits,omitempty"`
}

type resourceLimits struct {
	Memory struct {
		Limit int64 `json:"limit"`
	} `json:"memory"`
}

// Create pulls the image if needed and creates a container for the spec.
func (e *Engine) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	body := createBody{
		Image:   spec.Image,
		Name:    spec.Name,
		Command: spec.Command,
		Env:     workerEnv(spec),
	}
	if limit := memLimitBytes(spec.MemLimit, e.cfg.MemLimit); limit > 0 {
		body.ResourceLimits = &resourceLimits{}
		body.ResourceLimits.Memory.Limit = limit
	}

	created, err := e.tryCreate(ctx, body)
	if err == nil {
		return created, nil
	}

	// A missing image surfaces as a 404 on create; pull once and retry.
	var af *errors.AdapterFailureError
	if errors.As(err, &af) && strings.Contains(af.Message, "404") {
		e.logger.Info("image not present, pulling",
			slog.String("image", spec.Image))
		if pullErr := e.pullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		return e.tryCreate(ctx, body)
	}
	return "", err
}

func (e *Engine) tryCreate(ctx context.Context, body createBody) (runtime.Handle, error) {
	var resp struct {
		ID string `json:"Id"`
	}
	if err := e.doJSON(ctx, http.MethodPost, "/containers/create", body, &resp); err != nil {
		return "", err
	}
	return runtime.Handle(resp.ID), nil
}

func (e *Engine) pullImage(ctx context.Context, image string) error {
	path := "/images/pull?reference=" + url.QueryEscape(image)
	resp, err := e.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// The pull endpoint streams progress JSON and reports failure inline,
	// so drain the body and look for an error record.
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var ev struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&ev); err != nil {
			break
		}
		if ev.Error != "" {
			return &errors.AdapterFailureError{
				Backend: Name, Operation: "pull",
				Message: ev.Error, Transient: true,
			}
		}
	}
	return nil
}

// Start launches a created container. An already-running container (304)
// is not an error.
func (e *Engine) Start(ctx context.Context, h runtime.Handle) error {
	resp, err := e.do(ctx, http.MethodPost, "/containers/"+string(h)+"/start", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Stop halts a container, letting the engine escalate to SIGKILL after the
// grace timeout. Stopping a stopped or missing container succeeds.
func (e *Engine) Stop(ctx context.Context, h runtime.Handle, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	path := fmt.Sprintf("/containers/%s/stop?timeout=%d", h, secs)
	resp, err := e.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		if isBenignStop(err) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// isBenignStop reports whether a stop failure means the container is
// already gone or already stopped.
func isBenignStop(err error) bool {
	var af *errors.AdapterFailureError
	if !errors.As(err, &af) {
		return false
	}
	return strings.Contains(af.Message, "404") || strings.Contains(af.Message, "304")
}

// inspectResponse is the subset of the container inspect payload we read.
type inspectResponse struct {
	State struct {
		Status   string `json:"Status"`
		ExitCode int    `json:"ExitCode"`
		Error    string `json:"Error"`
	} `json:"State"`
}

// Inspect reports the container state. A missing container yields
// StateUnknown with a nil error.
func (e *Engine) Inspect(ctx context.Context, h runtime.Handle) (runtime.Status, error) {
	var info inspectResponse
	err := e.doJSON(ctx, http.MethodGet, "/containers/"+string(h)+"/json", nil, &info)
	if err != nil {
		var af *errors.AdapterFailureError
		if errors.As(err, &af) && strings.Contains(af.Message, "404") {
			return runtime.Status{State: runtime.StateUnknown, Message: "no such container"}, nil
		}
		return runtime.Status{}, err
	}

	switch info.State.Status {
	case "running":
		return runtime.Status{State: runtime.StateRunning}, nil
	case "exited", "stopped":
		return runtime.Status{
			State:    runtime.StateExited,
			ExitCode: info.State.ExitCode,
			Message:  info.State.Error,
		}, nil
	default:
		// created, paused, and anything the engine adds later.
		return runtime.Status{State: runtime.StateUnknown, Message: info.State.Status}, nil
	}
}

// StreamLogs follows container output from since, demultiplexing the
// engine's framed stream into timestamped lines.
func (e *Engine) StreamLogs(ctx context.Context, h runtime.Handle, since time.Time) (<-chan runtime.LogLine, error) {
	q := url.Values{}
	q.Set("follow", "true")
	q.Set("stdout", "true")
	q.Set("stderr", "true")
	q.Set("timestamps", "true")
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.Unix(), 10))
	}

	resp, err := e.do(ctx, http.MethodGet, "/containers/"+string(h)+"/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	out := make(chan runtime.LogLine, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		demuxFrames(ctx, resp.Body, out)
	}()
	return out, nil
}

// demuxFrames reads the 8-byte-header multiplexed log stream and emits one
// LogLine per text line. Header layout: stream type, three zero bytes, then
// a big-endian payload length.
func demuxFrames(ctx context.Context, r io.Reader, out chan<- runtime.LogLine) {
	br := bufio.NewReader(r)
	header := make([]byte, 8)
	var carry bytes.Buffer
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			flushLines(ctx, &carry, out, true)
			return
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if _, err := io.CopyN(&carry, br, int64(size)); err != nil {
			flushLines(ctx, &carry, out, true)
			return
		}
		flushLines(ctx, &carry, out, false)
	}
}

// flushLines drains complete lines from buf into out. When final is set,
// a trailing partial line is emitted too.
func flushLines(ctx context.Context, buf *bytes.Buffer, out chan<- runtime.LogLine, final bool) {
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			if final && line != "" {
				emitLine(ctx, line, out)
			} else if line != "" {
				// Partial line; put it back for the next frame.
				buf.WriteString(line)
			}
			return
		}
		emitLine(ctx, strings.TrimRight(line, "\r\n"), out)
	}
}

// emitLine splits the engine's timestamp prefix off a log line.
func emitLine(ctx context.Context, raw string, out chan<- runtime.LogLine) {
	line := runtime.LogLine{Timestamp: time.Now(), Text: raw}
	if idx := strings.IndexByte(raw, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
			line.Timestamp = ts
			line.Text = raw[idx+1:]
		}
	}
	select {
	case out <- line:
	case <-ctx.Done():
	}
}

// Remove force-removes a container. A missing container is not an error.
func (e *Engine) Remove(ctx context.Context, h runtime.Handle) error {
	resp, err := e.do(ctx, http.MethodDelete, "/containers/"+string(h)+"?force=true", nil)
	if err != nil {
		var af *errors.AdapterFailureError
		if errors.As(err, &af) && strings.Contains(af.Message, "404") {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// do issues a request against the libpod API and classifies failures.
// 2xx and 304 responses are success; everything else becomes an adapter
// failure carrying the status code and response body.
func (e *Engine) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build podman request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &errors.AdapterFailureError{
			Backend: Name, Operation: method + " " + path,
			Message: "engine unreachable", Transient: true, Cause: err,
		}
	}
	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, &errors.AdapterFailureError{
		Backend:   Name,
		Operation: method + " " + path,
		Message:   fmt.Sprintf("%d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		Transient: resp.StatusCode >= 500,
	}
}

// doJSON issues a request with a JSON body and decodes a JSON response.
func (e *Engine) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode podman request")
		}
		body = bytes.NewReader(buf)
	}

	resp, err := e.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode podman response")
	}
	return nil
}

// workerEnv merges the spec environment with the injected secret.
func workerEnv(spec runtime.Spec) map[string]string {
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	if spec.Secret != "" {
		env["RULELINE_WORKER_SECRET"] = spec.Secret
	}
	return env
}

// memLimitBytes parses a human limit like "512m" or "2g", falling back to
// the engine default.
func memLimitBytes(specLimit string, fallback int64) int64 {
	if specLimit == "" {
		return fallback
	}
	s := strings.ToLower(strings.TrimSpace(specLimit))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "g"):
		mult, s = 1<<30, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n * mult
}

var _ runtime.Engine = (*Engine)(nil)
