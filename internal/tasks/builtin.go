// Package tasks provides the handlers that task definitions in the config
// file can reference symbolically, e.g.
//
//	jobs:
//	  tasks:
//	    - slug: ping
//	      handler: builtin#http
//	      retries: {attempts: 3, backoff: {delay: 1000, type: exponential}}
package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/ChuLiYu/jobflow/internal/registry"
)

const (
	RefEcho  = "builtin#echo"
	RefHTTP  = "builtin#http"
	RefShell = "builtin#shell"
	RefSleep = "builtin#sleep"

	maxBody = 64 << 10
)

var ErrMissingInput = errors.New("missing input")

// Builtins returns a resolver holding every builtin handler. client is used
// by builtin#http; nil means a client with a 30s timeout.
func Builtins(client *http.Client) registry.HandlerMap {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return registry.HandlerMap{
		RefEcho:  Echo,
		RefHTTP:  HTTP(client),
		RefShell: Shell,
		RefSleep: Sleep,
	}
}

// Echo returns its input as output.
func Echo(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
	return registry.TaskResult{Output: args.Input}, nil
}

// HTTP calls input.url with input.method (GET) and optional input.body and
// input.headers. A status of 400 or above fails the attempt.
func HTTP(client *http.Client) registry.TaskHandler {
	return func(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
		url, _ := args.Input["url"].(string)
		if url == "" {
			return registry.TaskResult{}, fmt.Errorf("%w: url", ErrMissingInput)
		}
		method, _ := args.Input["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if b, ok := args.Input["body"].(string); ok && b != "" {
			body = strings.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
		if err != nil {
			return registry.TaskResult{}, fmt.Errorf("build request: %w", err)
		}
		if headers, ok := args.Input["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprint(v))
			}
		}
		if args.Request.ID != "" {
			req.Header.Set("X-Request-ID", args.Request.ID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return registry.TaskResult{}, fmt.Errorf("http %s %s: %w", method, url, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return registry.TaskResult{}, fmt.Errorf("read response: %w", err)
		}

		out := map[string]any{"status": resp.StatusCode, "body": string(raw)}
		if resp.StatusCode >= 400 {
			return registry.TaskResult{Output: out}, fmt.Errorf("http %s %s: status %d", method, url, resp.StatusCode)
		}
		return registry.TaskResult{Output: out}, nil
	}
}

// Shell runs input.command with input.args. A non-zero exit fails the
// attempt; stdout and stderr are kept in the output either way.
func Shell(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
	name, _ := args.Input["command"].(string)
	if name == "" {
		return registry.TaskResult{}, fmt.Errorf("%w: command", ErrMissingInput)
	}
	var argv []string
	if list, ok := args.Input["args"].([]any); ok {
		for _, a := range list {
			argv = append(argv, fmt.Sprint(a))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	out := map[string]any{
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": cmd.ProcessState.ExitCode(),
	}
	if err != nil {
		return registry.TaskResult{Output: out}, fmt.Errorf("%s: %w", name, err)
	}
	return registry.TaskResult{Output: out}, nil
}

// Sleep waits input.ms milliseconds, or until the attempt deadline.
func Sleep(ctx context.Context, args registry.TaskArgs) (registry.TaskResult, error) {
	var ms float64
	switch v := args.Input["ms"].(type) {
	case int:
		ms = float64(v)
	case float64:
		ms = v
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return registry.TaskResult{}, ctx.Err()
	case <-timer.C:
		return registry.TaskResult{Output: map[string]any{"slept": ms}}, nil
	}
}
