package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"orchestrator/pkg/logging"
)

const httpSubsystem = "services"

// ArrAPI is a thin JSON client shared by the arr-family HTTP clients
// (radarr, sonarr, prowlarr), grounded on
// original_source/orchestrator/clients/arr.py's ArrAPI: every request
// carries the X-Api-Key header, a 4xx or 5xx response is an error, and
// connection/5xx failures go through the shared retry policy.
type ArrAPI struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewArrAPI builds an ArrAPI with a 10s request timeout, matching the
// original's default.
func NewArrAPI(baseURL, apiKey string) *ArrAPI {
	return &ArrAPI{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetJSON issues a GET and decodes the JSON response body into out.
func (a *ArrAPI) GetJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeIfPresent(resp, out)
}

// PostJSON issues a POST with a JSON-encoded body and decodes the
// response into out, if out is non-nil and the response has a body.
func (a *ArrAPI) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	resp, err := a.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeIfPresent(resp, out)
}

// PutJSON issues a PUT with a JSON-encoded body and decodes the
// response into out, if out is non-nil and the response has a body.
func (a *ArrAPI) PutJSON(ctx context.Context, path string, body, out interface{}) error {
	resp, err := a.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeIfPresent(resp, out)
}

// RawPost issues a POST and returns the raw response. When the server
// answers with a non-retried 4xx or 5xx status, the response (body
// already consumed) is returned together with the error, so callers can
// branch on the status code, e.g. for upsert-then-409-falls-back-to-edit
// flows.
func (a *ArrAPI) RawPost(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return a.do(ctx, http.MethodPost, path, body)
}

// Delete issues a DELETE request, discarding any response body.
func (a *ArrAPI) Delete(ctx context.Context, path string) error {
	resp, err := a.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *ArrAPI) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	resp, err := doWithRetry(ctx, func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", a.APIKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return a.Client.Do(req)
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, fmt.Errorf("%s %s: %w", method, path, &httpStatusError{status: resp.StatusCode, body: string(data)})
	}

	return resp, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// StatusOf extracts the HTTP status code from an error returned by
// ArrAPI, or 0 if err did not come from an HTTP response.
func StatusOf(err error) int {
	var se *httpStatusError
	if ok := asHTTPStatusError(err, &se); ok {
		return se.status
	}
	return 0
}

func asHTTPStatusError(err error, target **httpStatusError) bool {
	for err != nil {
		if se, ok := err.(*httpStatusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func decodeIfPresent(resp *http.Response, out interface{}) error {
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// WaitForReady polls url until it responds with a status under 500 or
// the deadline passes. Connection refused (and any transport error)
// keeps waiting rather than failing immediately.
func WaitForReady(ctx context.Context, url string, timeout, interval time.Duration) (bool, string) {
	client := &http.Client{Timeout: 5 * time.Second}
	deadline := time.Now().Add(timeout)
	var lastErr string

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return true, fmt.Sprintf("%s ready (%d)", url, resp.StatusCode)
				}
				lastErr = fmt.Sprintf("HTTP %d", resp.StatusCode)
			} else {
				lastErr = err.Error()
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err().Error()
		case <-time.After(interval):
		}
	}

	return false, fmt.Sprintf("timeout waiting for %s: %s", url, orDefault(lastErr, "no response"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// WaitForCredentialFile polls dir for filename to appear and extract a
// non-empty value via extract, using fsnotify to wake promptly on the
// file's creation/write and falling back to polling on an interval if
// the watch itself cannot be established — the same fsnotify-with-
// polling-fallback shape as the teacher's certificate watcher,
// generalized from a continuous watch to a single wait-for-value.
func WaitForCredentialFile(ctx context.Context, dir, filename string, timeout time.Duration, extract func([]byte) (string, bool)) (string, error) {
	target := filepath.Join(dir, filename)
	deadline := time.Now().Add(timeout)

	tryRead := func() (string, bool) {
		data, err := os.ReadFile(target)
		if err != nil {
			return "", false
		}
		return extract(data)
	}

	if value, ok := tryRead(); ok {
		return value, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn(httpSubsystem, "fsnotify unavailable for %s, falling back to polling: %v", target, err)
		return pollForCredentialFile(ctx, tryRead, deadline)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		logging.Warn(httpSubsystem, "failed to watch %s, falling back to polling: %v", dir, err)
		return pollForCredentialFile(ctx, tryRead, deadline)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return pollForCredentialFile(ctx, tryRead, deadline)
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if value, ok := tryRead(); ok {
				return value, nil
			}
		case <-watcher.Errors:
			// keep waiting; the ticker below still retries on a timer
		case <-ticker.C:
			if value, ok := tryRead(); ok {
				return value, nil
			}
		}
	}

	return "", fmt.Errorf("timeout waiting for credential in %s", target)
}

// Field is one entry in an *arr settings schema's field list, as
// returned by the downloadclient/indexer/application schema and
// instance endpoints.
type Field struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value,omitempty"`
}

// SetFieldValues returns a copy of fields with each entry whose Name
// appears in overrides given that override's value. Fields not named
// in overrides pass through unchanged.
func SetFieldValues(fields []Field, overrides map[string]interface{}) []Field {
	updated := make([]Field, len(fields))
	for i, f := range fields {
		updated[i] = f
		if v, ok := overrides[f.Name]; ok {
			updated[i].Value = v
		}
	}
	return updated
}

// ChangeStep is one (changed, message) outcome from an ensure sub-step,
// the unit DescribeChanges aggregates.
type ChangeStep struct {
	Changed bool
	Message string
}

// DescribeChanges aggregates a sequence of ensure sub-step outcomes
// into one changed flag and a single semicolon-joined summary string.
func DescribeChanges(steps ...ChangeStep) (bool, string) {
	var changed bool
	var messages []string
	for _, step := range steps {
		if step.Changed {
			changed = true
		}
		if step.Message != "" {
			messages = append(messages, step.Message)
		}
	}
	return changed, strings.Join(messages, "; ")
}

func pollForCredentialFile(ctx context.Context, tryRead func() (string, bool), deadline time.Time) (string, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			if value, ok := tryRead(); ok {
				return value, nil
			}
		}
	}
	return "", fmt.Errorf("timeout waiting for credential file")
}
