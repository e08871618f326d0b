package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskflow"
)

// HTTPKind fetches a URL. Settings: "url" (required, may reference inputs as
// {key}), "method", "headers", "body", "json" and "timeout". A JSON response
// is decoded; any other response is returned as a string. Non-2xx responses
// fail the task.
type HTTPKind struct {
	client *http.Client
}

func NewHTTPKind(client *http.Client) *HTTPKind {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPKind{client: client}
}

func (k *HTTPKind) Name() string {
	return "http"
}

func (k *HTTPKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	url, ok, err := stringSetting(def, "url")
	if err != nil {
		return nil, err
	}
	if !ok || url == "" {
		return nil, errors.New("http task requires 'url' setting")
	}
	if _, err := taskflow.TemplateFields(url); err != nil {
		return nil, err
	}
	method, _, err := stringSetting(def, "method")
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	headers := map[string]string{}
	if raw, ok := def.With["headers"]; ok {
		values, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("headers must be a map, got %T", raw)
		}
		for key, value := range values {
			headers[key] = fmt.Sprint(value)
		}
	}
	var payload []byte
	if raw, ok := def.With["json"]; ok {
		payload, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal json payload: %w", err)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	} else if body, ok, err := stringSetting(def, "body"); err != nil {
		return nil, err
	} else if ok {
		payload = []byte(body)
	}
	timeout, ok, err := durationSetting(def, "timeout")
	if err != nil {
		return nil, err
	}
	if !ok {
		timeout = 30 * time.Second
	}

	return func(ctx context.Context, inputs map[string]any) (any, error) {
		target, err := taskflow.ResolvePath(url, inputs)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		resp, err := k.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s %s: %s: %s", req.Method, target, resp.Status, strings.TrimSpace(string(data)))
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			var value any
			if err := dec.Decode(&value); err != nil {
				return nil, fmt.Errorf("failed to decode json response: %w", err)
			}
			return normalizeJSON(value), nil
		}
		return string(data), nil
	}, nil
}

// normalizeJSON converts json.Number values to int64 or float64.
func normalizeJSON(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeJSON(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeJSON(item)
		}
		return v
	default:
		return value
	}
}
