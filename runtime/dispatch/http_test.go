package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/step"
)

func newTestServer(t *testing.T, opts ...ServerOption) *httptest.Server {
	t.Helper()
	d := newDispatcher(t, "hello", func(ctx context.Context, in *function.Input[payload], tool *step.Tool) (any, error) {
		greeting, err := step.Run(ctx, tool, "greet", func(context.Context) (string, error) {
			return "hello " + in.Event.Name, nil
		})
		if err != nil {
			return nil, err
		}
		return greeting, nil
	}, WithAppID("app"))
	mux := goahttp.NewMuxer()
	Mount(mux, NewServer(d, opts...))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body []byte) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	return resp.StatusCode, strings.TrimSpace(string(b))
}

func TestServerRunsRounds(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + function.DefaultServePath + "?fnId=hello"

	status, body := post(t, url, requestBody(t, nil))
	assert.Equal(t, http.StatusPartialContent, status)
	assert.JSONEq(t, `[{"op":"Step","id":"greet","name":"greet","data":"hello test/event"}]`, body)

	status, body = post(t, url, requestBody(t, map[string]any{"greet": "hi"}))
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `"hi"`, body)
}

func TestServerRejectsMissingFnID(t *testing.T) {
	srv := newTestServer(t)

	status, body := post(t, srv.URL+function.DefaultServePath, requestBody(t, nil))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, ErrNameInvalidRequest)
}

func TestServerUnknownFunction(t *testing.T) {
	srv := newTestServer(t)

	status, body := post(t, srv.URL+function.DefaultServePath+"?fnId=nope", requestBody(t, nil))

	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, ErrNameNotFound)
}

func TestServerRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(t, WithMaxBodyBytes(16))

	status, _ := post(t, srv.URL+function.DefaultServePath+"?fnId=hello", requestBody(t, nil))

	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServerIntrospection(t *testing.T) {
	srv := newTestServer(t, WithSyncOptions(function.SyncOptions{ServeOrigin: "https://worker.example.com"}))

	resp, err := http.Get(srv.URL + function.DefaultServePath)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		AppID         string `json:"app_id"`
		FunctionCount int    `json:"function_count"`
		Sync          struct {
			AppName   string `json:"appName"`
			URL       string `json:"url"`
			Functions []struct {
				ID       string           `json:"id"`
				Triggers []map[string]any `json:"triggers"`
			} `json:"functions"`
		} `json:"sync"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "app", got.AppID)
	assert.Equal(t, 1, got.FunctionCount)
	assert.Equal(t, "app", got.Sync.AppName)
	assert.Equal(t, "https://worker.example.com/api/inngest", got.Sync.URL)
	require.Len(t, got.Sync.Functions, 1)
	assert.Equal(t, "hello", got.Sync.Functions[0].ID)
	assert.Equal(t, []map[string]any{{"event": "test/hello"}}, got.Sync.Functions[0].Triggers)
}

func TestServerPathFromEnvironment(t *testing.T) {
	t.Setenv(function.EnvServePath, "/custom")
	d := newDispatcher(t, "hello", func(context.Context, *function.Input[payload], *step.Tool) (any, error) {
		return nil, nil
	})

	s := NewServer(d)

	assert.Equal(t, "/custom", s.Path())
	require.Len(t, s.Mounts, 2)
	assert.Equal(t, "/custom", s.Mounts[0].Pattern)
}
