package controlclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/endpoint"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h2c.NewHandler(handler, &http2.Server{}))
	t.Cleanup(srv.Close)
	c, err := New(endpoint.Endpoint{Scheme: "http", Address: srv.URL, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func TestExecuteParsesFramesUntilEnd(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != controlapi.ExecutePath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"stdout\",\"executionId\":\"exec-1\",\"data\":\"hi\\n\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"end\",\"executionId\":\"exec-1\",\"exitCode\":2,\"reason\":\"exited\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"stdout\",\"executionId\":\"exec-1\",\"data\":\"ignored\"}\n\n")
	}))

	var frames []controlapi.StreamFrame
	end, err := c.Execute(context.Background(), controlapi.ExecuteRequest{Code: "x"}, func(f controlapi.StreamFrame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("unexpected frame count: got %d want 2", len(frames))
	}
	if frames[0].Data != "hi\n" {
		t.Fatalf("unexpected stdout frame: %+v", frames[0])
	}
	if end.Type != "end" || end.ExitCode == nil || *end.ExitCode != 2 {
		t.Fatalf("unexpected end frame: %+v", end)
	}
}

func TestExecuteReportsTruncatedStream(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"stdout\",\"data\":\"partial\"}\n\n")
	}))

	_, err := c.Execute(context.Background(), controlapi.ExecuteRequest{Code: "x"}, nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestExecuteStopsWhenCallbackFails(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"stdout\",\"data\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	detach := errors.New("detach")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Execute(ctx, controlapi.ExecuteRequest{Code: "x"}, func(controlapi.StreamFrame) error { return detach })
	if !errors.Is(err, detach) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestHTTPErrorsCarryCode(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case controlapi.ExecuteInputPath:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"process not accepting input","code":"process_not_accepting_input"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "upstream down")
		}
	}))

	err := c.SendInput(context.Background(), controlapi.InputRequest{ExecutionID: "exec-1", Input: "x"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusConflict || !IsCode(err, "process_not_accepting_input") {
		t.Fatalf("unexpected error: %+v", httpErr)
	}

	err = c.Stop(context.Background(), controlapi.StopRequest{ExecutionID: "exec-1"})
	if err == nil || IsCode(err, "process_not_accepting_input") {
		t.Fatalf("expected plain status error, got %v", err)
	}
	if got, want := err.Error(), "502 Bad Gateway: upstream down"; got != want {
		t.Fatalf("unexpected error text: got %q want %q", got, want)
	}
}
