package adminclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/accessmesh/controlplane/internal/cperrors"
)

func TestRouterAdminSetRoutingOnPostsBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/routing" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRouterAdminClient(srv.URL, nil)
	if err := c.SetRoutingOn(context.Background(), true); err != nil {
		t.Fatalf("SetRoutingOn: %v", err)
	}
	if gotBody == "" {
		t.Fatal("expected a request body")
	}
}

func TestRouterAdminPauseAndResume(t *testing.T) {
	var sawPause, sawResume bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pause":
			sawPause = true
		case "/resume":
			sawResume = true
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRouterAdminClient(srv.URL, nil)
	if err := c.PauseOperations(context.Background()); err != nil {
		t.Fatalf("PauseOperations: %v", err)
	}
	if err := c.ResumeOperations(context.Background()); err != nil {
		t.Fatalf("ResumeOperations: %v", err)
	}
	if !sawPause || !sawResume {
		t.Fatal("expected both pause and resume to be called")
	}
}

func TestRouterAdminRejectsBadRequestWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewRouterAdminClient(srv.URL, nil)
	err := c.SetRoutingOn(context.Background(), true)
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v (ok=%v)", kind, ok)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call for a 400, got %d", calls)
	}
}

func TestRouterAdminRejectsServerErrorWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRouterAdminClient(srv.URL, nil)
	err := c.PauseOperations(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.DownstreamError {
		t.Fatalf("expected DownstreamError, got %v (ok=%v)", kind, ok)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call for a 503, got %d", calls)
	}
}

func TestWriterAdminInFlightEventCountDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/writer/inflight" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count": 7}`))
	}))
	defer srv.Close()

	c := NewWriterAdminClient(srv.URL, nil)
	count, err := c.InFlightEventCount(context.Background())
	if err != nil {
		t.Fatalf("InFlightEventCount: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected 7, got %d", count)
	}
}

func TestWriterAdminNotFoundIsReportedAsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewWriterAdminClient(srv.URL, nil)
	_, err := c.InFlightEventCount(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !cperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
