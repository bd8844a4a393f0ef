// Package adminclient implements C8: thin REST clients over the router
// and writer admin endpoints used during a split. Retry uses
// k8s.io/apimachinery/pkg/util/wait.Backoff, the same primitive family C1
// uses for polling, rather than introducing a second retry library purely
// for HTTP.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/accessmesh/controlplane/internal/cperrors"
)

// Backoff governs retries of transient transport failures. Any non-2xx
// response, including 5xx, is never retried.
var Backoff = wait.Backoff{
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Steps:    5,
}

// RouterAdminClient is the thin control-plane client over a splitter
// router's admin endpoints.
type RouterAdminClient struct {
	baseURL string
	http    *http.Client
}

// NewRouterAdminClient builds a client against baseURL (the router's
// internal service URL).
func NewRouterAdminClient(baseURL string, httpClient *http.Client) *RouterAdminClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RouterAdminClient{baseURL: baseURL, http: httpClient}
}

// SetRoutingOn toggles whether the router forwards to the target range.
func (c *RouterAdminClient) SetRoutingOn(ctx context.Context, on bool) error {
	body, _ := json.Marshal(struct {
		On bool `json:"on"`
	}{On: on})
	return doWithRetry(ctx, c.http, http.MethodPost, c.baseURL+"/routing", body, "router")
}

// PauseOperations asks the router to hold new queries/events.
func (c *RouterAdminClient) PauseOperations(ctx context.Context) error {
	return doWithRetry(ctx, c.http, http.MethodPost, c.baseURL+"/pause", nil, "router")
}

// ResumeOperations releases a prior PauseOperations.
func (c *RouterAdminClient) ResumeOperations(ctx context.Context) error {
	return doWithRetry(ctx, c.http, http.MethodPost, c.baseURL+"/resume", nil, "router")
}

// WriterAdminClient is the thin control-plane client over a writer's
// admin endpoints.
type WriterAdminClient struct {
	baseURL string
	http    *http.Client
}

// NewWriterAdminClient builds a client against baseURL (the writer's
// external or internal service URL, depending on the caller).
func NewWriterAdminClient(baseURL string, httpClient *http.Client) *WriterAdminClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WriterAdminClient{baseURL: baseURL, http: httpClient}
}

type inflightResponse struct {
	Count int `json:"count"`
}

// InFlightEventCount reports the writer's current in-flight operation
// count, polled by the event copier before it declares its final batch
// complete.
func (c *WriterAdminClient) InFlightEventCount(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/writer/inflight", nil)
	if err != nil {
		return 0, cperrors.New(cperrors.DownstreamError, "writer", "", "failed to build request", err)
	}

	var result inflightResponse
	err = retryOnTransient(func() error {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		if err := errorForStatus(resp.StatusCode, "writer"); err != nil {
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return 0, wrapIfNeeded(err, "writer")
	}
	return result.Count, nil
}

func doWithRetry(ctx context.Context, httpClient *http.Client, method, url string, body []byte, entity string) error {
	err := retryOnTransient(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, url, reader)
		if reqErr != nil {
			return reqErr
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, doErr := httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		return errorForStatus(resp.StatusCode, entity)
	})
	return wrapIfNeeded(err, entity)
}

// retryOnTransient retries fn only on raw transport errors (dial refused,
// context deadline, connection reset). Any response that reached
// errorForStatus, including a 5xx, is a persistent failure and is
// returned immediately without retry.
func retryOnTransient(fn func() error) error {
	var last error
	_ = wait.ExponentialBackoff(Backoff, func() (bool, error) {
		err := fn()
		if err == nil {
			return true, nil
		}
		last = err
		if !isRetryable(err) {
			return false, err
		}
		return false, nil
	})
	return last
}

func isRetryable(err error) bool {
	var e *cperrors.Error
	if errorsAs(err, &e) {
		// Any status errorForStatus produced, including 5xx, is persistent:
		// the admin endpoint answered and said no.
		return false
	}
	// A non-cperrors error at this layer is a transport failure (dial
	// refused, context deadline, etc.) and is always retryable.
	return true
}

// errorsAs exists only to avoid importing errors solely for one As call in
// this file; behaves identically to errors.As for *cperrors.Error targets.
func errorsAs(err error, target **cperrors.Error) bool {
	type causer interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*cperrors.Error); ok {
			*target = e
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Unwrap()
	}
	return false
}

func wrapIfNeeded(err error, entity string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*cperrors.Error); ok {
		return err
	}
	return cperrors.New(cperrors.DownstreamError, entity, "", "admin request failed", err)
}

// errorForStatus maps an admin endpoint's HTTP status to a cperrors.Kind:
// 400 → InvalidArgument, 404 → NotFound-marked DownstreamError (callers for
// "contains"-type endpoints should treat NotFound as semantic absence),
// 5xx → DownstreamError (persistent, not retried), any other non-2xx →
// DownstreamError, 2xx → nil.
func errorForStatus(code int, entity string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 400:
		return cperrors.New(cperrors.InvalidArgument, entity, "", fmt.Sprintf("admin endpoint rejected request (%d)", code), nil)
	case code == 404:
		return cperrors.NewNotFound(cperrors.DownstreamError, entity, "", "admin endpoint reported not present", nil)
	case code >= 500:
		return cperrors.New(cperrors.DownstreamError, entity, "", fmt.Sprintf("admin endpoint error (%d)", code), nil)
	default:
		return cperrors.New(cperrors.DownstreamError, entity, "", fmt.Sprintf("unexpected admin endpoint status (%d)", code), nil)
	}
}
