package coordinatorrouter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
)

// RESTShardClient is the production ShardClient: it POSTs a Request's Body
// to the target shard's query or event endpoint and returns the response
// body verbatim. Unlike adminclient (C8), this client never retries: a
// coordinator forwarding a live query has no batching boundary to resume
// from, so a transient failure is reported straight back to the caller.
type RESTShardClient struct {
	http *http.Client
}

// NewRESTShardClient builds a client using httpClient, or http.DefaultClient
// if nil.
func NewRESTShardClient(httpClient *http.Client) *RESTShardClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RESTShardClient{http: httpClient}
}

// Forward POSTs req.Body to target's /query or /event path, chosen by
// req.Operation.
func (c *RESTShardClient) Forward(ctx context.Context, target model.ClientConfig, req Request) (Response, error) {
	path := "/event"
	if req.Operation == model.OperationQuery {
		path = "/query"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, cperrors.New(cperrors.DownstreamError, string(req.Element), "", "failed to build shard request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, cperrors.New(cperrors.DownstreamError, string(req.Element), "", "shard request failed", err)
	}
	defer resp.Body.Close()

	if err := errorForStatus(resp.StatusCode, string(req.Element)); err != nil {
		return Response{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, cperrors.New(cperrors.DownstreamError, string(req.Element), "", "failed to read shard response", err)
	}
	return Response{Body: body}, nil
}

// errorForStatus extends adminclient's status-code map with the one
// addition the router needs: 503 means the shard is intentionally
// refusing work (e.g. paused mid-split), not failing.
func errorForStatus(code int, entity string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 400:
		return cperrors.New(cperrors.InvalidArgument, entity, "", fmt.Sprintf("shard rejected request (%d)", code), nil)
	case code == 404:
		return cperrors.NewNotFound(cperrors.DownstreamError, entity, "", "shard reported not present", nil)
	case code == http.StatusServiceUnavailable:
		return cperrors.New(cperrors.ServiceUnavailable, entity, "", "shard is refusing work", nil)
	case code >= 500:
		return cperrors.New(cperrors.DownstreamError, entity, "", fmt.Sprintf("shard error (%d)", code), nil)
	default:
		return cperrors.New(cperrors.DownstreamError, entity, "", fmt.Sprintf("unexpected shard status (%d)", code), nil)
	}
}
