package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/internal/api"
	"github.com/ChuLiYu/swarm-coordinator/internal/coordinator"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// adminClient talks to the admin API of a running coordinator.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) *adminClient {
	if addr == "" {
		addr = api.DefaultAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &adminClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach coordinator at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *adminClient) cluster(ctx context.Context) (coordinator.ClusterView, error) {
	var view coordinator.ClusterView
	err := c.do(ctx, http.MethodGet, "/api/v1/cluster", nil, &view)
	return view, err
}

func (c *adminClient) ban(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(nodeID)+"/ban", nil, nil)
}

func (c *adminClient) unban(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/nodes/"+url.PathEscape(nodeID)+"/ban", nil, nil)
}

func (c *adminClient) submit(ctx context.Context, payload map[string]any, priority int) (types.JobID, error) {
	var resp api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", api.SubmitRequest{Payload: payload, Priority: priority}, &resp)
	return resp.JobID, err
}

// reportJob tells the coordinator a job ended on a remote worker.
func (c *adminClient) reportJob(ctx context.Context, jobID types.JobID, jobErr error) error {
	if jobErr != nil {
		return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(string(jobID))+"/fail", api.ReportRequest{Reason: jobErr.Error()}, nil)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(string(jobID))+"/complete", api.ReportRequest{}, nil)
}
