package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"servis-go/internal/protocol"
)

// ToolCall is the JSON-RPC-like body POSTed to a service's /mcp endpoint.
type ToolCall struct {
	Method string         `json:"method"`
	Params ToolCallParams `json:"params"`
}

// ToolCallParams names the tool and carries its arguments.
type ToolCallParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// MethodToolsCall is the only method the control plane issues.
const MethodToolsCall = "tools/call"

const maxResponseBody = 1 << 20

// HTTPCaller calls services over plain HTTP.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller returns a caller whose requests time out after timeout.
func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	return &HTTPCaller{client: &http.Client{Timeout: timeout}}
}

// Call POSTs a tools/call body to http://host:port/mcp. Any non-2xx status is
// a protocol.ErrServiceError.
func (c *HTTPCaller) Call(ctx context.Context, e Entry, tool string, args map[string]string) (Result, error) {
	if args == nil {
		args = map[string]string{}
	}
	body, err := json.Marshal(ToolCall{
		Method: MethodToolsCall,
		Params: ToolCallParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal tool call: %w", err)
	}

	url := "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + "/mcp"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", protocol.ErrServiceError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{StatusCode: resp.StatusCode, Body: data}
	if err != nil {
		return res, fmt.Errorf("%w: read response: %w", protocol.ErrServiceError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("%w: status %d", protocol.ErrServiceError, resp.StatusCode)
	}
	return res, nil
}
