package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPRegistryClient implements RegistryClient over a JSON-RPC HTTP
// endpoint. The catalog protocol is plain JSON, so no generated client
// stubs are involved.
type HTTPRegistryClient struct {
	endpoint string
	http     *http.Client
	headers  http.Header
	id       uint64
}

// RegistryHTTPOption configures an HTTPRegistryClient.
type RegistryHTTPOption func(*HTTPRegistryClient)

// WithRegistryHTTPClient overrides the underlying *http.Client.
func WithRegistryHTTPClient(c *http.Client) RegistryHTTPOption {
	return func(cl *HTTPRegistryClient) { cl.http = c }
}

// WithRegistryHeader adds a static header to every outgoing request.
func WithRegistryHeader(name, value string) RegistryHTTPOption {
	return func(cl *HTTPRegistryClient) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithRegistryBearerToken sends an Authorization Bearer token on every
// request.
func WithRegistryBearerToken(token string) RegistryHTTPOption {
	return WithRegistryHeader("Authorization", "Bearer "+token)
}

// NewHTTPRegistryClient constructs a client against endpoint, the catalog's
// JSON-RPC URL.
func NewHTTPRegistryClient(endpoint string, opts ...RegistryHTTPOption) *HTTPRegistryClient {
	cl := &HTTPRegistryClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

var _ RegistryClient = (*HTTPRegistryClient)(nil)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("addon registry error %d: %s", e.Code, e.Message)
}

func (cl *HTTPRegistryClient) nextID() uint64 { return atomic.AddUint64(&cl.id, 1) }

func (cl *HTTPRegistryClient) call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: cl.nextID(), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range cl.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := cl.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("addon registry http status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// ListAddons invokes the "addons/list" method on the remote catalog.
func (cl *HTTPRegistryClient) ListAddons(ctx context.Context) ([]*AddonInfo, error) {
	var infos []*AddonInfo
	if err := cl.call(ctx, "addons/list", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// DescribeAddon invokes the "addons/describe" method on the remote catalog.
func (cl *HTTPRegistryClient) DescribeAddon(ctx context.Context, name string) (*AddonInfo, error) {
	var info AddonInfo
	if err := cl.call(ctx, "addons/describe", map[string]any{"name": name}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
