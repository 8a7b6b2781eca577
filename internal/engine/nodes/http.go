package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/casare-rpa/internal/credential"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
)

const maxResponseBody = 10 << 20

// httpRequestNode performs one HTTP call. Non-string bodies marshal to
// JSON; an optional credential spec in config is resolved through the
// chain and attached as a bearer header (auth_header/auth_scheme
// override the placement). Status >= 400 only fails the node when
// fail_on_error is set, so workflows can branch on the status output.
type httpRequestNode struct {
	n      domain.WorkflowNode
	client *http.Client
}

func newHTTPRequestNode(n domain.WorkflowNode) (engine.Node, error) {
	// No client timeout: the per-node deadline on ctx governs the call.
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("HTTPRequestNode %s %s", r.Method, r.URL.Host)
		}),
	)
	return &httpRequestNode{n: n, client: &http.Client{Transport: transport}}, nil
}

func (*httpRequestNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeHTTPRequest,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortExecOut},
		Inputs: []engine.PortSpec{
			{Name: "url", Type: "string"},
			{Name: "body", Type: "any"},
		},
		Outputs: []engine.PortSpec{
			{Name: "status", Type: "number"},
			{Name: "body", Type: "string"},
			{Name: "json", Type: "any"},
			{Name: "headers", Type: "object"},
		},
	}
}

func (h *httpRequestNode) Validate() error {
	if m, _ := h.n.Config["method"].(string); m != "" {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions:
		default:
			return fmt.Errorf("unsupported method %q", m)
		}
	}
	return nil
}

func (h *httpRequestNode) Execute(ctx context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	method := strings.ToUpper(nc.ParamString("method"))
	if method == "" {
		method = http.MethodGet
	}
	url := nc.ParamString("url")
	if url == "" {
		return nil, domain.NewExecError(domain.KindValidation, nc.Node.NodeID, "url is required")
	}

	var reader io.Reader
	contentType := ""
	switch t := nc.Param("body").(type) {
	case nil:
	case string:
		if t != "" {
			reader = strings.NewReader(t)
		}
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, domain.WrapExecError(domain.KindValidation, nc.Node.NodeID, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, domain.WrapExecError(domain.KindValidation, nc.Node.NodeID, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := nc.Config("headers").(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, headerValue(v))
		}
	}
	if err := h.attachAuth(ctx, nc, req); err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.WrapExecError(domain.KindResourceUnavailable, nc.Node.NodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.WrapExecError(domain.KindResourceUnavailable, nc.Node.NodeID, fmt.Errorf("read response: %w", err))
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	outputs := map[string]any{
		"status":  float64(resp.StatusCode),
		"body":    string(data),
		"headers": headers,
	}
	if len(data) > 0 && json.Valid(data) {
		var j any
		if json.Unmarshal(data, &j) == nil {
			outputs["json"] = j
		}
	}

	if nc.ParamBool("fail_on_error") && resp.StatusCode >= 400 {
		return nil, domain.NewExecError(domain.KindNodeExecution, nc.Node.NodeID,
			"http status %d from %s %s", resp.StatusCode, method, url)
	}
	return &engine.NodeResult{Outputs: outputs}, nil
}

func (h *httpRequestNode) attachAuth(ctx context.Context, nc *engine.NodeContext, req *http.Request) error {
	spec := credential.SpecFromConfig(h.n.Config, false)
	if spec.CredentialName == "" && spec.Direct == "" && spec.ContextVar == "" && spec.EnvVar == "" {
		return nil
	}
	secret, err := nc.Secret(ctx, spec)
	if err != nil {
		return domain.WrapExecError(domain.KindOf(err), nc.Node.NodeID, err)
	}
	if secret == "" {
		return nil
	}
	header := nc.ConfigString("auth_header")
	if header == "" {
		header = "Authorization"
	}
	scheme := "Bearer"
	if raw, ok := h.n.Config["auth_scheme"]; ok {
		scheme = strings.TrimSpace(headerValue(raw))
	}
	value := secret
	if scheme != "" {
		value = scheme + " " + secret
	}
	req.Header.Set(header, value)
	return nil
}

func headerValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
