package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// HeartbeatSender delivers one heartbeat and returns pending control
// directives keyed by job id.
type HeartbeatSender interface {
	Send(ctx context.Context, hb domain.Heartbeat) (map[string]string, error)
}

// HeartbeatFunc adapts a function to HeartbeatSender. The orchestrator's
// fleet service satisfies it directly for agents co-located with the
// database.
type HeartbeatFunc func(ctx context.Context, hb domain.Heartbeat) (map[string]string, error)

func (f HeartbeatFunc) Send(ctx context.Context, hb domain.Heartbeat) (map[string]string, error) {
	return f(ctx, hb)
}

// heartbeatBody is the wire form of POST /v1/robots/heartbeat.
type heartbeatBody struct {
	RobotID         string                    `json:"robot_id"`
	Name            string                    `json:"name,omitempty"`
	Status          string                    `json:"status"`
	Capabilities    []string                  `json:"capabilities"`
	Tags            []string                  `json:"tags,omitempty"`
	MaxConcurrent   int                       `json:"max_concurrent_jobs"`
	Environment     string                    `json:"environment,omitempty"`
	CurrentJobCount int                       `json:"current_job_count"`
	RunningJobs     []domain.RunningJobReport `json:"running_jobs,omitempty"`
	TenantScope     *string                   `json:"tenant_scope,omitempty"`
}

type heartbeatReply struct {
	Directives map[string]string `json:"directives"`
}

// HTTPHeartbeat posts heartbeats to the orchestrator, authenticated with
// the robot's API key.
type HTTPHeartbeat struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

var _ HeartbeatSender = (*HTTPHeartbeat)(nil)

// NewHTTPHeartbeat builds the client with a timeout suited to the default
// 30s heartbeat interval.
func NewHTTPHeartbeat(baseURL, apiKey string) *HTTPHeartbeat {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Heartbeat %s %s", r.Method, r.URL.Host)
		}),
	)
	return &HTTPHeartbeat{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}

// Send posts the heartbeat and decodes the directive map.
func (h *HTTPHeartbeat) Send(ctx context.Context, hb domain.Heartbeat) (map[string]string, error) {
	body := heartbeatBody{
		RobotID:         hb.RobotID,
		Name:            hb.Name,
		Status:          string(hb.Status),
		Capabilities:    hb.Capabilities,
		Tags:            hb.Tags,
		MaxConcurrent:   hb.MaxConcurrent,
		Environment:     hb.Environment,
		CurrentJobCount: hb.CurrentJobCount,
		RunningJobs:     hb.RunningJobs,
		TenantScope:     hb.TenantScope,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/v1/robots/heartbeat", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.APIKey)

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=heartbeat.post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("op=heartbeat.post: status %d: %w", resp.StatusCode, domain.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("op=heartbeat.post: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var reply heartbeatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("op=heartbeat.decode: %w", err)
	}
	return reply.Directives, nil
}
