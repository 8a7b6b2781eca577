package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// DefaultAuditTopic receives one record per job lifecycle transition.
const DefaultAuditTopic = "rpa.jobs.audit"

// AuditRecord is the wire shape of one audit entry. Records are keyed
// by job so a partition preserves per-job order.
type AuditRecord struct {
	JobID      string         `json:"job_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	RobotID    string         `json:"robot_id,omitempty"`
	Transition string         `json:"transition"`
	Detail     map[string]any `json:"detail,omitempty"`
	TS         time.Time      `json:"ts"`
}

// AuditRecorder is the producing side the forwarding pump and the job
// service write to.
type AuditRecorder interface {
	Record(ctx domain.Context, rec AuditRecord)
}

// AuditProducer publishes audit records fire-and-forget; produce
// failures are logged, never propagated.
type AuditProducer struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

var _ AuditRecorder = (*AuditProducer)(nil)

// NewAuditProducer connects to the brokers and ensures the topic exists.
func NewAuditProducer(ctx context.Context, brokers []string, topic string, log *slog.Logger) (*AuditProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultAuditTopic
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.RequestRetries(5),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		log.Warn("audit topic create failed, assuming it exists",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	log.Info("audit producer ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &AuditProducer{client: client, topic: topic, log: log}, nil
}

// Record produces one entry asynchronously.
func (p *AuditProducer) Record(ctx domain.Context, rec AuditRecord) {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		p.log.Error("audit record encode failed",
			slog.String("job_id", rec.JobID),
			slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "transition", Value: []byte(rec.Transition)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.log.Error("audit produce failed",
				slog.String("job_id", rec.JobID),
				slog.String("transition", rec.Transition),
				slog.Any("error", err))
		}
	})
}

// Close flushes buffered records before shutting the client down.
func (p *AuditProducer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.log.Warn("audit flush incomplete", slog.Any("error", err))
	}
	p.client.Close()
}

// auditTransitions maps journal frames onto audit transitions.
// Node-level frames stay off the audit stream.
var auditTransitions = map[domain.EventType]string{
	domain.EventJobClaimed:        "CLAIMED",
	domain.EventWorkflowStarted:   "RUNNING",
	domain.EventWorkflowCompleted: "SUCCESS",
	domain.EventWorkflowFailed:    "ERROR",
	domain.EventWorkflowCancelled: "CANCELLED",
	domain.EventJobReleased:       "RELEASED",
	domain.EventLeaseExpired:      "LEASE_EXPIRED",
}

// ForwardLifecycle mirrors job lifecycle frames from the hub onto the
// audit stream until ctx is done.
func ForwardLifecycle(ctx context.Context, hub *Hub, rec AuditRecorder) {
	sub := hub.Subscribe("")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			transition, mapped := auditTransitions[ev.Type]
			if !mapped {
				continue
			}
			rec.Record(ctx, AuditRecord{
				JobID:      ev.JobID,
				Transition: transition,
				Detail:     ev.Payload,
				TS:         ev.TS,
			})
		}
	}
}

// ensureTopic creates the audit topic, tolerating TOPIC_ALREADY_EXISTS.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 15000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	ct, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range ct.Topics {
		// 36: TOPIC_ALREADY_EXISTS
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}
