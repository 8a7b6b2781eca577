package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed sequence of scan closures.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	s := r.scans[r.idx]
	r.idx++
	return s(dest...)
}
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// poolStub implements postgres.PgxPool for tests. Responses pop off the
// configured queues in call order; SQL and args are recorded for asserts.
// Defined in a shared helper so multiple *_test.go files can reuse it.
type poolStub struct {
	execTags []pgconn.CommandTag
	execErrs []error
	rows     []rowStub
	queries  []*rowsStub
	queryErr error

	gotSQL  []string
	gotArgs [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	var tag pgconn.CommandTag
	if len(p.execTags) > 0 {
		tag = p.execTags[0]
		p.execTags = p.execTags[1:]
	}
	var err error
	if len(p.execErrs) > 0 {
		err = p.execErrs[0]
		p.execErrs = p.execErrs[1:]
	}
	return tag, err
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	if len(p.rows) == 0 {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	row := p.rows[0]
	p.rows = p.rows[1:]
	return row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if len(p.queries) == 0 {
		return &rowsStub{}, nil
	}
	rs := p.queries[0]
	p.queries = p.queries[1:]
	return rs, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("tx not supported in stub")
}

// assignJobRow maps a job fixture onto the scan destinations in the shared
// column order used by the repo.
func assignJobRow(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(**string)) = j.WorkflowID
		*(dest[2].(*[]byte)) = []byte(j.Workflow)
		inputs, err := json.Marshal(j.Inputs)
		if err != nil {
			return err
		}
		*(dest[3].(*[]byte)) = inputs
		*(dest[4].(*int)) = j.Priority
		*(dest[5].(*domain.JobStatus)) = j.Status
		*(dest[6].(**string)) = j.AssignedRobotID
		*(dest[7].(**time.Time)) = j.LeaseExpiresAt
		*(dest[8].(**time.Time)) = j.ClaimedAt
		*(dest[9].(**time.Time)) = j.StartedAt
		*(dest[10].(**time.Time)) = j.FinishedAt
		*(dest[11].(*int)) = j.AttemptCount
		*(dest[12].(*int)) = j.MaxAttempts
		*(dest[13].(*[]string)) = j.RequiredCapabilities
		*(dest[14].(**string)) = j.TenantID
		*(dest[15].(*[]byte)) = []byte(j.Result)
		if j.ErrorKind != nil {
			k := string(*j.ErrorKind)
			*(dest[16].(**string)) = &k
		}
		*(dest[17].(**string)) = j.ErrorMessage
		*(dest[18].(**string)) = j.PendingControl
		*(dest[19].(**time.Time)) = j.CancelRequestedAt
		*(dest[20].(*time.Time)) = j.CreatedAt
		*(dest[21].(*time.Time)) = j.UpdatedAt
		return nil
	}
}

// assignRobotRow is assignJobRow's counterpart for the robots table.
func assignRobotRow(r domain.Robot) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = r.ID
		*(dest[1].(*string)) = r.Name
		*(dest[2].(*[]string)) = r.Capabilities
		*(dest[3].(*[]string)) = r.Tags
		*(dest[4].(*int)) = r.MaxConcurrentJobs
		*(dest[5].(*string)) = r.Environment
		*(dest[6].(*time.Time)) = r.LastHeartbeatAt
		*(dest[7].(*domain.RobotStatus)) = r.Status
		*(dest[8].(*int)) = r.CurrentJobCount
		*(dest[9].(**string)) = r.TenantScope
		*(dest[10].(*string)) = r.APIKeyHash
		*(dest[11].(**time.Time)) = r.APIKeyExpiresAt
		*(dest[12].(*time.Time)) = r.CreatedAt
		*(dest[13].(*time.Time)) = r.UpdatedAt
		return nil
	}
}

// assignEventRow maps an event fixture onto the journal's column order.
func assignEventRow(ev domain.Event) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = ev.Seq
		*(dest[1].(*string)) = ev.JobID
		*(dest[2].(*domain.EventType)) = ev.Type
		if ev.NodeID != "" {
			n := ev.NodeID
			*(dest[3].(**string)) = &n
		}
		if ev.Payload != nil {
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			*(dest[4].(*[]byte)) = payload
		}
		*(dest[5].(*time.Time)) = ev.TS
		return nil
	}
}
