package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type capturedMsg struct {
	subject string
	data    []byte
}

type fakeSlack struct {
	alerts []Alert
	err    error
}

func (f *fakeSlack) PostJobAlert(_ context.Context, alert Alert) error {
	f.alerts = append(f.alerts, alert)
	return f.err
}

func TestReportTelemetryPublishes(t *testing.T) {
	var msgs []capturedMsg
	p := NewPublisher(func(subject string, data []byte) error {
		msgs = append(msgs, capturedMsg{subject, data})
		return nil
	}, nil)

	p.ReportTelemetry(context.Background(), Telemetry{
		JobID:     "j1",
		ProjectID: "p1",
		Status:    "running",
		Timestamp: time.Now().UTC(),
	})

	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].subject != SubjectTelemetry {
		t.Errorf("subject = %q, want %q", msgs[0].subject, SubjectTelemetry)
	}
	var ev Telemetry
	if err := json.Unmarshal(msgs[0].data, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.JobID != "j1" || ev.Status != "running" {
		t.Errorf("payload = %+v", ev)
	}
}

func TestSendAlertForwardsToSlack(t *testing.T) {
	var msgs []capturedMsg
	slack := &fakeSlack{}
	p := NewPublisher(func(subject string, data []byte) error {
		msgs = append(msgs, capturedMsg{subject, data})
		return nil
	}, slack)

	p.SendAlert(context.Background(), Alert{JobID: "j1", Message: "boom", Severity: "error"})

	if len(msgs) != 1 || msgs[0].subject != SubjectAlert {
		t.Fatalf("messages = %+v, want one on %s", msgs, SubjectAlert)
	}
	if len(slack.alerts) != 1 || slack.alerts[0].JobID != "j1" {
		t.Fatalf("slack alerts = %+v", slack.alerts)
	}
}

func TestSendAlertSlackFailureSwallowed(t *testing.T) {
	slack := &fakeSlack{err: errors.New("slack down")}
	p := NewPublisher(func(string, []byte) error { return nil }, slack)

	// Must not panic or propagate.
	p.SendAlert(context.Background(), Alert{JobID: "j1", Severity: "error"})

	if len(slack.alerts) != 1 {
		t.Fatalf("slack alerts = %d, want 1", len(slack.alerts))
	}
}

func TestPublishFailureSwallowed(t *testing.T) {
	p := NewPublisher(func(string, []byte) error { return errors.New("nats down") }, nil)
	p.PublishProgress(context.Background(), Progress{JobID: "j1", Status: "complete"})
}

func TestNilPublishFuncIsNoop(t *testing.T) {
	p := NewPublisher(nil, nil)
	p.ReportTelemetry(context.Background(), Telemetry{JobID: "j1"})
	p.SendAlert(context.Background(), Alert{JobID: "j1"})
}
