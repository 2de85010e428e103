package bounce

import (
	"context"
	"strings"
	"testing"

	"github.com/relaymta/relaymta/internal/brokerclient"
	"github.com/relaymta/relaymta/internal/classify"
	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/headers"
	"github.com/relaymta/relaymta/internal/log"
)

type recordingFakeBroker struct {
	reqs []brokerclient.BounceRequest
	err  error
}

func (f *recordingFakeBroker) Bounce(ctx context.Context, req brokerclient.BounceRequest) error {
	f.reqs = append(f.reqs, req)
	return f.err
}

func parseHeaders(t *testing.T, raw string) *headers.Headers {
	t.Helper()
	h, err := headers.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return h
}

func baseDelivery(t *testing.T) *delivery.Delivery {
	return &delivery.Delivery{
		ID:         "msg1",
		SessionID:  "sess1",
		From:       "sender@example.com",
		Recipient:  "rcpt@example.org",
		MXHostname: "mx.example.org",
		Headers: parseHeaders(t, "Subject: hello\r\n"+
			"From: sender@example.com\r\n"+
			"To: rcpt@example.org\r\n\r\n"),
	}
}

func TestBounceSubmitsDSNForPlainReject(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	v := classify.Verdict{Action: classify.ActionReject, Category: "smtp", Message: "550 5.1.1 no such user", Code: 550}

	if err := c.Bounce(context.Background(), d, v); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 1 {
		t.Fatalf("expected 1 bounce submission, got %d", len(broker.reqs))
	}
	req := broker.reqs[0]
	if req.From != "" {
		t.Errorf("bounce envelope From = %q, want empty", req.From)
	}
	if req.To != d.From {
		t.Errorf("bounce envelope To = %q, want %q", req.To, d.From)
	}
	if req.Interface != "bounce" {
		t.Errorf("Interface = %q, want %q", req.Interface, "bounce")
	}
	if !strings.Contains(string(req.Headers), "multipart/report") {
		t.Errorf("rendered DSN missing multipart/report Content-Type: %s", req.Headers)
	}
	if !strings.Contains(string(req.Headers), "Final-Recipient") {
		t.Errorf("rendered DSN missing Final-Recipient field: %s", req.Headers)
	}
}

func TestBounceSuppressedOnEmptyEnvelopeSender(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.From = ""

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission for empty envelope sender, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnMailerDaemonSender(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.From = "MAILER-DAEMON@example.com"

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission for mailer-daemon sender, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnSkipBounceFlag(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.SkipBounce = true

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission when SkipBounce is set, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnAutoResponseSuppressAll(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.Headers = parseHeaders(t, "From: sender@example.com\r\n"+
		"X-Auto-Response-Suppress: All\r\n\r\n")

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnAutoSubmitted(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.Headers = parseHeaders(t, "From: sender@example.com\r\n"+
		"Auto-Submitted: auto-generated\r\n\r\n")

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnExistingReport(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.Headers = parseHeaders(t, "From: sender@example.com\r\n"+
		"Content-Type: multipart/report; report-type=delivery-status\r\n\r\n")

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnMailerDaemonFromHeader(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	d.Headers = parseHeaders(t, "From: MAILER-DAEMON@example.com\r\n\r\n")

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission, got %d", len(broker.reqs))
	}
}

func TestBounceSuppressedOnExcessiveReceivedHops(t *testing.T) {
	broker := &recordingFakeBroker{}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	var raw strings.Builder
	raw.WriteString("From: sender@example.com\r\n")
	for i := 0; i < 26; i++ {
		raw.WriteString("Received: from a by b; x\r\n")
	}
	raw.WriteString("\r\n")

	d := baseDelivery(t)
	d.Headers = parseHeaders(t, raw.String())

	if err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject}); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 0 {
		t.Errorf("expected no bounce submission past the hop limit, got %d", len(broker.reqs))
	}
}

func TestBounceSubmitsWhenBouncerHasNoBroker(t *testing.T) {
	broker := &recordingFakeBroker{err: nil}
	c := New(broker, "mx.relaymta.test", log.Logger{})

	d := baseDelivery(t)
	err := c.Bounce(context.Background(), d, classify.Verdict{Action: classify.ActionReject, Message: "some failure"})
	if err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if len(broker.reqs) != 1 {
		t.Fatalf("expected 1 bounce submission, got %d", len(broker.reqs))
	}
}

func TestDiagnosticCodeFallsBackWithoutSMTPCode(t *testing.T) {
	v := classify.Verdict{Message: "connection reset by peer"}
	err := diagnosticError(v)
	if err == nil || !strings.Contains(err.Error(), "connection reset by peer") {
		t.Errorf("diagnosticError = %v, want message preserved", err)
	}
}

func TestEnhancedCodeClassByAction(t *testing.T) {
	if got := enhancedCode(classify.Verdict{Action: classify.ActionReject}); got[0] != 5 {
		t.Errorf("reject enhanced class = %d, want 5", got[0])
	}
	if got := enhancedCode(classify.Verdict{Action: classify.ActionDefer}); got[0] != 4 {
		t.Errorf("defer enhanced class = %d, want 4", got[0])
	}
}
