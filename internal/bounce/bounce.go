// Package bounce implements the Bounce Composer (§4.12): it decides
// whether a permanently failed (or schedule-exhausted) Delivery earns a
// DSN, and if so composes a multipart/report message and resubmits it to
// the broker as a new envelope.
//
// Grounded on internal/dsn (RFC 3464/3462 multipart/report construction,
// ReportingMTAInfo/RecipientInfo field set), generalized from the
// teacher's msgpipeline-triggered bounce path to a direct
// Delivery-in/BOUNCE-RPC-out call the Zone Worker makes synchronously.
package bounce

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/relaymta/relaymta/internal/brokerclient"
	"github.com/relaymta/relaymta/internal/classify"
	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/dsn"
	"github.com/relaymta/relaymta/internal/headers"
	"github.com/relaymta/relaymta/internal/log"
)

const maxReceivedHops = 25

// Broker is the subset of *brokerclient.Client the Composer needs.
type Broker interface {
	Bounce(ctx context.Context, req brokerclient.BounceRequest) error
}

// Composer builds and resubmits DSNs. One Composer is shared by every
// Zone Worker in a process.
type Composer struct {
	Broker   Broker
	Hostname string // this engine's identity, used as Reporting-MTA
	Logger   log.Logger
}

func New(broker Broker, hostname string, logger log.Logger) *Composer {
	return &Composer{Broker: broker, Hostname: hostname, Logger: logger}
}

// Bounce implements zone.Bouncer: it is called once a Delivery's verdict
// is a reject (or its defer schedule is exhausted). A suppressed bounce
// is logged and otherwise a no-op, matching §4.12's "if suppressed, log
// and stop".
func (c *Composer) Bounce(ctx context.Context, d *delivery.Delivery, v classify.Verdict) error {
	if reason, suppressed := suppressed(d); suppressed {
		c.Logger.Msg("bounce suppressed", "id", d.ID, "reason", reason)
		return nil
	}

	var buf bytes.Buffer
	reportHeader, err := dsn.GenerateDSN(false, dsn.Envelope{
		MsgID: fmt.Sprintf("<%s.bounce@%s>", d.ID, c.Hostname),
		From:  "",
		To:    d.From,
	}, dsn.ReportingMTAInfo{
		ReportingMTA:    c.Hostname,
		ReceivedFromMTA: d.LocalHostname,
		XSender:         d.From,
		XQueueID:        d.ID,
		ArrivalDate:     d.Deferred.Last,
		LastAttemptDate: time.Now(),
	}, []dsn.RecipientInfo{{
		FinalRecipient: d.Recipient,
		RemoteMTA:      d.MXHostname,
		Action:         dsn.ActionFailed,
		Status:         enhancedCode(v),
		DiagnosticCode: diagnosticError(v),
	}}, originalHeader(d), &buf)
	if err != nil {
		return fmt.Errorf("bounce: generate DSN for %s: %w", d.ID, err)
	}

	var headerBuf bytes.Buffer
	if err := textproto.WriteHeader(&headerBuf, reportHeader); err != nil {
		return fmt.Errorf("bounce: render DSN header for %s: %w", d.ID, err)
	}

	req := brokerclient.BounceRequest{
		ID:          d.ID,
		SessionID:   d.SessionID,
		Interface:   "bounce",
		From:        "",
		To:          d.From,
		Seq:         d.Seq,
		Headers:     append(headerBuf.Bytes(), buf.Bytes()...),
		Address:     d.LocalAddress,
		Name:        c.Hostname,
		MXHostname:  d.MXHostname,
		ReturnPath:  d.From,
		Category:    v.Category,
		Time:        time.Now().Format(time.RFC3339),
		ArrivalDate: d.Deferred.Last.Format(time.RFC3339),
		Response:    v.Message,
	}
	if err := c.Broker.Bounce(ctx, req); err != nil {
		return fmt.Errorf("bounce: submit DSN for %s: %w", d.ID, err)
	}
	return nil
}

// suppressed implements §4.12's suppression rule list. reason is a short
// tag for logging, meaningful only when suppressed is true.
func suppressed(d *delivery.Delivery) (reason string, ok bool) {
	if d.From == "" {
		return "empty-envelope-sender", true
	}
	if strings.HasPrefix(strings.ToLower(d.From), "mailer-daemon@") {
		return "mailer-daemon-envelope", true
	}
	if d.SkipBounce {
		return "skip-bounce-flag", true
	}
	if d.Headers == nil {
		return "", false
	}
	if strings.Contains(strings.ToLower(d.Headers.GetFirst("X-Auto-Response-Suppress")), "all") {
		return "auto-response-suppress", true
	}
	if autoSubmitted := strings.ToLower(d.Headers.GetFirst("Auto-Submitted")); strings.Contains(autoSubmitted, "auto-generated") || strings.Contains(autoSubmitted, "auto-replied") {
		return "auto-submitted", true
	}
	if strings.Contains(strings.ToLower(d.Headers.GetFirst("Content-Type")), "multipart/report") {
		return "already-a-report", true
	}
	if strings.Contains(strings.ToLower(d.Headers.GetFirst("From")), "mailer-daemon@") {
		return "mailer-daemon-header", true
	}
	if len(d.Headers.GetAll("Received")) > maxReceivedHops {
		return "received-hop-limit", true
	}
	return "", false
}

// enhancedCode derives an RFC 3463 enhanced status code from the
// classifier's verdict: class 5 (permanent) for a reject, 4 (transient)
// otherwise, with subject/detail left at 0 since the verdict doesn't
// carry finer RFC 3463 classification.
func enhancedCode(v classify.Verdict) smtp.EnhancedCode {
	class := 4
	if v.Action == classify.ActionReject {
		class = 5
	}
	return smtp.EnhancedCode{class, 0, 0}
}

// diagnosticError turns the verdict into the error dsn.RecipientInfo.WriteTo
// expects, preferring the precise *smtp.SMTPError shape when the verdict
// carries a 3-digit SMTP reply code.
func diagnosticError(v classify.Verdict) error {
	if v.Code != 0 {
		ec := enhancedCode(v)
		return &smtp.SMTPError{Code: v.Code, EnhancedCode: ec, Message: v.Message}
	}
	return fmt.Errorf("%s", v.Message)
}

func originalHeader(d *delivery.Delivery) textproto.Header {
	h := textproto.Header{}
	if d.Headers == nil {
		return h
	}
	for _, f := range d.Headers.Fields() {
		key, value := splitRawField(f)
		if key == "" {
			continue
		}
		h.Add(key, value)
	}
	return h
}

// splitRawField recovers (displayKey, value) from a headers.Field's raw
// line, collapsing any folded continuation lines (still embedded as
// internal newlines in Raw) into single spaces the way a DSN's
// text/rfc822-headers part expects.
func splitRawField(f headers.Field) (key, value string) {
	raw := strings.TrimRight(f.Raw, "\r\n")
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return "", ""
	}
	key = strings.TrimSpace(raw[:idx])
	value = raw[idx+1:]
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return key, strings.TrimSpace(value)
}
