package smtpclient

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/relaymta/relaymta/internal/testutils"
)

func TestAttemptFullSuccessPath(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:28251")
	defer srv.Close()

	a := New(Endpoint{Host: "127.0.0.1", Port: 28251}, Options{Hostname: "sender.example.com"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Mail(ctx, "sender@example.com", smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := a.Rcpt(ctx, "rcpt@example.com"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if _, err := a.Data(ctx, strings.NewReader(testutils.DeliveryData), []string{"rcpt@example.com"}); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if err := a.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	if !a.Usable() {
		t.Fatalf("expected attempt to end in a pool-usable state")
	}

	be.CheckMsg(t, 0, "sender@example.com", []string{"rcpt@example.com"})
}

func TestAttemptRcptRejection(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:28252")
	defer srv.Close()
	be.RcptErr = map[string]error{"bad@example.com": &smtp.SMTPError{Code: 550, Message: "no such user"}}

	a := New(Endpoint{Host: "127.0.0.1", Port: 28252}, Options{Hostname: "sender.example.com"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Mail(ctx, "sender@example.com", smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := a.Rcpt(ctx, "bad@example.com"); err == nil {
		t.Fatalf("expected RCPT rejection")
	}
	if a.State() != StateDoneErr {
		t.Fatalf("expected DONE_ERR state, got %v", a.State())
	}
}

func TestAttemptLMTPPerRecipientStatus(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:28253")
	defer srv.Close()
	be.LMTPDataErr = []error{nil, &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}}

	a := New(Endpoint{Host: "127.0.0.1", Port: 28253}, Options{Hostname: "sender.example.com", LMTP: true}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Mail(ctx, "sender@example.com", smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	rcpts := []string{"good@example.com", "bad@example.com"}
	for _, r := range rcpts {
		if err := a.Rcpt(ctx, r); err != nil {
			t.Fatalf("Rcpt(%s): %v", r, err)
		}
	}

	statuses, err := a.Data(ctx, strings.NewReader(testutils.DeliveryData), rcpts)
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Err != nil {
		t.Errorf("expected good@example.com to succeed, got %v", statuses[0].Err)
	}
	if statuses[1].Err == nil {
		t.Errorf("expected bad@example.com to fail")
	}
}
