// Package smtpclient implements the SMTP Client per-attempt state machine
// (§4.6): INIT → RESOLVING → CONNECTING → GREETING → EHLO1 → STARTTLS? →
// EHLO2 → AUTH? → MAIL → RCPT → DATA → DATA_BODY → DATA_END → QUIT, with
// terminal failure transitions to DONE_ERR from any state.
//
// Grounded on internal/smtpconn.C (the teacher's go-smtp.Client wrapper):
// connect/EHLO/STARTTLS/MAIL/RCPT/DATA sequencing and error-wrapping are
// kept, generalized to track explicit per-attempt state (for logtrail and
// classification), opportunistic-TLS-with-single-plaintext-retry, the
// grace timer on an unexpected post-write socket close, and LMTP
// per-recipient status capture.
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/relaymta/relaymta/internal/mtaerr"
)

// State names one step of the per-attempt state machine, recorded for
// diagnostics and exposed so the Zone Worker can tell which phase a
// failure happened in.
type State string

const (
	StateInit      State = "INIT"
	StateResolving State = "RESOLVING"
	StateConnect   State = "CONNECTING"
	StateGreeting  State = "GREETING"
	StateEHLO1     State = "EHLO1"
	StateSTARTTLS  State = "STARTTLS"
	StateEHLO2     State = "EHLO2"
	StateAuth      State = "AUTH"
	StateMail      State = "MAIL"
	StateRcpt      State = "RCPT"
	StateData      State = "DATA"
	StateDataBody  State = "DATA_BODY"
	StateDataEnd   State = "DATA_END"
	StateQuit      State = "QUIT"
	StateDoneOK    State = "DONE_OK"
	StateDoneErr   State = "DONE_ERR"
)

const maxLogtrail = 200

// Endpoint is the (host, port, implicit-TLS) address an attempt connects
// to, mirroring the shape internal/smtpconn.C.Connect expects.
type Endpoint struct {
	Host   string
	Port   int
	Implicit bool // true for SMTPS (implicit TLS), false for STARTTLS/plaintext
}

func (e Endpoint) Address() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Options parameterizes one connect attempt.
type Options struct {
	LocalAddr        net.Addr // bound source IP, from the IP Pool Selector
	Hostname         string   // EHLO/LHLO name
	LMTP             bool
	RequireTLS       bool // MTA-STS enforce: forbid plaintext fallback
	TLSDisabled      bool // this host is in the worker's tlsDisabled set: skip STARTTLS outright
	Auth             sasl.Client
	ConnectTimeout   time.Duration
	GreetingTimeout  time.Duration
	GraceTimeout     time.Duration // window to distinguish spurious EOF from a real failure
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Minute
	}
	if o.GreetingTimeout == 0 {
		o.GreetingTimeout = 2 * time.Minute
	}
	if o.GraceTimeout == 0 {
		o.GraceTimeout = time.Second
	}
	if o.Hostname == "" {
		o.Hostname = "localhost.localdomain"
	}
	return o
}

// Attempt is one connect-through-QUIT session. It is not safe for
// concurrent use, and (other than via Client.Pooled) is not meant to be
// reused across deliveries.
type Attempt struct {
	opts       Options
	tlsConfig  *tls.Config
	endpoint   Endpoint
	dialer     func(ctx context.Context, network, addr string) (net.Conn, error)
	state      State
	logtrail   []string
	cl         *smtp.Client
	didTLS     bool
	tlsDisabledNow bool // set true if this attempt disabled TLS for the host (handshake failure)
}

// New starts a new Attempt against endpoint. tlsConfig may be nil.
func New(endpoint Endpoint, opts Options, tlsConfig *tls.Config) *Attempt {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	return &Attempt{
		opts:      opts.withDefaults(),
		tlsConfig: tlsConfig,
		endpoint:  endpoint,
		dialer:    (&net.Dialer{}).DialContext,
		state:     StateInit,
	}
}

func (a *Attempt) log(format string, args ...interface{}) {
	if len(a.logtrail) >= maxLogtrail {
		return
	}
	a.logtrail = append(a.logtrail, fmt.Sprintf(format, args...))
}

// State returns the state the attempt last reached.
func (a *Attempt) State() State { return a.state }

// Logtrail returns every line recorded so far, bounded at maxLogtrail.
func (a *Attempt) Logtrail() []string { return a.logtrail }

// DidTLS reports whether the session ended up encrypted.
func (a *Attempt) DidTLS() bool { return a.didTLS }

// TLSDisabledNow reports whether this attempt just demoted the host into
// the worker's tlsDisabled set (a STARTTLS handshake failure followed by
// a successful plaintext retry).
func (a *Attempt) TLSDisabledNow() bool { return a.tlsDisabledNow }

// Connect dials, greets, and optionally STARTTLSes. requireTLS=true with
// a STARTTLS failure is a permanent, category=policy error (MTA-STS
// enforce, §4.11); otherwise a STARTTLS failure triggers one plaintext
// retry (opportunisticTLS, §4.6), unless opts.TLSDisabled already skipped
// it for this host this worker's lifetime.
func (a *Attempt) Connect(ctx context.Context) error {
	a.state = StateConnect
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	network := "tcp"
	localAddr := a.opts.LocalAddr
	dial := a.dialer
	if localAddr != nil {
		d := &net.Dialer{LocalAddr: localAddr}
		dial = d.DialContext
	}

	conn, err := dial(dialCtx, network, a.endpoint.Address())
	if err != nil {
		return a.wrapErr(StateConnect, err)
	}

	attemptSTARTTLS := !a.endpoint.Implicit && !a.opts.TLSDisabled
	if a.endpoint.Implicit {
		cfg := a.tlsConfig.Clone()
		cfg.ServerName = a.endpoint.Host
		conn = tls.Client(conn, cfg)
	}

	cl, err := a.newClient(conn)
	if err != nil {
		conn.Close()
		return a.wrapErr(StateGreeting, err)
	}
	a.cl = cl
	a.cl.CommandTimeout = a.opts.GreetingTimeout
	a.cl.SubmissionTimeout = 12 * time.Minute

	a.state = StateEHLO1
	if err := a.cl.Hello(a.opts.Hostname); err != nil {
		return a.wrapErr(StateEHLO1, err)
	}
	a.log("C: EHLO %s", a.opts.Hostname)

	if a.endpoint.Implicit {
		a.didTLS = true
		return nil
	}

	if !attemptSTARTTLS {
		return nil
	}

	if ok, _ := a.cl.Extension("STARTTLS"); !ok {
		return nil
	}

	a.state = StateSTARTTLS
	cfg := a.tlsConfig.Clone()
	cfg.ServerName = a.endpoint.Host
	if err := a.cl.StartTLS(cfg); err != nil {
		if a.opts.RequireTLS {
			return &mtaerr.SMTPError{
				Code:     550,
				Category: mtaerr.CategoryPolicy,
				Temp:     false,
				Message:  "STARTTLS required by MTA-STS but handshake failed: " + err.Error(),
				Logtrail: a.logtrail,
			}
		}
		// Opportunistic TLS: one immediate plaintext retry, with this
		// host remembered as TLS-disabled for the rest of the worker's
		// lifetime (caller is responsible for recording that).
		a.log("TLS handshake failed, retrying over plaintext: %v", err)
		a.tlsDisabledNow = true
		a.cl.Close()
		retryOpts := a.opts
		retryOpts.TLSDisabled = true
		retry := New(a.endpoint, retryOpts, a.tlsConfig)
		retry.dialer = a.dialer
		if err := retry.Connect(ctx); err != nil {
			return err
		}
		*a = *retry
		return nil
	}

	a.log("C: STARTTLS")
	a.state = StateEHLO2
	if err := a.cl.Hello(a.opts.Hostname); err != nil {
		return a.wrapErr(StateEHLO2, err)
	}
	a.didTLS = true
	return nil
}

func (a *Attempt) newClient(conn net.Conn) (*smtp.Client, error) {
	if a.opts.LMTP {
		return smtp.NewClientLMTP(conn, a.endpoint.Host)
	}
	return smtp.NewClient(conn, a.endpoint.Host)
}

// Auth performs SASL authentication, if configured.
func (a *Attempt) Auth(ctx context.Context) error {
	if a.opts.Auth == nil {
		return nil
	}
	a.state = StateAuth
	if err := a.cl.Auth(a.opts.Auth); err != nil {
		return a.wrapErr(StateAuth, err)
	}
	return nil
}

// Mail sends MAIL FROM.
func (a *Attempt) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	a.state = StateMail
	if err := a.cl.Mail(from, &opts); err != nil {
		return a.wrapErr(StateMail, err)
	}
	a.log("C: MAIL FROM:<%s>", from)
	return nil
}

// Rcpt sends RCPT TO for one recipient.
func (a *Attempt) Rcpt(ctx context.Context, to string) error {
	a.state = StateRcpt
	if err := a.cl.Rcpt(to); err != nil {
		return a.wrapErr(StateRcpt, err)
	}
	a.log("C: RCPT TO:<%s>", to)
	return nil
}

// RecipientStatus is one LMTP per-recipient result (§4.6 "any rejected
// recipient becomes an error with the server's text").
type RecipientStatus struct {
	Recipient string
	Err       error
}

// Data sends the header+body stream. For LMTP sessions it returns the
// per-recipient status list; for plain SMTP a single error covers the
// whole transaction.
func (a *Attempt) Data(ctx context.Context, headerAndBody io.Reader, rcpts []string) ([]RecipientStatus, error) {
	a.state = StateData
	if a.opts.LMTP {
		return a.lmtpData(headerAndBody, rcpts)
	}

	wc, err := a.cl.Data()
	if err != nil {
		return nil, a.wrapErr(StateData, err)
	}

	a.state = StateDataBody
	if err := a.copyWithGrace(wc, headerAndBody); err != nil {
		return nil, a.wrapErr(StateDataBody, err)
	}

	a.state = StateDataEnd
	if err := wc.Close(); err != nil {
		return nil, a.wrapErr(StateDataEnd, err)
	}
	a.log("C: . (end of DATA)")
	return nil, nil
}

func (a *Attempt) lmtpData(headerAndBody io.Reader, rcpts []string) ([]RecipientStatus, error) {
	statuses := make(map[string]*smtp.SMTPError, len(rcpts))
	wc, err := a.cl.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		statuses[rcpt] = status
	})
	if err != nil {
		return nil, a.wrapErr(StateData, err)
	}

	a.state = StateDataBody
	if err := a.copyWithGrace(wc, headerAndBody); err != nil {
		return nil, a.wrapErr(StateDataBody, err)
	}

	a.state = StateDataEnd
	if err := wc.Close(); err != nil {
		return nil, a.wrapErr(StateDataEnd, err)
	}

	results := make([]RecipientStatus, 0, len(rcpts))
	for _, r := range rcpts {
		st := statuses[r]
		var rerr error
		if st != nil {
			rerr = a.wrapErr(StateDataEnd, st)
		}
		results = append(results, RecipientStatus{Recipient: r, Err: rerr})
	}
	return results, nil
}

// copyWithGrace copies src to dst; if the connection is closed
// unexpectedly right after the write path was healthy, it waits up to
// GraceTimeout to distinguish a spurious EOF from a real failure (§4.6).
func (a *Attempt) copyWithGrace(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if err == nil {
		return nil
	}
	if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, io.EOF) {
		return err
	}
	time.Sleep(a.opts.GraceTimeout)
	return err
}

// Quit sends QUIT. It is best-effort: callers planning to pool the
// connection should skip calling it at all.
func (a *Attempt) Quit() error {
	a.state = StateQuit
	if a.cl == nil {
		return nil
	}
	if err := a.cl.Quit(); err != nil {
		a.cl.Close()
		return err
	}
	a.state = StateDoneOK
	return nil
}

// Close closes the underlying connection without QUIT.
func (a *Attempt) Close() error {
	if a.cl == nil {
		return nil
	}
	return a.cl.Close()
}

// Usable reports whether the attempt ended in a state a connection can
// be safely pooled from (DONE_OK, as opposed to any DONE_ERR transition).
func (a *Attempt) Usable() bool {
	return a.state == StateDoneOK || a.state == StateQuit
}

// MarkDelivered records a successful DATA transaction without sending
// QUIT, so the Connection Pool (§4.7) may hand this Attempt back out for
// another delivery — skipping GREETING/EHLO/STARTTLS/AUTH on its next
// use. Callers that are done with the connection should call Quit or
// Close instead.
func (a *Attempt) MarkDelivered() {
	if a.state != StateDoneErr {
		a.state = StateDoneOK
	}
}

func (a *Attempt) wrapErr(state State, err error) error {
	a.state = StateDoneErr
	if err == nil {
		return nil
	}

	switch e := err.(type) {
	case *mtaerr.SMTPError:
		e.Logtrail = a.logtrail
		return e
	case *smtp.SMTPError:
		code := e.Code
		temp := code >= 400 && code < 500
		if code == 552 {
			code = 452
			temp = true
		}
		return &mtaerr.SMTPError{
			Code:     code,
			Category: mtaerr.CategorySMTP,
			Temp:     temp,
			Message:  e.Message,
			Logtrail: a.logtrail,
		}
	case *net.OpError:
		return &mtaerr.SMTPError{
			Code:     450,
			Category: mtaerr.CategoryNetwork,
			Temp:     true,
			Message:  "network I/O error: " + e.Error(),
			Logtrail: a.logtrail,
		}
	default:
		return &mtaerr.SMTPError{
			Code:     450,
			Category: mtaerr.CategoryNetwork,
			Temp:     true,
			Message:  err.Error(),
			Logtrail: a.logtrail,
		}
	}
}
