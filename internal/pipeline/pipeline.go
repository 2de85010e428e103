// Package pipeline implements the Pipeline Composer (§4.8): it builds the
// canonical header block (with DKIM signatures prepended, outermost
// last-configured-key first), then streams the body from the message
// store through an MD5 tap and byte counter into the SMTP Client's DATA
// channel — or, for delivery.http deliveries, POSTs the same content to
// an HTTP sink instead.
//
// Grounded on internal/target/received.go's header-composition style and
// internal/dkimbody (the relaxed canonicalization this engine implements
// itself; see dkimbody's package doc for why go-msgauth's Signer isn't
// used here).
package pipeline

import (
	"bytes"
	"context"
	"crypto"
	"crypto/md5"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/dkimbody"
	"github.com/relaymta/relaymta/internal/mtaerr"
	"github.com/relaymta/relaymta/internal/store"
)

// Outcome is what the pipeline observed while streaming the body,
// matching delivery.Delivery's sentBodyHash/sentBodySize fields (§4.8
// point 4).
type Outcome struct {
	SentBodyHash string
	SentBodySize int64
	StartedAt    time.Time
	Elapsed      time.Duration
}

// BuildHeaders renders d's header block with every configured DKIM key
// signed and prepended, reversed so the last-configured key ends up
// outermost (closest to the top of the message), per §4.8 point 2.
func BuildHeaders(d *delivery.Delivery, body []byte, now time.Time) ([]byte, error) {
	if d.Headers == nil {
		return nil, fmt.Errorf("pipeline: delivery %s has no parsed headers", d.ID)
	}

	for i := len(d.DKIM) - 1; i >= 0; i-- {
		key := d.DKIM[i]
		sig, err := dkimbody.BuildSignature(key, d.Headers, body, now)
		if err != nil {
			return nil, fmt.Errorf("pipeline: sign with key %s/%s: %w", key.Domain, key.Selector, err)
		}
		d.Headers.AddAtIndex(0, "dkim-signature", sig)
	}

	return d.Headers.Build(), nil
}

// md5Tap wraps a reader, feeding every byte read through an MD5 digest
// and a running byte counter (§4.8 point 4's "MD5 tap → byte-counter").
type md5Tap struct {
	r       io.Reader
	digest  crypto.Hash
	h       io.Writer
	sum     func() []byte
	n       int64
}

func newMD5Tap(r io.Reader) *md5Tap {
	h := md5.New()
	return &md5Tap{r: r, h: h, sum: func() []byte { return h.Sum(nil) }}
}

func (t *md5Tap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
		t.n += int64(n)
	}
	return n, err
}

// Stream opens the stored body, builds the header block, and returns a
// single io.Reader presenting header+body ready for the SMTP Client's
// DATA command, along with a function to call once the transfer is
// complete to obtain the Outcome (sentBodyHash/sentBodySize).
func Stream(ctx context.Context, st store.Store, d *delivery.Delivery, now time.Time) (io.Reader, func() Outcome, error) {
	rc, err := st.Retrieve(ctx, d.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: retrieve body for %s: %w", d.ID, err)
	}

	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: read body for %s: %w", d.ID, err)
	}

	hdr, err := BuildHeaders(d, body, now)
	if err != nil {
		return nil, nil, err
	}

	started := now
	tap := newMD5Tap(bytes.NewReader(body))
	reader := io.MultiReader(bytes.NewReader(hdr), tap)

	outcome := func() Outcome {
		return Outcome{
			SentBodyHash: fmt.Sprintf("%x", tap.sum()),
			SentBodySize: tap.n,
			StartedAt:    started,
			Elapsed:      time.Since(started),
		}
	}
	return reader, outcome, nil
}

// HTTPSink POSTs the header+body as multipart/form-data to d.TargetURL,
// implementing the §4.8 point 5 alternative path. A 2xx response is
// success; anything else is classifier-compatible error with
// category=http and skipBounce=true.
func HTTPSink(ctx context.Context, client *http.Client, d *delivery.Delivery, header []byte, body []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if fw, err := w.CreateFormField("from"); err == nil {
		fw.Write([]byte(d.From))
	}
	if fw, err := w.CreateFormField("to"); err == nil {
		fw.Write([]byte(d.Recipient))
	}
	fw, err := w.CreateFormFile("message", d.ID+".eml")
	if err != nil {
		return fmt.Errorf("pipeline: build multipart body: %w", err)
	}
	fw.Write(header)
	fw.Write(body)
	if err := w.Close(); err != nil {
		return fmt.Errorf("pipeline: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL, &buf)
	if err != nil {
		return fmt.Errorf("pipeline: build HTTP sink request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return &mtaerr.SMTPError{
			Code:     450,
			Category: mtaerr.CategoryHTTP,
			Temp:     true,
			Message:  "HTTP sink request failed: " + err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	code := resp.StatusCode
	if code < 400 {
		code = 502
	}
	return &mtaerr.SMTPError{
		Code:     code,
		Category: mtaerr.CategoryHTTP,
		Temp:     code >= 500,
		Message:  fmt.Sprintf("HTTP sink returned %d", resp.StatusCode),
	}
}

// BuildReceived constructs the Received: header value to prepend before
// the body is streamed (§4.1 point 7). callerName is the worker's
// localHostname, mx is the chosen exchanger's hostname, tls/auth describe
// the established session.
func BuildReceived(d *delivery.Delivery, localHostname, mx string, didTLS bool, now time.Time) string {
	tlsNote := ""
	if didTLS {
		tlsNote = " (using TLS)"
	}
	return fmt.Sprintf(
		"from %s by %s with SMTP%s id %s for <%s>; %s",
		localHostname, mx, tlsNote, d.ID, d.Recipient, now.Format(time.RFC1123Z),
	)
}
