package zone

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/relaymta/relaymta/internal/brokerclient"
	"github.com/relaymta/relaymta/internal/classify"
	"github.com/relaymta/relaymta/internal/connfail"
	"github.com/relaymta/relaymta/internal/connpool"
	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/headers"
	"github.com/relaymta/relaymta/internal/log"
	"github.com/relaymta/relaymta/internal/mtaerr"
	"github.com/relaymta/relaymta/internal/pipeline"
	"github.com/relaymta/relaymta/internal/resolve"
	"github.com/relaymta/relaymta/internal/smtpclient"
	"github.com/relaymta/relaymta/internal/sts"
	"github.com/relaymta/relaymta/internal/store"
	"github.com/relaymta/relaymta/internal/zoneconfig"
)

// connectDeadline is the §4.1 point 5 "yield to the next iteration" timer:
// if a single delivery attempt is still resolving a connection after this
// long, the worker loop moves on to its next GET while the attempt keeps
// running in the background until it settles (deliver, defer, or reject).
const connectDeadline = 10 * time.Second

// Bouncer composes and resubmits a DSN for a permanently failed or
// delayed-too-long delivery (§4.12). internal/bounce.Composer implements
// this; it is injected here so internal/zone does not need to import the
// bounce package directly.
type Bouncer interface {
	Bounce(ctx context.Context, d *delivery.Delivery, v classify.Verdict) error
}

// Deps collects the Zone Worker's collaborators, each independently
// testable (§4.4–§4.12).
type Deps struct {
	Broker      *brokerclient.Client
	Resolver    *resolve.Resolver
	STS         *sts.Handler
	Store       store.Store
	BounceTable *classify.Table
	Bouncer     Bouncer
	HTTPClient  *http.Client
	Logger      log.Logger
}

// Zone is one running instance of a zone's configuration: §5 models a
// "process" as one Zone, with `Connections` Worker goroutines inside it
// sharing one Connection Pool and one TLS-disabled host set.
type Zone struct {
	cfg  zoneconfig.ZoneConfig
	deps Deps

	speedometer *Speedometer
	ipPool      *IPPool
	pool        *connpool.Pool
	connFail    *connfail.Cache

	tlsDisabledMu sync.Mutex
	tlsDisabled   map[string]bool
}

// New builds a Zone ready to Run.
func New(cfg zoneconfig.ZoneConfig, deps Deps) *Zone {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	return &Zone{
		cfg:         cfg,
		deps:        deps,
		speedometer: NewSpeedometer(cfg.Rate),
		ipPool:      NewIPPool(cfg.IPv4Pool, cfg.IPv6Pool, cfg.Salt),
		pool:        connpool.New(connpool.Config{ReuseCount: cfg.ReuseCount}),
		connFail:    connfail.New(deps.Broker, cfg.Name),
		tlsDisabled: make(map[string]bool),
	}
}

// Close tears down the Connection Pool's idle-eviction loop.
func (z *Zone) Close() {
	z.pool.Close()
}

// Run spawns `Connections` Worker goroutines and blocks until every one
// of them returns (i.e. until ctx is cancelled).
func (z *Zone) Run(ctx context.Context) {
	var wg sync.WaitGroup
	connections := z.cfg.Connections
	if connections <= 0 {
		connections = 1
	}
	for i := 0; i < connections; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			z.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

// workerLoop implements §4.1's repeat-forever GET loop for one Worker.
func (z *Zone) workerLoop(ctx context.Context, workerID int) {
	emptyBackoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := z.deps.Broker.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			z.deps.Logger.Error("GET failed", err)
			if !z.sleepCtx(ctx, 1500*time.Millisecond) {
				return
			}
			continue
		}
		if d == nil {
			if !z.sleepCtx(ctx, emptyBackoff) {
				return
			}
			continue
		}
		emptyBackoff = time.Second

		if err := z.speedometer.Wait(ctx); err != nil {
			return
		}

		done := make(chan struct{})
		go func() {
			z.handle(ctx, d)
			close(done)
		}()

		timer := time.NewTimer(connectDeadline)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			// Yield: this attempt keeps running in the background and
			// will RELEASE/DEFER/BOUNCE whenever it settles.
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (z *Zone) sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle runs one delivery attempt end to end: header materialization,
// exchanger resolution, connect, send, and outcome reporting.
func (z *Zone) handle(ctx context.Context, d *delivery.Delivery) {
	dnsOpts := d.EffectiveDNSOptions(zoneDNSOptions(z.cfg.DNS))

	raw, err := z.readBody(ctx, d.ID)
	if err != nil {
		z.deferOrBounce(ctx, d, err)
		return
	}
	headerRaw, body := splitMessage(raw)
	h, err := headers.Parse(headerRaw)
	if err != nil {
		z.deferOrBounce(ctx, d, err)
		return
	}
	d.Headers = h

	if d.HTTP {
		z.handleHTTP(ctx, d, body)
		return
	}

	exchangers, err := z.resolveExchangers(ctx, d)
	if err != nil {
		z.deferOrBounce(ctx, d, err)
		return
	}

	baseHeaders := d.Headers
	var lastErr error
	for _, ex := range exchangers {
		// Each exchanger gets its own header clone: BuildHeaders/Stream add
		// Received:/DKIM-Signature: lines in place, and those additions must
		// not carry over into a retry against the next exchanger.
		d.Headers = baseHeaders.Clone()
		outcome, mxHost, err := z.deliverToExchanger(ctx, d, ex, dnsOpts, body)
		if err == nil {
			z.release(ctx, d, mxHost, outcome)
			return
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("zone: no exchangers available for %s", d.Domain)
	}
	z.deferOrBounce(ctx, d, lastErr)
}

func (z *Zone) readBody(ctx context.Context, id string) ([]byte, error) {
	rc, err := z.deps.Store.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// splitMessage separates the header block from the body at the first
// CRLF-CRLF or LF-LF boundary, matching headers.Parse's own
// empty-line-terminates rule.
func splitMessage(raw []byte) (header, body []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx+4], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx+2], raw[idx+2:]
	}
	return raw, nil
}

func zoneDNSOptions(o zoneconfig.DNSOptions) delivery.DNSOptions {
	return delivery.DNSOptions{
		PreferIPv6:          o.PreferIPv6,
		IgnoreIPv6:          o.IgnoreIPv6,
		BlockLocalAddresses: o.BlockLocalAddresses,
		BlockDomains:        o.BlockDomains,
	}
}

// resolveExchangers returns d's ordered exchanger list, using the
// delivery's own pre-resolved MX entries when present and otherwise
// querying the MX Resolver directly.
func (z *Zone) resolveExchangers(ctx context.Context, d *delivery.Delivery) ([]resolve.Exchanger, error) {
	if len(d.MX) > 0 {
		exch := make([]resolve.Exchanger, len(d.MX))
		for i, m := range d.MX {
			exch[i] = resolve.Exchanger{Host: m.Host, Pref: m.Priority}
		}
		return exch, nil
	}
	return z.deps.Resolver.LookupMX(ctx, d.Domain)
}

// resolveAddresses looks up exchange's A/AAAA records and applies the
// §4.4 point 4/5 family preference and address filtering.
func (z *Zone) resolveAddresses(ctx context.Context, exchange string, opts delivery.DNSOptions) ([]string, Family, error) {
	addrs, err := z.deps.Resolver.LookupHost(ctx, exchange)
	if err != nil {
		return nil, FamilyIPv4, err
	}
	return filterAddresses(addrs, exchange, opts)
}

// filterAddresses applies the §4.4 point 4/5 block-list/local-address
// filtering and family preference to an already-resolved address list.
// Split out of resolveAddresses so the selection rules are testable
// without a live resolver.
func filterAddresses(addrs []string, exchange string, opts delivery.DNSOptions) ([]string, Family, error) {
	var v4, v6 []string
	for _, a := range addrs {
		if blocked(a, opts.BlockDomains) {
			continue
		}
		if opts.BlockLocalAddresses && isLocalAddress(a) {
			continue
		}
		if isUnspecifiedOrBroadcast(a) {
			continue
		}
		if ParseFamily(a) == FamilyIPv6 {
			v6 = append(v6, a)
		} else {
			v4 = append(v4, a)
		}
	}

	if opts.IgnoreIPv6 {
		v6 = nil
	}
	if opts.PreferIPv6 && len(v6) > 0 {
		return v6, FamilyIPv6, nil
	}
	if len(v4) > 0 {
		return v4, FamilyIPv4, nil
	}
	if len(v6) > 0 {
		return v6, FamilyIPv6, nil
	}
	return nil, FamilyIPv4, &mtaerr.SMTPError{
		Code:     451,
		Category: mtaerr.CategoryDNS,
		Temp:     true,
		Message:  "no usable address for " + exchange,
	}
}

func blocked(addr string, blockDomains []string) bool {
	for _, b := range blockDomains {
		if b == addr {
			return true
		}
	}
	return false
}

func isLocalAddress(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

func isUnspecifiedOrBroadcast(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() {
		return true
	}
	return addr == "255.255.255.255"
}

// pooledAttempt tracks a connpool-managed smtpclient.Attempt's usage
// count, since the pool keys reuse eligibility off it (§4.7) but
// smtpclient.Attempt has no notion of "pool" at all.
type pooledAttempt struct {
	*smtpclient.Attempt
	usage int
}

// deliverToExchanger resolves ex's addresses, obtains a connection (pooled
// or freshly dialed, subject to the Connect-Failure Cache), and sends the
// envelope. mxHost is returned for the caller's RELEASE/Received bookkeeping
// even on success paths that reused a pooled connection.
func (z *Zone) deliverToExchanger(ctx context.Context, d *delivery.Delivery, ex resolve.Exchanger, dnsOpts delivery.DNSOptions, body []byte) (pipeline.Outcome, string, error) {
	addrs, family, err := z.resolveAddresses(ctx, ex.Host, dnsOpts)
	if err != nil {
		return pipeline.Outcome{}, ex.Host, err
	}

	srcAddr, ehlo, poolDisabled := z.ipPool.Select(d.ID, family, d.DisabledAddresses)
	d.PoolDisabled = poolDisabled
	if ehlo == "" {
		ehlo = "localhost.localdomain"
	}

	port := d.MXPort
	if port == 0 {
		port = 25
	}

	user := ""
	if d.UseLMTP {
		user = d.Recipient
	}

	if failed, reason, cacheErr := z.connFail.Check(ctx, d.Domain, ex.Host, user, port); cacheErr == nil && failed {
		return pipeline.Outcome{}, ex.Host, &mtaerr.SMTPError{
			Code:     450,
			Category: mtaerr.CategoryNetwork,
			Temp:     true,
			Message:  "cached connect failure: " + reason,
		}
	}

	mxAddr := addrs[0]
	key := connpool.Key{SourceIP: srcAddr, MXHost: ex.Host, Port: port}

	var pa *pooledAttempt
	if conn, usageCount, ok := z.pool.Get(key); ok {
		if wrapped, ok2 := conn.(*pooledAttempt); ok2 {
			wrapped.usage = usageCount
			pa = wrapped
		} else {
			conn.Close()
		}
	}

	if pa == nil {
		a, err := z.connect(ctx, d, ex, mxAddr, srcAddr, ehlo, port, family)
		if err != nil {
			z.connFail.RecordFailure(ctx, d.Domain, ex.Host, user, port, err)
			return pipeline.Outcome{}, ex.Host, err
		}
		z.connFail.ClearSuccess(ctx, d.Domain, ex.Host, user, port)
		pa = &pooledAttempt{Attempt: a}
	}

	d.MXHostname = ex.Host
	d.LocalAddress = srcAddr
	d.LocalHostname = ehlo

	received := pipeline.BuildReceived(d, ehlo, ex.Host, pa.DidTLS(), time.Now())
	d.Headers.AddAtIndex(0, "received", "Received: "+received+"\r\n")

	bodyStore := singleBodyStore{id: d.ID, body: body}
	reader, outcomeFn, err := pipeline.Stream(ctx, bodyStore, d, time.Now())
	if err != nil {
		pa.Close()
		return pipeline.Outcome{}, ex.Host, err
	}

	if err := pa.Mail(ctx, d.From, smtp.MailOptions{}); err != nil {
		pa.Close()
		return pipeline.Outcome{}, ex.Host, err
	}
	if err := pa.Rcpt(ctx, d.Recipient); err != nil {
		pa.Close()
		return pipeline.Outcome{}, ex.Host, err
	}

	statuses, err := pa.Data(ctx, reader, []string{d.Recipient})
	if err != nil {
		pa.Close()
		return pipeline.Outcome{}, ex.Host, err
	}
	if len(statuses) > 0 && statuses[0].Err != nil {
		pa.Close()
		return pipeline.Outcome{}, ex.Host, statuses[0].Err
	}

	outcome := outcomeFn()
	pa.MarkDelivered()
	pa.usage++
	z.pool.Put(key, pa, pa.usage, true)
	return outcome, ex.Host, nil
}

func (z *Zone) connect(ctx context.Context, d *delivery.Delivery, ex resolve.Exchanger, mxAddr, srcAddr, ehlo string, port int, family Family) (*smtpclient.Attempt, error) {
	localAddr, err := localTCPAddr(srcAddr)
	if err != nil {
		return nil, err
	}

	requireTLS := z.cfg.TLS.RequireTLS
	var tlsConfig *tls.Config
	if z.deps.STS != nil {
		policy, stsErr := z.deps.STS.Policy(ctx, d.Domain)
		if stsErr == nil && policy != nil {
			if z.deps.STS.RequiresEncryption(policy) {
				requireTLS = true
				// §4.11 point 4: enforce mode also pins the minimum TLS
				// version, on top of RequireTLS's no-plaintext-fallback.
				tlsConfig = &tls.Config{
					MinVersion:         tls.VersionTLS12,
					InsecureSkipVerify: false,
				}
			}
			if mxErr := z.deps.STS.CheckMX(policy, ex.Host); mxErr != nil {
				return nil, mxErr
			}
		}
	}

	opts := smtpclient.Options{
		LocalAddr:   localAddr,
		Hostname:    ehlo,
		LMTP:        d.UseLMTP,
		RequireTLS:  requireTLS,
		TLSDisabled: z.isTLSDisabled(ex.Host),
	}
	if d.MXAuth != nil {
		opts.Auth = sasl.NewPlainClient("", d.MXAuth.Username, d.MXAuth.Password)
	}

	a := smtpclient.New(smtpclient.Endpoint{Host: mxAddr, Port: port}, opts, tlsConfig)
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	if a.TLSDisabledNow() {
		z.setTLSDisabled(ex.Host)
	}
	if err := a.Auth(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func localTCPAddr(srcAddr string) (net.Addr, error) {
	if srcAddr == "" || srcAddr == "0.0.0.0" || srcAddr == "::" {
		return nil, nil
	}
	ip := net.ParseIP(srcAddr)
	if ip == nil {
		return nil, fmt.Errorf("zone: invalid source address %q", srcAddr)
	}
	return &net.TCPAddr{IP: ip}, nil
}

func (z *Zone) isTLSDisabled(host string) bool {
	z.tlsDisabledMu.Lock()
	defer z.tlsDisabledMu.Unlock()
	return z.tlsDisabled[host]
}

func (z *Zone) setTLSDisabled(host string) {
	z.tlsDisabledMu.Lock()
	defer z.tlsDisabledMu.Unlock()
	z.tlsDisabled[host] = true
}

// singleBodyStore adapts an already-read-into-memory body to store.Store,
// for the case where the Zone Worker has already retrieved the full raw
// message once to split headers from body.
type singleBodyStore struct {
	id   string
	body []byte
}

func (s singleBodyStore) Retrieve(ctx context.Context, id string) (io.ReadCloser, error) {
	if id != s.id {
		return nil, &store.NotFoundError{ID: id}
	}
	return io.NopCloser(bytes.NewReader(s.body)), nil
}

func (z *Zone) handleHTTP(ctx context.Context, d *delivery.Delivery, body []byte) {
	hdr, err := pipeline.BuildHeaders(d, body, time.Now())
	if err != nil {
		z.deferOrBounce(ctx, d, err)
		return
	}
	if err := pipeline.HTTPSink(ctx, z.deps.HTTPClient, d, hdr, body); err != nil {
		z.deferOrBounce(ctx, d, err)
		return
	}
	z.release(ctx, d, "", pipeline.Outcome{StartedAt: time.Now()})
}

func (z *Zone) release(ctx context.Context, d *delivery.Delivery, mxHost string, outcome pipeline.Outcome) {
	d.SentBodyHash = outcome.SentBodyHash
	d.SentBodySize = outcome.SentBodySize
	d.Status = "delivered"

	_, err := z.deps.Broker.Release(ctx, brokerclient.ReleaseRequest{
		ID:        d.ID,
		Domain:    d.Domain,
		Recipient: d.Recipient,
		Seq:       d.Seq,
		Status:    d.Status,
		Address:   d.LocalAddress,
		Lock:      d.Lock,
	})
	if err != nil {
		z.deps.Logger.Error("RELEASE failed", err)
	}
}

// deferOrBounce runs err through the Response Classifier and issues
// either a DEFER (with the schedule's next TTL) or a BOUNCE, promoting an
// exhausted defer schedule to a bounce per §4.10.
func (z *Zone) deferOrBounce(ctx context.Context, d *delivery.Delivery, err error) {
	if err == nil {
		return
	}

	verdict := classify.Classify(err, z.deps.BounceTable, d.PoolDisabled, d.From == "")

	if verdict.Action == classify.ActionDefer {
		ttl, exhausted := classify.DeferTTL(d.Deferred.Count, d.DeferTimes)
		if !exhausted {
			_, derr := z.deps.Broker.Defer(ctx, brokerclient.DeferRequest{
				ID:       d.ID,
				Seq:      d.Seq,
				Lock:     d.Lock,
				TTL:      int64(ttl.Seconds()),
				Response: verdict.Message,
				Category: verdict.Category,
			})
			if derr != nil {
				z.deps.Logger.Error("DEFER failed", derr)
			}
			return
		}
	}

	z.bounce(ctx, d, verdict)
}

// bounce destroys the delivery's lease with a RELEASE before handing it to
// the Bouncer: §3's Lifecycle has no "bounced" terminal state distinct from
// RELEASE, and §8 requires exactly one RELEASE before the BOUNCE for every
// rejected delivery, suppressed or not.
func (z *Zone) bounce(ctx context.Context, d *delivery.Delivery, v classify.Verdict) {
	d.Status = "rejected"
	if z.deps.Broker != nil {
		if _, err := z.deps.Broker.Release(ctx, brokerclient.ReleaseRequest{
			ID:        d.ID,
			Domain:    d.Domain,
			Recipient: d.Recipient,
			Seq:       d.Seq,
			Status:    d.Status,
			Address:   d.LocalAddress,
			Lock:      d.Lock,
		}); err != nil {
			z.deps.Logger.Error("RELEASE failed", err)
		}
	}

	if z.deps.Bouncer == nil {
		z.deps.Logger.Msg("dropping delivery with no bouncer configured", "id", d.ID, "category", v.Category)
		return
	}
	if err := z.deps.Bouncer.Bounce(ctx, d, v); err != nil {
		z.deps.Logger.Error("BOUNCE failed", err)
	}
}
