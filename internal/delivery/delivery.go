// Package delivery defines the Delivery entity: one unit of work for a
// single (message id, sequence, recipient) triple, as handed to a Zone
// Worker by the broker and mutated only by the worker holding its lease.
//
// Grounded on internal/target/remote.Target/remoteDelivery's field set,
// generalized per spec's Delivery data model (§3): unlike the teacher's
// module.Delivery interface (built for a plugin pipeline this engine does
// not have), Delivery here is a concrete struct the broker serializes
// directly.
package delivery

import (
	"time"

	"github.com/relaymta/relaymta/internal/headers"
)

// DNSOptions are the per-delivery resolution flags folded in from the zone
// when absent on the delivery itself.
type DNSOptions struct {
	PreferIPv6          bool     `json:"preferIPv6,omitempty"`
	IgnoreIPv6          bool     `json:"ignoreIPv6,omitempty"`
	BlockLocalAddresses bool     `json:"blockLocalAddresses,omitempty"`
	BlockDomains        []string `json:"blockDomains,omitempty"`
}

// Exchange is a pre-resolved or resolver-discovered MX entry with its
// already-looked-up address families attached.
type Exchange struct {
	Host     string   `json:"exchange"`
	Priority uint16   `json:"priority"`
	A        []string `json:"a,omitempty"`
	AAAA     []string `json:"aaaa,omitempty"`
}

// DKIMKey is one entry of delivery.dkim: a signing descriptor whose bodyHash
// may already be computed upstream, in which case the DKIM Relaxed-Body
// Hasher is skipped for that key.
type DKIMKey struct {
	Domain     string `json:"domain"`
	Selector   string `json:"selector"`
	PrivateKey string `json:"privateKey"` // PEM-encoded RSA key
	HashAlgo   string `json:"hashAlgo"`   // "sha256" default
	BodyHash   string `json:"bodyHash,omitempty"`
}

// MXAuth carries optional SMTP AUTH credentials for the outbound connection.
type MXAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Deferred tracks the retry state carried across attempts for one Delivery.
type Deferred struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
	Next  time.Time `json:"next"`
}

// Delivery is a single (id, seq, recipient) unit of work.
type Delivery struct {
	ID        string `json:"id"`
	Seq       int    `json:"seq"`
	SessionID string `json:"sessionId"`

	From      string `json:"from"`
	Recipient string `json:"recipient"`
	Domain    string `json:"domain"`

	Headers *headers.Headers `json:"-"`

	BodySize  int64  `json:"bodySize"`
	SourceMD5 string `json:"sourceMd5,omitempty"`

	DNSOptions DNSOptions `json:"dnsOptions"`

	MX      []Exchange `json:"mx,omitempty"`
	MXPort  int        `json:"mxPort,omitempty"`
	MXAuth  *MXAuth    `json:"mxAuth,omitempty"`
	UseLMTP bool       `json:"useLMTP,omitempty"`
	MXSecure bool      `json:"mxSecure,omitempty"`

	DisabledAddresses []string `json:"disabledAddresses,omitempty"`

	DKIM []DKIMKey `json:"dkim,omitempty"`

	DeferTimes []time.Duration `json:"deferTimes,omitempty"`
	Deferred   Deferred        `json:"_deferred"`
	Lock       string          `json:"_lock"`

	HTTP      bool   `json:"http,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`

	// Transient fields, populated during the attempt and never persisted
	// by the broker.
	ZoneAddressV4 string
	ZoneAddressV6 string
	LocalAddress  string
	LocalHostname string
	LocalPort     int
	MXHostname    string
	ConnectionKey string
	Status        string
	SentBodyHash  string
	SentBodySize  int64
	MD5Match      bool
	PoolDisabled  bool
	SkipBounce    bool
}

// EffectiveDNSOptions returns d.DNSOptions, folding in zoneDefault for any
// field the delivery itself left at its zero value.
func (d *Delivery) EffectiveDNSOptions(zoneDefault DNSOptions) DNSOptions {
	opts := d.DNSOptions
	if !opts.PreferIPv6 && !opts.IgnoreIPv6 && !opts.BlockLocalAddresses && len(opts.BlockDomains) == 0 {
		return zoneDefault
	}
	return opts
}

// IsAddressDisabled reports whether addr is in the delivery's
// disabledAddresses list.
func (d *Delivery) IsAddressDisabled(addr string) bool {
	for _, a := range d.DisabledAddresses {
		if a == addr {
			return true
		}
	}
	return false
}
