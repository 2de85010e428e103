package dkimbody

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaymta/relaymta/internal/delivery"
	"github.com/relaymta/relaymta/internal/headers"
)

// ParsePrivateKey decodes a PEM-encoded RSA private key as stored in
// delivery.DKIMKey.PrivateKey (the engine's DKIM key store, loaded eagerly
// at startup per §9 "DKIM key store").
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("dkimbody: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkimbody: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("dkimbody: private key is not RSA")
	}
	return rsaKey, nil
}

func hashFromAlgo(algo string) crypto.Hash {
	switch strings.ToLower(algo) {
	case "sha1":
		return crypto.SHA1
	default:
		return crypto.SHA256
	}
}

func dkimHashName(h crypto.Hash) string {
	if h == crypto.SHA1 {
		return "sha1"
	}
	return "sha256"
}

// canonicalizeHeaderRelaxed applies RFC 6376 §3.4.2 relaxed header
// canonicalization to one header field's raw text: lowercase the field
// name, unfold continuation lines, collapse internal WS runs to a single
// space, and strip leading/trailing WS from the unfolded value.
func canonicalizeHeaderRelaxed(key, raw string) string {
	idx := strings.IndexByte(raw, ':')
	value := raw
	if idx >= 0 {
		value = raw[idx+1:]
	}
	value = strings.Join(strings.Fields(value), " ")
	return key + ":" + value
}

// SignOptions parameterizes one DKIM-Signature header construction.
type SignOptions struct {
	Domain     string
	Selector   string
	HeaderKeys []string // fields to include in h=, in order
	Hash       crypto.Hash
	Now        time.Time
}

// defaultSignedHeaders mirrors the common practice seen in
// internal/modify/dkim.Modifier's signDefault list.
var defaultSignedHeaders = []string{
	"from", "to", "subject", "date", "message-id",
	"content-type", "mime-version",
}

// BuildSignature computes bh= (from key.BodyHash if already supplied,
// otherwise by hashing body with the Relaxed-Body Hasher), constructs the
// DKIM-Signature header with an empty b=, signs the canonicalized header
// set (including that empty-b= signature header itself) with RSA-SHA256,
// and returns the complete header line ready for Headers.AddAtIndex.
func BuildSignature(key delivery.DKIMKey, h *headers.Headers, body []byte, now time.Time) (string, error) {
	priv, err := ParsePrivateKey(key.PrivateKey)
	if err != nil {
		return "", err
	}

	hashAlgo := hashFromAlgo(key.HashAlgo)

	bodyHash := key.BodyHash
	if bodyHash == "" {
		bodyHash = base64.StdEncoding.EncodeToString(HashBody(hashAlgo, body))
	}

	signedHeaders := defaultSignedHeaders
	canonHeaders := make([]string, 0, len(signedHeaders))
	presentKeys := make([]string, 0, len(signedHeaders))
	for _, hk := range signedHeaders {
		raw := h.GetFirst(hk)
		if raw == "" {
			continue
		}
		canonHeaders = append(canonHeaders, canonicalizeHeaderRelaxed(hk, raw))
		presentKeys = append(presentKeys, hk)
	}

	sigHeader := fmt.Sprintf(
		"DKIM-Signature: v=1; a=rsa-%s; c=relaxed/relaxed; d=%s; s=%s; h=%s; bh=%s; t=%s; b=",
		dkimHashName(hashAlgo), key.Domain, key.Selector, strings.Join(presentKeys, ":"), bodyHash,
		strconv.FormatInt(now.Unix(), 10),
	)

	signable := strings.Join(canonHeaders, "\r\n") + "\r\n" + canonicalizeHeaderRelaxed("dkim-signature", sigHeader)

	digest := hashAlgo.New()
	digest.Write([]byte(signable))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, hashAlgo, digest.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("dkimbody: sign: %w", err)
	}

	return sigHeader + base64.StdEncoding.EncodeToString(sig), nil
}
