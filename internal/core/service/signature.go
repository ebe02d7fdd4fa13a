package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	tsRegex = regexp.MustCompile(`(?:^|,)\s*ts=([^,]+)`)
	v1Regex = regexp.MustCompile(`(?:^|,)\s*v1=([^,]+)`)
)

// Signer computes and checks HMAC-SHA256 callback signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the shared callback secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex signature of msg.
func (s *Signer) Sign(msg []byte) string {
	return hex.EncodeToString(s.mac(msg))
}

// SignTimestamped returns a header value in the ts=<ts>,v1=<hex> form.
func (s *Signer) SignTimestamped(ts string, msg []byte) string {
	return "ts=" + ts + ",v1=" + s.Sign(timestamped(ts, msg))
}

// Verify checks header against msg. Accepted header forms are a bare hex
// digest, sha256=<hex> and ts=<ts>,v1=<hex>; the last signs "<ts>.<msg>".
func (s *Signer) Verify(msg []byte, header string) bool {
	if len(s.secret) == 0 {
		return false
	}
	ts, sig := parseSignatureHeader(header)
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	if ts != "" {
		msg = timestamped(ts, msg)
	}
	return hmac.Equal(got, s.mac(msg))
}

func (s *Signer) mac(msg []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(msg)
	return h.Sum(nil)
}

func timestamped(ts string, msg []byte) []byte {
	out := make([]byte, 0, len(ts)+1+len(msg))
	out = append(out, ts...)
	out = append(out, '.')
	return append(out, msg...)
}

// parseSignatureHeader extracts the timestamp (if any) and the hex digest.
func parseSignatureHeader(header string) (ts, sig string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}

	if v1Match := v1Regex.FindStringSubmatch(header); len(v1Match) > 1 {
		sig = strings.TrimSpace(v1Match[1])
		if tsMatch := tsRegex.FindStringSubmatch(header); len(tsMatch) > 1 {
			ts = strings.TrimSpace(tsMatch[1])
		}
		return ts, strings.ToLower(sig)
	}

	if rest, ok := strings.CutPrefix(header, "sha256="); ok {
		return "", strings.ToLower(strings.TrimSpace(rest))
	}
	return "", strings.ToLower(header)
}

// fingerprint is a short SHA-256 digest safe to log in place of secrets or payloads.
func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
