package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/klear-escrow/pkg/apperr"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" signatures.
const SignatureHeader = "Stripe-Signature"

// Sign builds a signature header for payload at ts.
func Sign(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, computeSignature(unix, payload, secret))
}

// VerifySignature checks header against payload. The signed content is
// "<t>.<payload>" and t must be within tolerance of now; a zero tolerance
// disables the timestamp check.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if strings.TrimSpace(header) == "" {
		return apperr.Signature("missing webhook signature")
	}

	var (
		timestamp  int64
		haveTS     bool
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return apperr.Signature("invalid webhook signature timestamp")
			}
			timestamp, haveTS = ts, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return apperr.Signature("malformed webhook signature")
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return apperr.Signature("webhook signature timestamp outside tolerance")
		}
	}

	expected, err := hex.DecodeString(computeSignature(timestamp, payload, secret))
	if err != nil {
		return apperr.Signature("webhook signature could not be computed")
	}
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return apperr.Signature("webhook signature mismatch")
}

func computeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
