package tsara

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/stitchmarket/stitchmarket/internal/payment/domain"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "x-tsara-signature"

// Raw provider statuses. Side-effect dispatch branches on these, not on the
// mapped internal status (see the transition executor).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
)

// Envelope is the webhook body shape Tsara delivers.
type Envelope struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  Data   `json:"data"`
}

type Data struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// VerifySignature checks the hex HMAC-SHA256 of the exact raw body bytes
// against the signature header in constant time. Re-serialized JSON is not
// guaranteed byte-identical to what the provider signed, so the body must be
// taken before any parsing. All failure modes report false; none mutate
// state beyond logging.
func VerifySignature(log *zap.Logger, rawBody []byte, signatureHeader, secret string) bool {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(secret) == "" {
		log.Error("webhook signature verification skipped: empty secret")
		return false
	}
	if strings.TrimSpace(signatureHeader) == "" {
		log.Warn("webhook signature verification failed: missing signature header")
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(signatureHeader) != len(expected) {
		log.Warn("webhook signature verification failed: length mismatch",
			zap.Int("got_len", len(signatureHeader)),
			zap.Int("want_len", len(expected)),
		)
		return false
	}
	if !hmac.Equal([]byte(signatureHeader), []byte(expected)) {
		log.Warn("webhook signature verification failed: digest mismatch")
		return false
	}
	return true
}

// ParseEvent decodes the webhook envelope. The event id is mandatory; the
// rest of the payload is kept verbatim by the caller for forensics.
func ParseEvent(payload []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	envelope.ID = strings.TrimSpace(envelope.ID)
	if envelope.ID == "" {
		return nil, domain.ErrMissingEventID
	}
	envelope.Event = strings.TrimSpace(envelope.Event)
	envelope.Data.Reference = strings.TrimSpace(envelope.Data.Reference)
	envelope.Data.Status = strings.TrimSpace(envelope.Data.Status)
	return &envelope, nil
}
