// Package webhook delivers signed JSON payloads to hospital webhook
// endpoints. Each request carries an HMAC-SHA256 signature of the body so
// the hospital can verify it came from the matching engine.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

const (
	HeaderSignature = "X-Organmatch-Signature"
	HeaderDelivery  = "X-Organmatch-Delivery"
	HeaderTimestamp = "X-Organmatch-Timestamp"
)

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// IsURL reports whether address looks like a webhook URL rather than an
// inbox topic.
func IsURL(address string) bool {
	return strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://")
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// Sender POSTs signed payloads. It makes exactly one attempt per call;
// retries belong to the caller.
type Sender struct {
	secret     string
	httpClient *http.Client
}

func NewSender(secret string, opts ...Option) *Sender {
	s := &Sender{
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result describes one delivery attempt.
type Result struct {
	DeliveryID   string        `json:"delivery_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Post delivers payload to rawURL. Network failures, 429 and 5xx responses
// wrap sentinel.ErrTransientDelivery; other non-2xx responses are permanent.
func (s *Sender) Post(ctx context.Context, rawURL string, payload []byte) (Result, error) {
	res := Result{DeliveryID: uuid.NewString()}
	if err := ValidateURL(rawURL); err != nil {
		return res, fmt.Errorf("webhook %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return res, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, s.secret))
	req.Header.Set(HeaderDelivery, res.DeliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("webhook %s: %v: %w", rawURL, err, sentinel.ErrTransientDelivery)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	res.StatusCode = resp.StatusCode
	res.ResponseBody = string(body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return res, fmt.Errorf("webhook %s returned %d: %w", rawURL, resp.StatusCode, sentinel.ErrTransientDelivery)
	default:
		return res, fmt.Errorf("webhook %s returned %d", rawURL, resp.StatusCode)
	}
}
