package output

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// retryableStatusCodes mirrors spec §4.H.4 exactly.
var retryableStatusCodes = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// nonRetryableStatusCodes is the explicit "do not retry" set; any
// status not in either set is treated as success (2xx) or a
// terminal non-retryable failure, matching "Success = 2xx" plus the
// closed retryable set.
var nonRetryableStatusCodes = map[int]bool{
	400: true, 401: true, 403: true, 404: true, 422: true,
}

// deliverWebhook sends the serialized body to d's expanded URL,
// retrying per d's retry policy (teacher's exponential-backoff
// delivery loop, generalized onto hashicorp/go-retryablehttp so the
// policy is carried in CheckRetry/Backoff instead of a hand-rolled
// loop). onAttempt is called once per HTTP try, in order, so the
// caller can persist Retrying/Success/Failed records exactly as they
// occur (spec §3's DeliveryAttempt). final is false for every call
// that precedes another try (the library is about to retry) and true
// for the one call that reports the exchange's actual outcome — a
// final call is never "Retrying": it is the last attempt there will
// ever be, whether it succeeded or not.
func deliverWebhook(ctx context.Context, d *WebhookDestination, body []byte, tmplCtx Context, onAttempt func(attemptNum int, statusCode *int, err error, final bool)) error {
	url, _ := Expand(d.URLTemplate, tmplCtx)
	rp := DefaultRetryPolicy()
	if d.RetryPolicy != nil {
		rp = *d.RetryPolicy
	}

	method := d.Method
	if method == "" {
		method = http.MethodPost
	}
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = rp.MaxAttempts - 1
	client.HTTPClient.Timeout = timeout
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil // network error: always in the retryable set
		}
		if resp == nil {
			return false, nil
		}
		return retryableStatusCodes[resp.StatusCode], nil
	}
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		delay := time.Duration(float64(rp.Base) * math.Pow(rp.Multiplier, float64(attemptNum)))
		if delay > rp.MaxDelay {
			delay = rp.MaxDelay
		}
		jitter := time.Duration(rand.Float64() * rp.Jitter * float64(delay))
		return delay + jitter
	}

	attemptNum := 0
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retryNumber int) {
		if retryNumber > 0 && onAttempt != nil {
			onAttempt(attemptNum, nil, fmt.Errorf("retrying"), false)
		}
		attemptNum = retryNumber + 1
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return rerrors.New(rerrors.KindNetwork, "output", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "ratchet-output-router/1")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if err := applyAuth(req.Request, d.Auth, body); err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		if onAttempt != nil {
			onAttempt(attemptNum, nil, err, true)
		}
		return rerrors.New(rerrors.KindNetwork, "output", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := resp.StatusCode
	if onAttempt != nil {
		onAttempt(attemptNum, &status, nil, true)
	}

	if status >= 200 && status < 300 {
		return nil
	}
	retryable := retryableStatusCodes[status] && !nonRetryableStatusCodes[status]
	return rerrors.Newf(rerrors.KindHttpStatus, "output", "webhook returned status %d", status).WithRetryable(retryable)
}

func applyAuth(req *http.Request, auth *AuthConfig, body []byte) error {
	if auth == nil {
		return nil
	}
	switch auth.Kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthApiKey:
		name := auth.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		req.Header.Set(name, auth.Token)
	case AuthHmac:
		req.Header.Set("X-Webhook-Signature", signHMAC(body, auth.HMACSecret))
	default:
		return rerrors.Newf(rerrors.KindValidation, "output", "unknown auth kind %q", auth.Kind)
	}
	return nil
}

// signHMAC mirrors the teacher's webhook.generateSignature exactly
// (HMAC-SHA256 over the raw payload, "sha256=" hex-encoded prefix).
func signHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
