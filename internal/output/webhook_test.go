package output

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// E6: server returns 500 on the first call and 200 on retry; expect
// exactly two attempts and an overall success.
func TestDeliverWebhookRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &WebhookDestination{
		URLTemplate: srv.URL,
		RetryPolicy: &RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	}

	var attempts []string
	err := deliverWebhook(context.Background(), d, []byte(`{}`), Context{}, func(attemptNum int, statusCode *int, attemptErr error, final bool) {
		switch {
		case !final:
			attempts = append(attempts, "retrying")
		case statusCode != nil && *statusCode >= 200 && *statusCode < 300:
			attempts = append(attempts, "success")
		default:
			attempts = append(attempts, "failed")
		}
	})
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 HTTP calls, got %d", calls)
	}
	if len(attempts) == 0 || attempts[len(attempts)-1] != "success" {
		t.Fatalf("expected the final recorded attempt to be success, got %v", attempts)
	}
}

func TestDeliverWebhookDoesNotRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := &WebhookDestination{
		URLTemplate: srv.URL,
		RetryPolicy: &RetryPolicy{MaxAttempts: 4, Base: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	}

	err := deliverWebhook(context.Background(), d, []byte(`{}`), Context{}, nil)
	if err == nil {
		t.Fatal("expected a 404 to surface as an error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 HTTP call for a non-retryable status, got %d", calls)
	}
}

func TestDeliverWebhookSucceedsOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := &WebhookDestination{URLTemplate: srv.URL}
	if err := deliverWebhook(context.Background(), d, []byte(`{}`), Context{}, nil); err != nil {
		t.Fatalf("expected success on 201, got: %v", err)
	}
}

func TestDeliverWebhookBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &WebhookDestination{URLTemplate: srv.URL, Auth: &AuthConfig{Kind: AuthBearer, Token: "secret-token"}}
	if err := deliverWebhook(context.Background(), d, []byte(`{}`), Context{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected Bearer auth header, got %q", gotAuth)
	}
}

func TestDeliverWebhookHmacAuth(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &WebhookDestination{URLTemplate: srv.URL, Auth: &AuthConfig{Kind: AuthHmac, HMACSecret: "shh"}}
	body := []byte(`{"result":15}`)
	if err := deliverWebhook(context.Background(), d, body, Context{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := signHMAC(body, "shh")
	if gotSig != want {
		t.Fatalf("expected signature %q, got %q", want, gotSig)
	}
}

func TestDeliverWebhookUrlTemplateExpansion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &WebhookDestination{URLTemplate: srv.URL + "/{{job_id}}"}
	var gotPath string
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	if err := deliverWebhook(context.Background(), d, []byte(`{}`), Context{JobID: "job-42"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/job-42" {
		t.Fatalf("expected expanded path /job-42, got %q", gotPath)
	}
}
