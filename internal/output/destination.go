// Package output implements the Output router (spec §4.H): template
// expansion, format serialization, and delivery to filesystem/webhook
// sinks with retries, grounded on the teacher's internal/webhook
// delivery pipeline (HMAC signing, exponential backoff) generalized
// from a tenant-keyed webhook registry into a per-Execution
// OutputDestination list.
package output

import (
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// Kind selects which sink variant a Destination carries.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindWebhook    Kind = "webhook"
)

// Format controls how an Execution's output is serialized before
// delivery, per spec §3's OutputDestination union.
type Format string

const (
	FormatJson        Format = "json"
	FormatJsonCompact Format = "json_compact"
	FormatYaml        Format = "yaml"
	FormatCsv         Format = "csv"
	FormatRaw         Format = "raw"
	FormatTemplate    Format = "template"
)

// AuthKind selects a Webhook destination's auth scheme.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthApiKey AuthKind = "api_key"
	AuthHmac   AuthKind = "hmac"
)

// AuthConfig configures a Webhook destination's request authentication.
type AuthConfig struct {
	Kind       AuthKind `json:"kind"`
	Token      string   `json:"token,omitempty"`       // Bearer
	Username   string   `json:"username,omitempty"`     // Basic
	Password   string   `json:"password,omitempty"`     // Basic
	HeaderName string   `json:"header_name,omitempty"`  // ApiKey
	HMACSecret string   `json:"hmac_secret,omitempty"`  // Hmac
}

// RetryPolicy is the glossary's "base, multiplier, max_delay,
// max_attempts, jitter" retry policy, used for webhook delivery.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Base        time.Duration `json:"base"`
	Multiplier  float64       `json:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      float64       `json:"jitter"` // fraction of the computed delay, in [0,1]
}

// DefaultRetryPolicy mirrors the teacher's webhook backoff
// (1s, 2s, 4s, 8s, ...) bounded to a sane ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Base:        time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
		Jitter:      0.1,
	}
}

// FilesystemDestination writes the serialized output to a local path.
type FilesystemDestination struct {
	PathTemplate string      `json:"path_template"`
	Format       Format      `json:"format"`
	TemplateBody string      `json:"template_body,omitempty"` // used when Format == FormatTemplate
	Permissions  uint32      `json:"permissions,omitempty"`   // e.g. 0644; 0 means 0644 default
	CreateDirs   bool        `json:"create_dirs"`
	Overwrite    bool        `json:"overwrite"`
}

// WebhookDestination delivers the serialized output via HTTP.
type WebhookDestination struct {
	URLTemplate  string            `json:"url_template"`
	Method       string            `json:"method"` // default POST
	Headers      map[string]string `json:"headers,omitempty"`
	Timeout      time.Duration     `json:"timeout"`
	ContentType  string            `json:"content_type"`
	Auth         *AuthConfig       `json:"auth,omitempty"`
	RetryPolicy  *RetryPolicy      `json:"retry_policy,omitempty"`
	Format       Format            `json:"format"`
	TemplateBody string            `json:"template_body,omitempty"`
}

// Destination is the tagged union from spec §3: exactly one of
// Filesystem or Webhook is set, selected by Kind.
type Destination struct {
	ID         ids.DestinationID      `json:"id"`
	Kind       Kind                   `json:"kind"`
	Filesystem *FilesystemDestination `json:"filesystem,omitempty"`
	Webhook    *WebhookDestination    `json:"webhook,omitempty"`
}

// AttemptStatus is a DeliveryAttempt's outcome.
type AttemptStatus string

const (
	AttemptSuccess  AttemptStatus = "success"
	AttemptRetrying AttemptStatus = "retrying"
	AttemptFailed   AttemptStatus = "failed"
)

// DeliveryAttempt records one try at delivering to one destination
// (spec §3). A destination failure never fails the owning Execution;
// it is surfaced only here.
type DeliveryAttempt struct {
	ID               ids.DestinationID `json:"id"`
	ExecutionID      ids.ExecutionID   `json:"execution_id"`
	DestinationIndex int               `json:"destination_index"`
	AttemptNumber    int               `json:"attempt_number"`
	Status           AttemptStatus     `json:"status"`
	StatusCode       *int              `json:"status_code,omitempty"`
	Error            string            `json:"error,omitempty"`
	At               time.Time         `json:"at"`
}
