package domain

import (
	"crypto/rsa"
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by Store operations. Callers distinguish
// retryable backend trouble from policy/data errors by checking these
// with errors.Is.
var (
	ErrNotFound      = errors.New("domain: not found")
	ErrConflict      = errors.New("domain: conflict")
	ErrQuotaExceeded = errors.New("domain: quota exceeded")
	ErrBackend       = errors.New("domain: backend unavailable")
	ErrNoKey         = errors.New("domain: no active dkim key")
)

// PlanTier names an organization's subscription tier. The billing
// integration that assigns these lives outside this core.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

// QuotaKind distinguishes the two counters QuotaCheck enforces.
type QuotaKind string

const (
	QuotaDomains  QuotaKind = "domains"
	QuotaMessages QuotaKind = "messages"
)

// Organization owns domains and aliases and is the unit of quota enforcement.
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PlanTier       PlanTier  `json:"plan_tier"`
	DomainQuota    int       `json:"domain_quota"`
	MessageQuota   int       `json:"message_quota"`
	BillingEmail   string    `json:"billing_email"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VerificationState reflects the latest DNS snapshot summary for a domain.
type VerificationState string

const (
	VerificationUnverified VerificationState = "unverified"
	VerificationPartial    VerificationState = "partial"
	VerificationVerified   VerificationState = "verified"
)

// Domain is a DNS name under an organization's control.
type Domain struct {
	ID                string             `json:"id"`
	OrganizationID    string             `json:"organization_id"`
	Name              string             `json:"name"` // lowercase, IDNA-normalized
	VerificationState VerificationState  `json:"verification_state"`
	CatchAllTarget    string             `json:"catch_all_target,omitempty"`
	DKIMSelector      string             `json:"dkim_selector"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	DeletedAt         *time.Time         `json:"deleted_at,omitempty"`
}

// SoftDeleted reports whether the domain has been cascade-soft-deleted.
func (d *Domain) SoftDeleted() bool { return d.DeletedAt != nil }

// HasCatchAll reports whether unmatched recipients fall through to a
// catch-all target.
func (d *Domain) HasCatchAll() bool { return d.CatchAllTarget != "" }

// NormalizeDomainName lowercases a domain name the way Store keys expect.
// Full IDNA punycode conversion is intentionally not attempted here; the
// admin path (out of scope) is responsible for storing already-normalized
// ASCII names.
func NormalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Alias is a local-part under a domain that forwards to one or more targets.
type Alias struct {
	ID           string     `json:"id"`
	DomainID     string     `json:"domain_id"`
	LocalPart    string     `json:"local_part"` // lowercase
	Targets      []string   `json:"targets"`    // ordered set of RFC 5321 addresses
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsActive reports whether the alias should currently be used for
// forwarding: the active flag must be set and, if an expiration is
// present, it must not be in the past.
func (a *Alias) IsActive(now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return len(a.Targets) > 0
}

// NormalizeLocalPart lowercases a local-part the way alias lookup keys expect.
func NormalizeLocalPart(local string) string {
	return strings.ToLower(strings.TrimSpace(local))
}

// DKIMKeypair is a per-domain signing key. Exactly one keypair per domain
// is active; rotation retires the prior record rather than deleting it,
// so messages signed under it remain verifiable.
type DKIMKeypair struct {
	ID             string          `json:"id"`
	DomainID       string          `json:"domain_id"`
	Selector       string          `json:"selector"`
	PrivateKey     *rsa.PrivateKey `json:"-"`
	PublicKeyPEM   string          `json:"public_key_pem"`
	DNSRecordValue string          `json:"dns_record_value"` // "v=DKIM1; k=rsa; p=<base64>"
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	RetiredAt      *time.Time      `json:"retired_at,omitempty"`
}

// MessageStatus is the lifecycle state of a Message Record. Transitions
// are enforced by ValidMessageTransition.
type MessageStatus string

const (
	MessageAccepted   MessageStatus = "accepted"
	MessageForwarding MessageStatus = "forwarding"
	MessageDelivered  MessageStatus = "delivered"
	MessageBounced    MessageStatus = "bounced"
	MessageFailed     MessageStatus = "failed"
	MessageRejected   MessageStatus = "rejected"
)

// terminal holds the statuses past which no further transition is valid.
var terminal = map[MessageStatus]bool{
	MessageDelivered: true,
	MessageBounced:   true,
	MessageRejected:  true,
}

// validNext enumerates the state machine of spec §4.6/§8 property 1.
var validNext = map[MessageStatus][]MessageStatus{
	MessageAccepted:   {MessageForwarding, MessageRejected},
	MessageForwarding: {MessageForwarding, MessageDelivered, MessageBounced, MessageFailed},
}

// ValidMessageTransition reports whether moving a Message Record from
// `from` to `to` is legal. Once a record reaches a terminal status, no
// further transition (including to the same status) is valid.
func ValidMessageTransition(from, to MessageStatus) bool {
	if terminal[from] {
		return false
	}
	for _, candidate := range validNext[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies the last delivery error recorded against a Message
// Record, per the error taxonomy of spec §7.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindPolicy      ErrorKind = "policy"
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindPermanent   ErrorKind = "permanent"
	ErrorKindCrypto      ErrorKind = "crypto"
)

// Message is the persistent audit record of every forwarded (or
// attempted) message, plus the in-memory fields the Forwarder/Delivery
// Router need to carry the raw bytes through the pipeline.
type Message struct {
	ID                string            `json:"id"`
	MessageIDHeader   string            `json:"message_id_header"`
	DomainID          string            `json:"domain_id"`
	AliasID           *string           `json:"alias_id,omitempty"` // nil for catch-all
	EnvelopeSender    string            `json:"envelope_sender"`
	EnvelopeRecipient string            `json:"envelope_recipient"` // the alias/catch-all address
	ForwardTo         string            `json:"forward_to"`
	ReturnPath        string            `json:"return_path"` // SRS-rewritten MAIL FROM used on the outbound leg; "" falls back to EnvelopeSender
	ParentMessageID   *string           `json:"parent_message_id,omitempty"` // fanout siblings share this
	Subject           string            `json:"subject"`
	Size              int64             `json:"size"`
	Status            MessageStatus     `json:"status"`
	Attempts          int               `json:"attempts"`
	LastErrorKind     ErrorKind         `json:"last_error_kind,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	BounceToken       string            `json:"bounce_token,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	RawMessage        []byte            `json:"-"`
	RawMessagePath    string            `json:"raw_message_path,omitempty"` // blob store path written by queue.Manager.StoreMessage
	AcceptedAt        time.Time         `json:"accepted_at"`
	ForwardingAt      *time.Time        `json:"forwarding_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	BouncedAt         *time.Time        `json:"bounced_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	NextAttemptAt     *time.Time        `json:"next_attempt_at,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// MailFrom returns the address the Delivery Router should use as the
// outbound MAIL FROM: the SRS return-path if one was set, else the
// original envelope sender unchanged.
func (m *Message) MailFrom() string {
	if m.ReturnPath != "" {
		return m.ReturnPath
	}
	return m.EnvelopeSender
}

// DNSRecordType enumerates the record types the Verification Service checks.
type DNSRecordType string

const (
	RecordMX    DNSRecordType = "MX"
	RecordSPF   DNSRecordType = "SPF"
	RecordDKIM  DNSRecordType = "DKIM"
	RecordDMARC DNSRecordType = "DMARC"
	RecordPTR   DNSRecordType = "PTR"
)

// DNSSnapshot is the latest observation for a (domain, record-type) pair.
type DNSSnapshot struct {
	ID        string        `json:"id"`
	DomainID  string        `json:"domain_id"`
	Type      DNSRecordType `json:"type"`
	Expected  string        `json:"expected"`
	Actual    []string      `json:"actual"`
	Pass      bool          `json:"pass"`
	CheckedAt time.Time     `json:"checked_at"`
}

// ActivityKind names the class of an Activity Log Entry.
type ActivityKind string

const (
	ActivityAliasCreated    ActivityKind = "alias_created"
	ActivityDomainVerified  ActivityKind = "domain_verified"
	ActivityMessageDelivered ActivityKind = "message_delivered"
	ActivityMessageFailed   ActivityKind = "message_failed"
	ActivityMessageBounced  ActivityKind = "message_bounced"
	ActivityKeyRotated      ActivityKind = "key_rotated"
	ActivitySecurityEvent   ActivityKind = "security_event"
)

// ActivityLogEntry is an append-only record of a significant action,
// indexed by (organization, timestamp).
type ActivityLogEntry struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Kind           ActivityKind `json:"kind"`
	Detail         string       `json:"detail"`
	DomainID       string       `json:"domain_id,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	RemoteAddr     string       `json:"remote_addr,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// AliasLookupResult is what LookupAlias/LookupCatchAll return to the SMTP
// Receiver and Forwarder.
type AliasLookupResult struct {
	Found        bool
	Alias        *Alias // nil when served by catch-all
	Domain       *Domain
	Organization *Organization
	Targets      []string
}
