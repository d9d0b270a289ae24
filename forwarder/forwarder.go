// Package forwarder implements the Forwarder's accept-time pipeline
// (spec §4.6): recipient resolution, fanout, SRS return-path rewrite,
// DKIM signing, and handing the resulting Message Records to the queue
// for the Delivery Router to drive. Grounded on the teacher's
// smtp/message.go accept-time flow (parse -> sign -> enqueue), rewired
// onto the routing.Router alias/rule resolver instead of a local/
// external recipient split.
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aliashub/relaycore/arc"
	"github.com/aliashub/relaycore/bounce"
	"github.com/aliashub/relaycore/dkim"
	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/routing"
)

// Enqueuer is the subset of queue.Manager the pipeline stores raw bytes
// and new Message Records through.
type Enqueuer interface {
	StoreMessage(ctx context.Context, data []byte) (string, error)
	Enqueue(ctx context.Context, msg *domain.Message) error
}

// Pipeline is the Forwarder's accept-time component.
type Pipeline struct {
	router     *routing.Router
	dkimSigner *dkim.Signer
	arcSigner  *arc.Signer
	enqueuer   Enqueuer
	hostname   string
	bounceKey  []byte
	logger     *zap.Logger
}

// New creates a new Forwarder pipeline. arcSigner may be nil to skip
// ARC sealing (e.g. in tests).
func New(router *routing.Router, dkimSigner *dkim.Signer, arcSigner *arc.Signer, enqueuer Enqueuer, hostname string, bounceKey []byte, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		router:     router,
		dkimSigner: dkimSigner,
		arcSigner:  arcSigner,
		enqueuer:   enqueuer,
		hostname:   hostname,
		bounceKey:  bounceKey,
		logger:     logger,
	}
}

// AcceptInput carries one accepted SMTP transaction into the pipeline.
type AcceptInput struct {
	DomainID        string
	DomainName      string
	EnvelopeSender  string
	Recipients      []string
	Raw             []byte
	MessageIDHeader string
	Subject         string
	Headers         map[string]string
	AuthResults     []arc.AuthResult // SPF/DKIM/DMARC outcome of the inbound hop, for ARC sealing
}

// AcceptResult reports what the pipeline did with each recipient.
type AcceptResult struct {
	Accepted int
	Rejected []routing.Resolution
}

// Accept resolves every recipient to its forward targets, signs the
// message once, and enqueues one Message Record per (recipient, target)
// pair, linking fanout siblings via ParentMessageID.
func (p *Pipeline) Accept(ctx context.Context, in AcceptInput) (*AcceptResult, error) {
	resolutions, err := p.router.Resolve(ctx, in.DomainID, in.Recipients)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	result := &AcceptResult{}
	var accepted []*routing.Resolution
	for _, res := range resolutions {
		if res.Rejected {
			result.Rejected = append(result.Rejected, *res)
			continue
		}
		accepted = append(accepted, res)
	}
	if len(accepted) == 0 {
		return result, nil
	}

	signed := p.sign(in)

	path, err := p.enqueuer.StoreMessage(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	var groupID *string
	for _, res := range accepted {
		for _, target := range res.Targets {
			msg := p.buildMessage(in, res, target, path, groupID)
			if groupID == nil {
				groupID = &msg.ID
				msg.ParentMessageID = groupID
			}
			if err := p.enqueuer.Enqueue(ctx, msg); err != nil {
				return result, fmt.Errorf("enqueue message for %s: %w", target, err)
			}
			result.Accepted++
		}
	}
	return result, nil
}

// sign rewrites the forwarding header mutations (spec §4.6 Step 2) into
// the message, then, when an ARC signer and inbound AuthResults are
// available, seals an ARC set recording the original hop's
// authentication, and then applies DKIM signing when a DKIM signer is
// configured. A sealing or signing error is logged and the message goes
// on without that header.
func (p *Pipeline) sign(in AcceptInput) []byte {
	data := rewriteForwardingHeaders(in, p.hostname)

	if p.arcSigner != nil && len(in.AuthResults) > 0 {
		sealed, err := p.arcSigner.SignMessage(in.DomainName, data, in.AuthResults, chainValidationFor(in.AuthResults), nil)
		if err != nil {
			p.logger.Warn("failed to seal ARC set, forwarding unsealed", zap.Error(err))
		} else {
			data = sealed
		}
	}

	if p.dkimSigner != nil {
		signed, err := p.dkimSigner.SignMessage(in.DomainName, data, nil)
		if err != nil {
			p.logger.Warn("failed to DKIM-sign forwarded message", zap.String("domain", in.DomainName), zap.Error(err))
		} else {
			data = signed
		}
	}

	return data
}

// rewriteForwardingHeaders prepends the trace and forwarding headers
// spec §4.6 Step 2 requires before signing: a Received line recording
// this hop, the X-Forwarded-For/X-Forwarded-To pair identifying the
// original sender and the alias(es) the message arrived for, and a
// Reply-To fallback to the original sender when the message doesn't
// already carry one - so a reply to a forwarded message reaches the
// sender rather than the alias's forward-to mailbox.
func rewriteForwardingHeaders(in AcceptInput, hostname string) []byte {
	recipients := strings.Join(in.Recipients, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "Received: by %s (relaycore) for %s; %s\r\n",
		hostname, recipients, time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-Forwarded-For: %s\r\n", in.EnvelopeSender)
	fmt.Fprintf(&b, "X-Forwarded-To: %s\r\n", recipients)
	if in.Headers["Reply-To"] == "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", in.EnvelopeSender)
	}

	return append([]byte(b.String()), in.Raw...)
}

// chainValidationFor derives the ARC-Seal cv= value this hop seals, per
// RFC 8617 §4.2: cv reflects this validator's own assessment, not an
// optimistic default. An ARC chain this hop already found broken on a
// prior intermediary stays broken - a later pass on our own SPF/DKIM/
// DMARC can't repair it. Absent a pre-existing chain, validation falls
// back to this hop's own authentication: DMARC result if present, else
// SPF/DKIM.
func chainValidationFor(results []arc.AuthResult) arc.ChainValidation {
	if len(results) == 0 {
		return arc.ChainValidationNone
	}
	for _, r := range results {
		if r.Method == "arc" && r.Result == string(arc.ChainValidationFail) {
			return arc.ChainValidationFail
		}
	}
	for _, r := range results {
		if r.Method == "dmarc" {
			if r.Result == "pass" {
				return arc.ChainValidationPass
			}
			return arc.ChainValidationFail
		}
	}
	for _, r := range results {
		if (r.Method == "spf" || r.Method == "dkim") && r.Result == "pass" {
			return arc.ChainValidationPass
		}
	}
	return arc.ChainValidationFail
}

func (p *Pipeline) buildMessage(in AcceptInput, res *routing.Resolution, target, rawPath string, groupID *string) *domain.Message {
	id := uuid.New().String()

	msg := &domain.Message{
		ID:                id,
		MessageIDHeader:   in.MessageIDHeader,
		DomainID:          in.DomainID,
		AliasID:           res.AliasID,
		EnvelopeSender:    in.EnvelopeSender,
		EnvelopeRecipient: res.Recipient,
		ForwardTo:         target,
		ParentMessageID:   groupID,
		Subject:           in.Subject,
		Size:              int64(len(in.Raw)),
		Status:            domain.MessageAccepted,
		Headers:           in.Headers,
		RawMessagePath:    rawPath,
		AcceptedAt:        time.Now(),
		UpdatedAt:         time.Now(),
	}

	if len(p.bounceKey) > 0 {
		msg.BounceToken = id
		msg.ReturnPath = bounce.Generate(p.bounceKey, id, p.hostname)
	}

	return msg
}
