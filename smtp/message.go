package smtp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aliashub/relaycore/arc"
	"github.com/aliashub/relaycore/bounce"
	"github.com/aliashub/relaycore/dkim"
	"github.com/aliashub/relaycore/dmarc"
	"github.com/aliashub/relaycore/dsn"
	"github.com/aliashub/relaycore/forwarder"
	"github.com/aliashub/relaycore/spf"
)

// processMessage reads the DATA stream, annotates it with an
// Authentication-Results header (SPF/DKIM/DMARC checks never gate
// acceptance here - policy enforcement is the organization's concern,
// not this core's, per spec §4.5 non-goals), relays any traffic
// addressed to our own bounce return-path, and hands everything else to
// the Forwarder pipeline.
func (s *Session) processMessage(r io.Reader) error {
	ctx := context.Background()
	startTime := time.Now()

	var buf bytes.Buffer
	size, err := io.Copy(&buf, r)
	if err != nil {
		return &smtp.SMTPError{Code: 451, Message: "error reading message data"}
	}
	messageData := buf.Bytes()

	parsed, err := mail.ReadMessage(bytes.NewReader(messageData))
	if err != nil {
		s.logger.Warn("failed to parse message", zap.Error(err))
		return &smtp.SMTPError{Code: 550, Message: "invalid message format"}
	}

	subject := parsed.Header.Get("Subject")
	messageIDHeader := parsed.Header.Get("Message-ID")
	if messageIDHeader == "" {
		messageIDHeader = fmt.Sprintf("<%s@%s>", uuid.New().String(), s.backend.server.config.Server.Hostname)
	}

	bounceRecipients, forwardRecipients := s.splitBounceRecipients()

	if len(bounceRecipients) > 0 {
		s.relayBounces(ctx, bounceRecipients, messageData)
	}

	if len(forwardRecipients) == 0 {
		return nil
	}

	headers := extractHeaders(messageData)
	if dsn.IsBounceMessage(s.from, subject, headers) {
		s.logger.Debug("forwarding a bounce/auto-reply addressed to an alias",
			zap.String("from", s.from), zap.Int("recipients", len(forwardRecipients)))
	}

	authResult := s.performAuthChecks(ctx, messageData)
	messageData = bytes.Join([][]byte{
		[]byte(buildAuthResultsHeader(s.backend.server.config.Server.Hostname, s.from, authResult) + "\r\n"),
		messageData,
	}, nil)

	result, err := s.backend.server.pipeline.Accept(ctx, forwarder.AcceptInput{
		DomainID:        domainIDForRecipients(s, forwardRecipients),
		DomainName:      s.fromDomain,
		EnvelopeSender:  s.from,
		Recipients:      forwardRecipients,
		Raw:             messageData,
		MessageIDHeader: messageIDHeader,
		Subject:         subject,
		Headers:         headers,
		AuthResults:     authResult.arcResults(),
	})
	if err != nil {
		s.logger.Error("forwarder pipeline failed", zap.Error(err))
		return &smtp.SMTPError{Code: 451, Message: "temporary error queueing message"}
	}

	if result.Accepted == 0 && len(result.Rejected) > 0 {
		return &smtp.SMTPError{Code: 550, Message: result.Rejected[0].Reason}
	}

	duration := time.Since(startTime)
	s.backend.server.metrics.AcceptDuration.WithLabelValues(s.fromDomain).Observe(duration.Seconds())
	s.backend.server.metrics.MessageSize.WithLabelValues(s.fromDomain).Observe(float64(size))
	s.backend.server.metrics.MessagesReceived.WithLabelValues(s.fromDomain).Inc()

	s.logger.Info("message accepted",
		zap.String("message_id_header", messageIDHeader),
		zap.Int("fanout", result.Accepted),
		zap.Int("rejected", len(result.Rejected)),
		zap.Duration("duration", duration))

	return nil
}

// splitBounceRecipients separates this transaction's recipients into
// this core's own bounce return-path addresses (relayed, not forwarded)
// and ordinary alias/catch-all recipients (forwarded by the pipeline).
func (s *Session) splitBounceRecipients() (bounces, forward []string) {
	bounceSet := make(map[string]bool, len(s.bounceIDs))
	for _, rcpt := range s.recipients {
		if strings.HasPrefix(strings.ToLower(rcpt), "bounce+") {
			bounceSet[rcpt] = true
		}
	}
	for _, rcpt := range s.recipients {
		if bounceSet[rcpt] {
			bounces = append(bounces, rcpt)
		} else {
			forward = append(forward, rcpt)
		}
	}
	return bounces, forward
}

// relayBounces recovers, for each returned SRS token, the Message Record
// it was minted for and makes a best-effort delivery of the incoming DSN
// to that record's original envelope sender. This core never bounces its
// own bounces: failures here are logged, never retried or re-bounced.
func (s *Session) relayBounces(ctx context.Context, bounceAddrs []string, data []byte) {
	for _, addr := range bounceAddrs {
		id, ok := bounce.Parse(s.backend.server.bounceSecret, addr)
		if !ok {
			continue
		}
		original, err := s.backend.server.queueManager.GetMessage(ctx, id)
		if err != nil {
			s.logger.Warn("bounce relay: original message not found", zap.String("token", id), zap.Error(err))
			continue
		}
		if original.EnvelopeSender == "" {
			continue
		}
		if deliverErr, _ := s.backend.server.bounceRouter.Deliver(ctx, "", original.EnvelopeSender, data); deliverErr != nil {
			s.logger.Warn("bounce relay delivery failed",
				zap.String("message_id", original.ID), zap.String("to", original.EnvelopeSender), zap.Error(deliverErr))
		}
	}
}

// authCheckResult holds the non-gating SPF/DKIM/DMARC outcome computed
// for the Authentication-Results header and ARC sealing.
type authCheckResult struct {
	spfResult   spf.Result
	dkimResults []*dkim.VerificationResult
	dmarcResult *dmarc.CheckResult
	arcChain    *arc.ChainResult
}

func (s *Session) performAuthChecks(ctx context.Context, messageData []byte) *authCheckResult {
	result := &authCheckResult{}

	spfCheck := s.backend.server.spfValidator.Check(ctx, s.clientIP, s.from, s.conn.Hostname())
	result.spfResult = spfCheck.Result
	s.backend.server.metrics.SPFResults.WithLabelValues(s.fromDomain, string(spfCheck.Result)).Inc()

	dkimResults, err := s.backend.server.dkimVerifier.VerifyMessage(messageData)
	if err != nil {
		s.logger.Warn("DKIM verification error", zap.Error(err))
	}
	result.dkimResults = dkimResults
	for _, dr := range dkimResults {
		if dr.Valid {
			s.backend.server.metrics.DKIMResults.WithLabelValues(s.fromDomain, "pass").Inc()
		} else {
			s.backend.server.metrics.DKIMResults.WithLabelValues(s.fromDomain, "fail").Inc()
		}
	}

	dmarcResult := s.backend.server.dmarcValidator.Check(ctx, s.fromDomain, s.clientIP, s.from, s.conn.Hostname(), messageData)
	result.dmarcResult = dmarcResult
	s.backend.server.metrics.DMARCResults.WithLabelValues(s.fromDomain, dmarcResult.Disposition).Inc()

	chain, err := s.backend.server.arcVerifier.VerifyChain(messageData)
	if err != nil {
		s.logger.Warn("ARC chain verification error", zap.Error(err))
	} else {
		result.arcChain = chain
	}

	return result
}

// arcResults converts the inbound hop's SPF/DKIM/DMARC outcome into the
// AuthResult list the ARC signer seals into an ARC-Authentication-Results
// set (spec SUPPLEMENTED FEATURES: ARC preservation across forwarding).
func (r *authCheckResult) arcResults() []arc.AuthResult {
	if r == nil {
		return nil
	}
	results := []arc.AuthResult{{Method: "spf", Result: string(r.spfResult)}}
	for _, dr := range r.dkimResults {
		res := "fail"
		if dr.Valid {
			res = "pass"
		}
		results = append(results, arc.AuthResult{
			Method:     "dkim",
			Result:     res,
			Properties: map[string]string{"header.d": dr.Domain, "header.s": dr.Selector},
		})
	}
	if r.dmarcResult != nil {
		res := "fail"
		if r.dmarcResult.Pass {
			res = "pass"
		}
		results = append(results, arc.AuthResult{Method: "dmarc", Result: res})
	}
	if r.arcChain != nil && r.arcChain.Validation != arc.ChainValidationNone {
		results = append(results, arc.AuthResult{Method: "arc", Result: string(r.arcChain.Validation)})
	}
	return results
}

// buildAuthResultsHeader renders the inbound hop's SPF/DKIM/DMARC outcome
// as an RFC 8601 Authentication-Results header, using go-msgauth/authres's
// typed Result values and Format rather than hand-assembling the
// semicolon-delimited string by hand.
func buildAuthResultsHeader(hostname, from string, result *authCheckResult) string {
	if result == nil {
		return "Authentication-Results: " + hostname
	}

	results := []authres.Result{
		&authres.SPFResult{
			Value: spfAuthresValue(result.spfResult),
			From:  extractDomain(from),
		},
	}
	for _, dr := range result.dkimResults {
		val := authres.ResultFail
		if dr.Valid {
			val = authres.ResultPass
		}
		results = append(results, &authres.DKIMResult{
			Value:      val,
			Domain:     dr.Domain,
			Identifier: dr.Selector,
		})
	}
	if result.dmarcResult != nil {
		val := authres.ResultFail
		if result.dmarcResult.Pass {
			val = authres.ResultPass
		}
		results = append(results, &authres.DMARCResult{
			Value: val,
			From:  extractDomain(from),
		})
	}

	return "Authentication-Results: " + authres.Format(hostname, results)
}

// spfAuthresValue maps this core's spf.Result onto authres's ResultValue
// enum, which names the same RFC 7208 outcomes under different constants.
func spfAuthresValue(r spf.Result) authres.ResultValue {
	switch r {
	case spf.ResultPass:
		return authres.ResultPass
	case spf.ResultFail:
		return authres.ResultFail
	case spf.ResultSoftFail:
		return authres.ResultSoftFail
	case spf.ResultNeutral:
		return authres.ResultNeutral
	case spf.ResultTempError:
		return authres.ResultTempError
	case spf.ResultPermError:
		return authres.ResultPermError
	default:
		return authres.ResultNone
	}
}

// domainIDForRecipients resolves the DomainID the routing.Router needs,
// from the first forward recipient's domain. All recipients in a single
// transaction share the sender's connection but may span domains the
// Store owns independently; the router re-resolves per-recipient regardless.
func domainIDForRecipients(s *Session, recipients []string) string {
	if len(recipients) == 0 {
		return ""
	}
	if d := s.backend.server.domainCache.GetDomain(extractDomain(recipients[0])); d != nil {
		return d.ID
	}
	return ""
}

// extractHeaders extracts the common headers a Message Record stores for
// bounce DSNs and operator inspection.
func extractHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return headers
	}
	for _, h := range []string{"From", "To", "Cc", "Subject", "Date", "Message-ID", "Reply-To"} {
		if v := msg.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	return headers
}
