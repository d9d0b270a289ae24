// Package spf implements the inbound SPF check the SMTP Receiver runs
// against every accepted MAIL FROM (spec §4.5) and that the DMARC
// Evaluator relies on for SPF alignment. Wraps blitiri.com.ar/go/spf's
// CheckHostWithSender, which performs the full RFC 7208 record lookup
// and mechanism/macro evaluation (including the lookup-count limit),
// rather than re-walking SPF terms by hand - grounded on
// foxcpp-maddy's check/spf/spf.go, which calls the same library for the
// same purpose.
package spf

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"
	"go.uber.org/zap"
)

// Result represents the SPF check result (RFC 7208 §2.6).
type Result string

const (
	ResultNone      Result = "none"      // No SPF record found
	ResultNeutral   Result = "neutral"   // ? qualifier
	ResultPass      Result = "pass"      // + qualifier (default)
	ResultFail      Result = "fail"      // - qualifier
	ResultSoftFail  Result = "softfail"  // ~ qualifier
	ResultTempError Result = "temperror" // Temporary error
	ResultPermError Result = "permerror" // Permanent error
)

func fromLibraryResult(r spf.Result) Result {
	switch r {
	case spf.Pass:
		return ResultPass
	case spf.Fail:
		return ResultFail
	case spf.SoftFail:
		return ResultSoftFail
	case spf.Neutral:
		return ResultNeutral
	case spf.TempError:
		return ResultTempError
	case spf.PermError:
		return ResultPermError
	default:
		return ResultNone
	}
}

// Validator performs SPF validation against a sending IP, envelope
// sender, and HELO/EHLO hostname.
type Validator struct {
	logger  *zap.Logger
	timeout time.Duration
}

// NewValidator creates a new SPF validator.
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{
		logger:  logger,
		timeout: 20 * time.Second,
	}
}

// CheckResult holds an SPF check outcome.
type CheckResult struct {
	Result Result
	Domain string
	Sender string
	Error  error
}

// Check performs an SPF check for a connecting client IP against
// sender's domain, per RFC 7208. sender should be the full envelope
// MAIL FROM address; a bare domain is rewritten to "postmaster@domain"
// per RFC 7208 §2.4's guidance for the null reverse-path case.
func (v *Validator) Check(ctx context.Context, ip net.IP, sender, heloDomain string) *CheckResult {
	domain, senderAddr := normalizeSender(sender, heloDomain)
	result := &CheckResult{Domain: domain, Sender: senderAddr}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type outcome struct {
		result spf.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := spf.CheckHostWithSender(ip, heloDomain, senderAddr)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		result.Result = fromLibraryResult(o.result)
		result.Error = o.err
	case <-ctx.Done():
		result.Result = ResultTempError
		result.Error = fmt.Errorf("spf check timed out after %s", v.timeout)
	}

	v.logger.Debug("SPF check completed",
		zap.String("ip", ip.String()),
		zap.String("domain", domain),
		zap.String("helo", heloDomain),
		zap.String("result", string(result.Result)))

	return result
}

// normalizeSender resolves the domain and envelope address an SPF check
// runs against, handling the null reverse-path and bare-domain MAIL FROM
// cases per RFC 7208 §2.4.
func normalizeSender(sender, heloDomain string) (domain, senderAddr string) {
	switch {
	case sender == "":
		return heloDomain, fmt.Sprintf("postmaster@%s", heloDomain)
	case !strings.Contains(sender, "@"):
		return sender, fmt.Sprintf("postmaster@%s", sender)
	default:
		return sender[strings.LastIndex(sender, "@")+1:], sender
	}
}

// GenerateSPFRecord builds the SPF TXT record a customer domain should
// publish to authorize this service as a sender, for the Verification
// Service's expected-record comparison and domain setup instructions.
func GenerateSPFRecord(includes []string, ip4s []string, ip6s []string, mx bool, policy string) string {
	var parts []string
	parts = append(parts, "v=spf1")

	for _, inc := range includes {
		parts = append(parts, fmt.Sprintf("include:%s", inc))
	}

	if mx {
		parts = append(parts, "mx")
	}

	for _, ip := range ip4s {
		parts = append(parts, fmt.Sprintf("ip4:%s", ip))
	}

	for _, ip := range ip6s {
		parts = append(parts, fmt.Sprintf("ip6:%s", ip))
	}

	switch policy {
	case "reject":
		parts = append(parts, "-all")
	case "softfail":
		parts = append(parts, "~all")
	case "neutral":
		parts = append(parts, "?all")
	default:
		parts = append(parts, "-all")
	}

	return strings.Join(parts, " ")
}
