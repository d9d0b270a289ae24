// Package dmarc implements the DMARC Evaluator the SMTP Receiver runs
// against every accepted message (spec §4.5): fetch the From domain's
// published policy, check SPF/DKIM alignment against it, and compute a
// disposition. DNS lookups go through the shared DNS Resolver rather
// than net.Resolver, so a burst of mail from the same sending domain
// costs one TXT query, not one per message - the same sharing the
// Verification Service and DNSBL gate rely on.
package dmarc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aliashub/relaycore/dkim"
	"github.com/aliashub/relaycore/resolver"
	"github.com/aliashub/relaycore/spf"
)

// Policy represents the DMARC policy
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Alignment represents the alignment mode
type Alignment string

const (
	AlignmentRelaxed Alignment = "r"
	AlignmentStrict  Alignment = "s"
)

// Record represents a parsed DMARC record
type Record struct {
	Version         string    // v (required, must be DMARC1)
	Policy          Policy    // p (required)
	SubdomainPolicy Policy    // sp (optional, defaults to p)
	ADKIM           Alignment // adkim (optional, default r)
	ASPF            Alignment // aspf (optional, default r)
	Percentage      int       // pct (optional, default 100)
	ReportAggregate []string  // rua (optional)
	ReportForensic  []string  // ruf (optional)
	ReportFormat    string    // rf (optional, default afrf)
	ReportInterval  int       // ri (optional, default 86400)
	FailureOptions  string    // fo (optional, default 0)
}

// TXTResolver is the subset of resolver.Resolver the DMARC Evaluator
// needs, so record lookups can be exercised against a fake in tests.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) (*resolver.Result, error)
}

// Validator performs DMARC validation
type Validator struct {
	resolver     TXTResolver
	spfValidator *spf.Validator
	dkimVerifier *dkim.Verifier
	logger       *zap.Logger
	timeout      time.Duration
}

// NewValidator creates a new DMARC validator, resolving records through
// res.
func NewValidator(res TXTResolver, spfValidator *spf.Validator, dkimVerifier *dkim.Verifier, logger *zap.Logger) *Validator {
	return &Validator{
		resolver:     res,
		spfValidator: spfValidator,
		dkimVerifier: dkimVerifier,
		logger:       logger,
		timeout:      10 * time.Second,
	}
}

// CheckResult holds the complete DMARC check result
type CheckResult struct {
	Domain      string
	Record      *Record
	Policy      Policy
	SPFResult   spf.Result
	SPFAligned  bool
	DKIMResults []*dkim.VerificationResult
	DKIMAligned bool
	Pass        bool
	Disposition string // none, quarantine, reject
	Error       error
}

// Check performs a DMARC check for a message whose RFC 5322 From domain
// is fromDomain. sender and helo are the envelope MAIL FROM address and
// HELO/EHLO hostname the nested SPF check runs against.
func (v *Validator) Check(ctx context.Context, fromDomain string, senderIP net.IP, sender, helo string, message []byte) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &CheckResult{
		Domain: fromDomain,
	}

	// Look up DMARC record
	record, err := v.lookupDMARC(ctx, fromDomain)
	if err != nil || record == nil {
		result.Error = err
		result.Disposition = "none"
		return result
	}
	result.Record = record
	result.Policy = record.Policy

	// Check SPF
	spfResult := v.spfValidator.Check(ctx, senderIP, sender, helo)
	result.SPFResult = spfResult.Result
	result.SPFAligned = v.checkSPFAlignment(fromDomain, spfResult.Domain, record.ASPF)

	// Check DKIM
	dkimResults, err := v.dkimVerifier.VerifyMessage(message)
	if err != nil {
		v.logger.Warn("DKIM verification error", zap.Error(err))
	}
	result.DKIMResults = dkimResults
	result.DKIMAligned = v.checkDKIMAlignment(fromDomain, dkimResults, record.ADKIM)

	// Determine DMARC pass/fail
	spfPass := spfResult.Result == spf.ResultPass && result.SPFAligned
	dkimPass := result.DKIMAligned && v.anyDKIMValid(dkimResults)

	result.Pass = spfPass || dkimPass

	// Determine disposition
	if result.Pass {
		result.Disposition = "none"
	} else {
		result.Disposition = string(record.Policy)
	}

	v.logger.Debug("DMARC check completed",
		zap.String("domain", fromDomain),
		zap.String("policy", string(record.Policy)),
		zap.Bool("spf_pass", spfPass),
		zap.Bool("dkim_pass", dkimPass),
		zap.Bool("pass", result.Pass),
		zap.String("disposition", result.Disposition))

	return result
}

func (v *Validator) lookupDMARC(ctx context.Context, domain string) (*Record, error) {
	// Try _dmarc.domain first
	result, err := v.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil || len(result.Records) == 0 {
		// Try organizational domain
		orgDomain := getOrganizationalDomain(domain)
		if orgDomain != domain {
			result, err = v.resolver.LookupTXT(ctx, "_dmarc."+orgDomain)
		}
	}
	if err != nil {
		return nil, err
	}

	for _, record := range result.Records {
		if strings.HasPrefix(record, "v=DMARC1") {
			return parseDMARCRecord(record)
		}
	}

	return nil, nil
}

func parseDMARCRecord(record string) (*Record, error) {
	r := &Record{
		ADKIM:          AlignmentRelaxed,
		ASPF:           AlignmentRelaxed,
		Percentage:     100,
		ReportFormat:   "afrf",
		ReportInterval: 86400,
		FailureOptions: "0",
	}

	tags := strings.Split(record, ";")
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}

		parts := strings.SplitN(tag, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "v":
			r.Version = value
		case "p":
			r.Policy = Policy(value)
		case "sp":
			r.SubdomainPolicy = Policy(value)
		case "adkim":
			r.ADKIM = Alignment(value)
		case "aspf":
			r.ASPF = Alignment(value)
		case "pct":
			pct, _ := strconv.Atoi(value)
			if pct > 0 && pct <= 100 {
				r.Percentage = pct
			}
		case "rua":
			r.ReportAggregate = parseURIList(value)
		case "ruf":
			r.ReportForensic = parseURIList(value)
		case "rf":
			r.ReportFormat = value
		case "ri":
			ri, _ := strconv.Atoi(value)
			if ri > 0 {
				r.ReportInterval = ri
			}
		case "fo":
			r.FailureOptions = value
		}
	}

	if r.Version != "DMARC1" {
		return nil, fmt.Errorf("invalid DMARC version: %s", r.Version)
	}

	if r.Policy == "" {
		return nil, fmt.Errorf("missing required policy (p=)")
	}

	if r.SubdomainPolicy == "" {
		r.SubdomainPolicy = r.Policy
	}

	return r, nil
}

func parseURIList(value string) []string {
	var uris []string
	for _, uri := range strings.Split(value, ",") {
		uri = strings.TrimSpace(uri)
		if uri != "" {
			// Remove optional size limit (e.g., mailto:reports@example.com!10m)
			if idx := strings.Index(uri, "!"); idx != -1 {
				uri = uri[:idx]
			}
			uris = append(uris, uri)
		}
	}
	return uris
}

func (v *Validator) checkSPFAlignment(fromDomain, spfDomain string, alignment Alignment) bool {
	if alignment == AlignmentStrict {
		return strings.EqualFold(fromDomain, spfDomain)
	}
	// Relaxed alignment - organizational domain must match
	return strings.EqualFold(
		getOrganizationalDomain(fromDomain),
		getOrganizationalDomain(spfDomain),
	)
}

func (v *Validator) checkDKIMAlignment(fromDomain string, results []*dkim.VerificationResult, alignment Alignment) bool {
	for _, r := range results {
		if !r.Valid {
			continue
		}

		if alignment == AlignmentStrict {
			if strings.EqualFold(fromDomain, r.Domain) {
				return true
			}
		} else {
			// Relaxed alignment
			if strings.EqualFold(
				getOrganizationalDomain(fromDomain),
				getOrganizationalDomain(r.Domain),
			) {
				return true
			}
		}
	}
	return false
}

func (v *Validator) anyDKIMValid(results []*dkim.VerificationResult) bool {
	for _, r := range results {
		if r.Valid {
			return true
		}
	}
	return false
}

// getOrganizationalDomain extracts the organizational domain. This is a
// simplified version; a full implementation needs a public suffix list
// to handle multi-part TLDs it doesn't special-case below.
func getOrganizationalDomain(domain string) string {
	parts := strings.Split(strings.ToLower(domain), ".")
	if len(parts) <= 2 {
		return domain
	}

	secondLevel := parts[len(parts)-2]
	if secondLevel == "co" || secondLevel == "com" || secondLevel == "org" || secondLevel == "net" {
		return strings.Join(parts[len(parts)-3:], ".")
	}

	return strings.Join(parts[len(parts)-2:], ".")
}

// GenerateDMARCRecord generates a DMARC record for a domain's setup
// instructions, for the Verification Service's expected-record
// comparison.
func GenerateDMARCRecord(policy Policy, subdomainPolicy Policy, reportAggregate []string, percentage int) string {
	var parts []string
	parts = append(parts, "v=DMARC1")
	parts = append(parts, fmt.Sprintf("p=%s", policy))

	if subdomainPolicy != "" && subdomainPolicy != policy {
		parts = append(parts, fmt.Sprintf("sp=%s", subdomainPolicy))
	}

	if len(reportAggregate) > 0 {
		parts = append(parts, fmt.Sprintf("rua=%s", strings.Join(reportAggregate, ",")))
	}

	if percentage > 0 && percentage < 100 {
		parts = append(parts, fmt.Sprintf("pct=%d", percentage))
	}

	return strings.Join(parts, "; ")
}
