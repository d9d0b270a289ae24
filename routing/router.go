// Package routing resolves an envelope recipient to the set of forward
// targets the Forwarder should fan out to (spec §4.6 recipient
// resolution), adapted from the teacher's routing-rule matcher: the
// wildcard glob matching is kept as the supplemental rule-style
// matching SPEC_FULL.md calls for, layered in front of the Store's
// plain alias/catch-all lookup.
package routing

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/aliashub/relaycore/domain"
)

// AliasLookup is the subset of the Store/Cache the Router resolves against.
type AliasLookup interface {
	LookupAlias(recipient string) domain.AliasLookupResult
}

// ForwardRule is an organization-defined override that fans a recipient
// pattern out to extra targets or blocks it outright, independent of
// the alias table. Supplemental to spec §4.1's plain alias model.
type ForwardRule struct {
	RecipientPattern string // glob: * and ?
	Action           RuleAction
	ExtraTargets     []string
	RejectMessage    string
}

// RuleAction is the action a ForwardRule applies.
type RuleAction string

const (
	RuleActionAugment RuleAction = "augment" // add ExtraTargets to the alias's targets
	RuleActionReject  RuleAction = "reject"
)

// RuleProvider supplies an organization's forward rules.
type RuleProvider interface {
	GetForwardRules(ctx context.Context, domainID string) ([]*ForwardRule, error)
}

// Router resolves envelope recipients into forward targets.
type Router struct {
	aliases AliasLookup
	rules   RuleProvider // optional; nil disables rule matching
	logger  *zap.Logger
}

// NewRouter creates a new recipient router.
func NewRouter(aliases AliasLookup, rules RuleProvider, logger *zap.Logger) *Router {
	return &Router{aliases: aliases, rules: rules, logger: logger}
}

// Resolution is the routing outcome for one envelope recipient.
type Resolution struct {
	Recipient string
	AliasID   *string // nil when served by catch-all
	Targets   []string
	Rejected  bool
	Reason    string
}

// Resolve determines the forward targets for every recipient of a message.
func (r *Router) Resolve(ctx context.Context, domainID string, recipients []string) ([]*Resolution, error) {
	var rules []*ForwardRule
	if r.rules != nil {
		var err error
		rules, err = r.rules.GetForwardRules(ctx, domainID)
		if err != nil {
			r.logger.Warn("failed to load forward rules, proceeding with alias table only",
				zap.String("domain_id", domainID), zap.Error(err))
		}
	}

	results := make([]*Resolution, 0, len(recipients))
	for _, rcpt := range recipients {
		results = append(results, r.resolveOne(rcpt, rules))
	}
	return results, nil
}

func (r *Router) resolveOne(recipient string, rules []*ForwardRule) *Resolution {
	res := &Resolution{Recipient: recipient}

	for _, rule := range rules {
		if !matchPattern(rule.RecipientPattern, recipient) {
			continue
		}
		if rule.Action == RuleActionReject {
			res.Rejected = true
			res.Reason = rule.RejectMessage
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("recipient %s blocked by forward rule", recipient)
			}
			return res
		}
	}

	lookup := r.aliases.LookupAlias(recipient)
	if !lookup.Found {
		res.Rejected = true
		res.Reason = fmt.Sprintf("recipient %s not found", recipient)
		return res
	}

	targets := append([]string{}, lookup.Targets...)
	for _, rule := range rules {
		if rule.Action == RuleActionAugment && matchPattern(rule.RecipientPattern, recipient) {
			targets = append(targets, rule.ExtraTargets...)
		}
	}
	res.Targets = targets
	if lookup.Alias != nil {
		id := lookup.Alias.ID
		res.AliasID = &id
	}
	return res
}

// matchPattern supports glob wildcards (* for any run of characters, ?
// for exactly one) against a lowercased value.
func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)

	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '^', '$', '[', ']', '(', ')', '{', '}', '|', '\\':
			b.WriteString("\\" + string(ch))
		default:
			b.WriteRune(ch)
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
