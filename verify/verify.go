// Package verify implements the Verification Service (spec §4.4):
// periodic MX/SPF/DKIM/DMARC checks against a domain's published DNS
// records, recording a DNS Snapshot per record type and recomputing the
// domain's overall VerificationState. Generalizes the teacher's
// domain-manager/dns/verifier.go, sourcing DNS through the Resolver
// component instead of net.LookupTXT, and running every check
// concurrently under one deadline via errgroup.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/resolver"
)

// Repository is the subset of the Store the Verification Service writes
// its findings to.
type Repository interface {
	RecordDNSSnapshot(ctx context.Context, snap *domain.DNSSnapshot) error
	SetVerificationState(ctx context.Context, domainID string, state domain.VerificationState) error
	GetActiveDKIMKeypair(ctx context.Context, domainName string) (*domain.DKIMKeypair, error)
}

// Resolver is the subset of resolver.Resolver the Verification Service
// needs, so checks can be exercised against a fake in tests rather than
// real DNS.
type Resolver interface {
	LookupMX(ctx context.Context, name string) (*resolver.Result, error)
	LookupTXT(ctx context.Context, name string) (*resolver.Result, error)
}

// Service runs DNS verification checks for domains and persists the
// result as DNS Snapshots plus a recomputed VerificationState.
type Service struct {
	resolver     Resolver
	repo         Repository
	hostname     string // this service's own hostname; expected MX/SPF target
	checkTimeout time.Duration
	logger       *zap.Logger
}

// New creates a Verification Service. hostname is the mail service's own
// hostname: the value a verified domain's MX and SPF records must point to.
func New(res Resolver, repo Repository, hostname string, checkTimeout time.Duration, logger *zap.Logger) *Service {
	if checkTimeout <= 0 {
		checkTimeout = 10 * time.Second
	}
	return &Service{resolver: res, repo: repo, hostname: hostname, checkTimeout: checkTimeout, logger: logger}
}

// DomainLister fetches the domains the periodic verification loop should
// sweep. Implemented by repository.DomainRepository.
type DomainLister interface {
	GetAllDomains(ctx context.Context) ([]*domain.Domain, error)
}

// Run sweeps every domain once per interval, verifying each in turn,
// until ctx is canceled. Errors verifying a single domain are logged and
// do not stop the sweep.
func (s *Service) Run(ctx context.Context, lister DomainLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx, lister)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, lister)
		}
	}
}

func (s *Service) sweep(ctx context.Context, lister DomainLister) {
	domains, err := lister.GetAllDomains(ctx)
	if err != nil {
		s.logger.Error("failed to list domains for verification sweep", zap.Error(err))
		return
	}
	for _, d := range domains {
		if d.SoftDeleted() {
			continue
		}
		if _, err := s.VerifyDomain(ctx, d); err != nil {
			s.logger.Warn("domain verification failed", zap.String("domain", d.Name), zap.Error(err))
		}
	}
}

// Report is the outcome of verifying one domain.
type Report struct {
	DomainID  string
	Snapshots []*domain.DNSSnapshot
	State     domain.VerificationState
}

// VerifyDomain runs MX, SPF, DKIM, and DMARC checks concurrently under a
// single deadline, upserts a DNS Snapshot per record type, and recomputes
// the domain's VerificationState: verified if every required check
// passes, partial if some do, unverified if none do.
func (s *Service) VerifyDomain(ctx context.Context, d *domain.Domain) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	checkFns := []func(context.Context, *domain.Domain) *domain.DNSSnapshot{
		s.checkMX, s.checkSPF, s.checkDKIM, s.checkDMARC,
	}

	snapshots := make([]*domain.DNSSnapshot, len(checkFns))
	group, gctx := errgroup.WithContext(ctx)
	for i, fn := range checkFns {
		i, fn := i, fn
		group.Go(func() error {
			snapshots[i] = fn(gctx, d)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("verification checks: %w", err)
	}

	passed := 0
	for _, snap := range snapshots {
		if err := s.repo.RecordDNSSnapshot(ctx, snap); err != nil {
			s.logger.Warn("failed to record dns snapshot",
				zap.String("domain", d.Name), zap.String("type", string(snap.Type)), zap.Error(err))
		}
		if snap.Pass {
			passed++
		}
	}

	state := domain.VerificationUnverified
	switch {
	case passed == len(snapshots):
		state = domain.VerificationVerified
	case passed > 0:
		state = domain.VerificationPartial
	}

	if err := s.repo.SetVerificationState(ctx, d.ID, state); err != nil {
		return nil, fmt.Errorf("set verification state: %w", err)
	}

	s.logger.Info("domain verification complete",
		zap.String("domain", d.Name), zap.Int("passed", passed), zap.Int("total", len(snapshots)),
		zap.String("state", string(state)))

	return &Report{DomainID: d.ID, Snapshots: snapshots, State: state}, nil
}

func (s *Service) checkMX(ctx context.Context, d *domain.Domain) *domain.DNSSnapshot {
	snap := &domain.DNSSnapshot{DomainID: d.ID, Type: domain.RecordMX, Expected: s.hostname, CheckedAt: time.Now()}

	result, err := s.resolver.LookupMX(ctx, d.Name)
	if err != nil {
		s.logger.Debug("MX lookup failed", zap.String("domain", d.Name), zap.Error(err))
		return snap
	}
	snap.Actual = result.Records

	for _, rec := range result.Records {
		if strings.HasSuffix(strings.TrimPrefix(rec, "0 "), s.hostname) || strings.Contains(rec, s.hostname) {
			snap.Pass = true
			break
		}
	}
	return snap
}

func (s *Service) checkSPF(ctx context.Context, d *domain.Domain) *domain.DNSSnapshot {
	expected := fmt.Sprintf("include:%s", s.hostname)
	snap := &domain.DNSSnapshot{DomainID: d.ID, Type: domain.RecordSPF, Expected: expected, CheckedAt: time.Now()}

	result, err := s.resolver.LookupTXT(ctx, d.Name)
	if err != nil {
		s.logger.Debug("SPF lookup failed", zap.String("domain", d.Name), zap.Error(err))
		return snap
	}
	snap.Actual = result.Records

	for _, rec := range result.Records {
		if strings.HasPrefix(rec, "v=spf1") && strings.Contains(rec, expected) {
			snap.Pass = true
			break
		}
	}
	return snap
}

func (s *Service) checkDKIM(ctx context.Context, d *domain.Domain) *domain.DNSSnapshot {
	snap := &domain.DNSSnapshot{DomainID: d.ID, Type: domain.RecordDKIM, CheckedAt: time.Now()}

	keypair, err := s.repo.GetActiveDKIMKeypair(ctx, d.Name)
	if err != nil || keypair == nil {
		return snap
	}
	selector := keypair.Selector
	snap.Expected = keypair.DNSRecordValue

	recordName := fmt.Sprintf("%s._domainkey.%s", selector, d.Name)
	result, err := s.resolver.LookupTXT(ctx, recordName)
	if err != nil {
		s.logger.Debug("DKIM lookup failed", zap.String("domain", d.Name), zap.String("selector", selector), zap.Error(err))
		return snap
	}
	snap.Actual = result.Records

	for _, rec := range result.Records {
		if strings.Contains(rec, "v=DKIM1") && strings.Contains(rec, extractPublicKeyTag(keypair.DNSRecordValue)) {
			snap.Pass = true
			break
		}
	}
	return snap
}

func (s *Service) checkDMARC(ctx context.Context, d *domain.Domain) *domain.DNSSnapshot {
	snap := &domain.DNSSnapshot{DomainID: d.ID, Type: domain.RecordDMARC, Expected: "v=DMARC1", CheckedAt: time.Now()}

	recordName := fmt.Sprintf("_dmarc.%s", d.Name)
	result, err := s.resolver.LookupTXT(ctx, recordName)
	if err != nil {
		s.logger.Debug("DMARC lookup failed", zap.String("domain", d.Name), zap.Error(err))
		return snap
	}
	snap.Actual = result.Records

	for _, rec := range result.Records {
		if strings.HasPrefix(rec, "v=DMARC1") {
			snap.Pass = true
			break
		}
	}
	return snap
}

// extractPublicKeyTag pulls the "p=..." public key tag out of a DKIM DNS
// record value, so a DKIM check can confirm the published record matches
// our stored key without a full byte-for-byte comparison (whitespace and
// tag ordering vary across providers).
func extractPublicKeyTag(record string) string {
	for _, tag := range strings.Split(record, ";") {
		tag = strings.TrimSpace(tag)
		if strings.HasPrefix(tag, "p=") {
			return tag
		}
	}
	return record
}
