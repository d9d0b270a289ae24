package verify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/resolver"
)

// stubResolver answers LookupMX/LookupTXT from a fixed map, keyed
// "MX:<name>" or "TXT:<name>", with no record found treated as an
// empty, non-error result (mirroring a real NXDOMAIN in the checks
// that call it).
type stubResolver struct {
	records map[string][]string
}

func newStubResolver(records map[string][]string) *stubResolver {
	return &stubResolver{records: records}
}

func (s *stubResolver) LookupMX(ctx context.Context, name string) (*resolver.Result, error) {
	return &resolver.Result{Records: s.records[fmt.Sprintf("MX:%s", name)]}, nil
}

func (s *stubResolver) LookupTXT(ctx context.Context, name string) (*resolver.Result, error) {
	return &resolver.Result{Records: s.records[fmt.Sprintf("TXT:%s", name)]}, nil
}

func newTestService(res Resolver, repo Repository) *Service {
	return New(res, repo, "mail.relay.test", 2*time.Second, zap.NewNop())
}

type fakeRepo struct {
	keypair   *domain.DKIMKeypair
	keypairErr error
	snapshots []*domain.DNSSnapshot
	state     domain.VerificationState
	stateDomainID string
}

func (f *fakeRepo) RecordDNSSnapshot(ctx context.Context, snap *domain.DNSSnapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeRepo) SetVerificationState(ctx context.Context, domainID string, state domain.VerificationState) error {
	f.stateDomainID = domainID
	f.state = state
	return nil
}

func (f *fakeRepo) GetActiveDKIMKeypair(ctx context.Context, domainName string) (*domain.DKIMKeypair, error) {
	return f.keypair, f.keypairErr
}

func testDomain() *domain.Domain {
	return &domain.Domain{ID: "dom-1", Name: "example.com", DKIMSelector: "relay"}
}

func TestVerifyDomain_AllPass(t *testing.T) {
	res := newStubResolver(map[string][]string{
		"MX:example.com":              {"10 mail.relay.test"},
		"TXT:example.com":             {"v=spf1 include:mail.relay.test -all"},
		"TXT:relay._domainkey.example.com": {"v=DKIM1; k=rsa; p=abc123"},
		"TXT:_dmarc.example.com":      {"v=DMARC1; p=reject"},
	})
	repo := &fakeRepo{keypair: &domain.DKIMKeypair{
		Selector:       "relay",
		DNSRecordValue: "v=DKIM1; k=rsa; p=abc123",
		Active:         true,
	}}

	svc := newTestService(res, repo)
	report, err := svc.VerifyDomain(context.Background(), testDomain())
	if err != nil {
		t.Fatalf("VerifyDomain() error = %v", err)
	}
	if report.State != domain.VerificationVerified {
		t.Errorf("State = %q, want verified", report.State)
	}
	if len(report.Snapshots) != 4 {
		t.Fatalf("got %d snapshots, want 4", len(report.Snapshots))
	}
	for _, snap := range report.Snapshots {
		if !snap.Pass {
			t.Errorf("snapshot %s did not pass: actual=%v", snap.Type, snap.Actual)
		}
	}
	if repo.state != domain.VerificationVerified || repo.stateDomainID != "dom-1" {
		t.Errorf("repo.SetVerificationState not called correctly: state=%q domainID=%q", repo.state, repo.stateDomainID)
	}
}

func TestVerifyDomain_NoneConfigured(t *testing.T) {
	res := newStubResolver(nil)
	repo := &fakeRepo{}

	svc := newTestService(res, repo)
	report, err := svc.VerifyDomain(context.Background(), testDomain())
	if err != nil {
		t.Fatalf("VerifyDomain() error = %v", err)
	}
	if report.State != domain.VerificationUnverified {
		t.Errorf("State = %q, want unverified", report.State)
	}
	for _, snap := range report.Snapshots {
		if snap.Pass {
			t.Errorf("snapshot %s unexpectedly passed", snap.Type)
		}
	}
}

func TestVerifyDomain_PartiallyConfigured(t *testing.T) {
	res := newStubResolver(map[string][]string{
		"MX:example.com": {"10 mail.relay.test"},
	})
	repo := &fakeRepo{}

	svc := newTestService(res, repo)
	report, err := svc.VerifyDomain(context.Background(), testDomain())
	if err != nil {
		t.Fatalf("VerifyDomain() error = %v", err)
	}
	if report.State != domain.VerificationPartial {
		t.Errorf("State = %q, want partial", report.State)
	}
}

func TestExtractPublicKeyTag(t *testing.T) {
	tests := []struct {
		name   string
		record string
		want   string
	}{
		{"standard record", "v=DKIM1; k=rsa; p=abc123", "p=abc123"},
		{"no p tag falls back to whole record", "v=DKIM1; k=rsa", "v=DKIM1; k=rsa"},
		{"extra whitespace", "v=DKIM1;  p=xyz  ", "p=xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPublicKeyTag(tt.record); got != tt.want {
				t.Errorf("extractPublicKeyTag(%q) = %q, want %q", tt.record, got, tt.want)
			}
		})
	}
}
