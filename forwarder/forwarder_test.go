package forwarder

import (
	"bytes"
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/aliashub/relaycore/arc"
	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/routing"
)

type mockAliasLookup struct {
	results map[string]domain.AliasLookupResult
}

func (m *mockAliasLookup) LookupAlias(recipient string) domain.AliasLookupResult {
	return m.results[recipient]
}

type mockEnqueuer struct {
	stored   [][]byte
	enqueued []*domain.Message
}

func (m *mockEnqueuer) StoreMessage(ctx context.Context, data []byte) (string, error) {
	m.stored = append(m.stored, data)
	return "path/to/msg.eml", nil
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, msg *domain.Message) error {
	m.enqueued = append(m.enqueued, msg)
	return nil
}

func TestPipeline_Accept_Fanout(t *testing.T) {
	aliases := &mockAliasLookup{results: map[string]domain.AliasLookupResult{
		"sales@example.com": {Found: true, Targets: []string{"alice@backend.com", "bob@backend.com"}},
	}}
	router := routing.NewRouter(aliases, nil, zap.NewNop())
	enq := &mockEnqueuer{}

	p := New(router, nil, nil, enq, "relay.example.net", []byte("secret"), zap.NewNop())

	result, err := p.Accept(context.Background(), AcceptInput{
		DomainID:        "dom-1",
		DomainName:      "example.com",
		EnvelopeSender:  "sender@external.test",
		Recipients:      []string{"sales@example.com"},
		Raw:             []byte("From: sender@external.test\r\nSubject: hi\r\n\r\nbody"),
		MessageIDHeader: "<abc@external.test>",
		Subject:         "hi",
	})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result.Accepted != 2 {
		t.Fatalf("expected 2 fanout messages, got %d", result.Accepted)
	}
	if len(enq.enqueued) != 2 {
		t.Fatalf("expected 2 enqueued messages, got %d", len(enq.enqueued))
	}
	first := enq.enqueued[0]
	if first.ParentMessageID == nil || *first.ParentMessageID != first.ID {
		t.Errorf("expected first message to be its own fanout group root")
	}
	second := enq.enqueued[1]
	if second.ParentMessageID == nil || *second.ParentMessageID != first.ID {
		t.Errorf("expected second message to reference first as parent")
	}
	if first.ReturnPath == "" {
		t.Error("expected SRS return path to be set")
	}
}

func TestPipeline_Accept_NoMatch(t *testing.T) {
	aliases := &mockAliasLookup{results: map[string]domain.AliasLookupResult{}}
	router := routing.NewRouter(aliases, nil, zap.NewNop())
	enq := &mockEnqueuer{}
	p := New(router, nil, nil, enq, "relay.example.net", nil, zap.NewNop())

	result, err := p.Accept(context.Background(), AcceptInput{
		DomainID:   "dom-1",
		DomainName: "example.com",
		Recipients: []string{"nobody@example.com"},
		Raw:        []byte("body"),
	})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result.Accepted != 0 || len(result.Rejected) != 1 {
		t.Fatalf("expected 0 accepted and 1 rejected, got %d/%d", result.Accepted, len(result.Rejected))
	}
	if len(enq.enqueued) != 0 {
		t.Error("expected no messages enqueued when nothing resolves")
	}
}

func TestRewriteForwardingHeaders(t *testing.T) {
	in := AcceptInput{
		EnvelopeSender: "sender@external.test",
		Recipients:     []string{"sales@example.com"},
		Raw:            []byte("From: sender@external.test\r\nSubject: hi\r\n\r\nbody"),
	}

	out := rewriteForwardingHeaders(in, "relay.example.net")

	if !bytes.Contains(out, []byte("X-Forwarded-For: sender@external.test\r\n")) {
		t.Error("expected X-Forwarded-For header")
	}
	if !bytes.Contains(out, []byte("X-Forwarded-To: sales@example.com\r\n")) {
		t.Error("expected X-Forwarded-To header")
	}
	if !bytes.Contains(out, []byte("Reply-To: sender@external.test\r\n")) {
		t.Error("expected Reply-To fallback when absent")
	}
	if !bytes.Contains(out, []byte("Received: by relay.example.net")) {
		t.Error("expected a Received trace line")
	}
	if !bytes.HasSuffix(out, in.Raw) {
		t.Error("expected original message bytes preserved unmodified after the new headers")
	}
}

func TestRewriteForwardingHeaders_PreservesExistingReplyTo(t *testing.T) {
	in := AcceptInput{
		EnvelopeSender: "sender@external.test",
		Recipients:     []string{"sales@example.com"},
		Raw:            []byte("From: sender@external.test\r\nReply-To: other@external.test\r\n\r\nbody"),
		Headers:        map[string]string{"Reply-To": "other@external.test"},
	}

	out := rewriteForwardingHeaders(in, "relay.example.net")

	if bytes.Contains(out[:len(out)-len(in.Raw)], []byte("Reply-To:")) {
		t.Error("expected no Reply-To fallback to be added when the message already has one")
	}
}

func TestChainValidationFor(t *testing.T) {
	tests := []struct {
		name     string
		results  []arc.AuthResult
		expected arc.ChainValidation
	}{
		{"no results", nil, arc.ChainValidationNone},
		{"dmarc pass", []arc.AuthResult{{Method: "dmarc", Result: "pass"}}, arc.ChainValidationPass},
		{"dmarc fail", []arc.AuthResult{{Method: "dmarc", Result: "fail"}}, arc.ChainValidationFail},
		{"no dmarc, spf pass", []arc.AuthResult{{Method: "spf", Result: "pass"}}, arc.ChainValidationPass},
		{"no dmarc, all fail", []arc.AuthResult{{Method: "spf", Result: "fail"}, {Method: "dkim", Result: "fail"}}, arc.ChainValidationFail},
		{"prior arc chain broken overrides own dmarc pass", []arc.AuthResult{{Method: "arc", Result: "fail"}, {Method: "dmarc", Result: "pass"}}, arc.ChainValidationFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chainValidationFor(tt.results); got != tt.expected {
				t.Errorf("chainValidationFor() = %v, want %v", got, tt.expected)
			}
		})
	}
}
