package resolver

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestLRUCache_SetGet(t *testing.T) {
	c := newLRUCache(2)
	c.set(&cacheEntry{key: "a", records: []string{"1.2.3.4"}, expiresAt: time.Now().Add(time.Minute)})

	entry, ok := c.get("a")
	if !ok {
		t.Fatal("expected cache hit for key a")
	}
	if len(entry.records) != 1 || entry.records[0] != "1.2.3.4" {
		t.Errorf("unexpected records: %v", entry.records)
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	c := newLRUCache(2)
	c.set(&cacheEntry{key: "a", records: []string{"x"}, expiresAt: time.Now().Add(-time.Second)})

	if _, ok := c.get("a"); ok {
		t.Error("expected expired entry to be evicted on read")
	}
}

func TestLRUCache_EvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	future := time.Now().Add(time.Minute)
	c.set(&cacheEntry{key: "a", expiresAt: future})
	c.set(&cacheEntry{key: "b", expiresAt: future})
	c.set(&cacheEntry{key: "c", expiresAt: future})

	if _, ok := c.get("a"); ok {
		t.Error("expected oldest entry a to be evicted once capacity exceeded")
	}
	if _, ok := c.get("b"); !ok {
		t.Error("expected b to still be cached")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("expected c to still be cached")
	}
}

func TestStatus_String(t *testing.T) {
	cases := map[Status]string{
		StatusOK:             "ok",
		StatusNXDomain:       "nxdomain",
		StatusServFail:       "servfail",
		StatusTimeout:        "timeout",
		StatusTransportError: "transport_error",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func TestExtractRecords_TXT(t *testing.T) {
	msg := &dns.Msg{
		Answer: []dns.RR{
			&dns.TXT{Hdr: dns.RR_Header{Name: "example.com."}, Txt: []string{"v=spf1 ", "-all"}},
		},
	}
	records := extractRecords(msg, dns.TypeTXT)
	if len(records) != 1 || records[0] != "v=spf1 -all" {
		t.Errorf("extractRecords() = %v, want [\"v=spf1 -all\"]", records)
	}
}

func TestExtractRecords_MX(t *testing.T) {
	msg := &dns.Msg{
		Answer: []dns.RR{
			&dns.MX{Hdr: dns.RR_Header{Name: "example.com."}, Preference: 10, Mx: "mail.example.com."},
		},
	}
	records := extractRecords(msg, dns.TypeMX)
	if len(records) != 1 || records[0] != "10 mail.example.com" {
		t.Errorf("extractRecords() = %v, want [\"10 mail.example.com\"]", records)
	}
}
