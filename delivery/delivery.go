// Package delivery is the Delivery Router (spec §4.7): it takes one
// resolved (envelope-sender, recipient, raw message) triple and gets it
// onto the wire, choosing direct MX delivery, a configured smart host, or
// both per the configured delivery mode. MX lookups go through the
// shared DNS Resolver so a burst of deliveries to the same recipient
// domain costs one query, not one per message, and a per-domain
// semaphore bounds how many sessions run against one destination at
// once. Grounded on albertito-chasquid's internal/courier/smtp.go
// MX-iteration/STARTTLS pattern, wired onto emersion/go-smtp's client
// and emersion/go-sasl's PLAIN mechanism - the same libraries the
// teacher dials inbound connections with - rather than stdlib net/smtp.
package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/aliashub/relaycore/config"
	"github.com/aliashub/relaycore/resolver"
)

// mxResolver is the subset of resolver.Resolver the Delivery Router
// needs, so MX resolution can be exercised against a fake in tests.
type mxResolver interface {
	LookupMX(ctx context.Context, name string) (*resolver.Result, error)
}

// Router delivers raw message bytes to a single recipient address.
type Router struct {
	delivery config.DeliveryConfig
	server   config.ServerConfig
	resolver mxResolver

	mu    sync.Mutex
	gates map[string]chan struct{} // per recipient-domain concurrency gate
	conns map[string]*pooledConn   // per host:port reused connection
}

// pooledConn is one idle outbound SMTP connection kept warm for reuse
// within the configured ConnReuseWindow.
type pooledConn struct {
	client   *smtp.Client
	lastUsed time.Time
}

// NewRouter creates a new Delivery Router from the Delivery and Server
// config sections (relay settings and STARTTLS policy respectively),
// resolving MX records through res.
func NewRouter(delivery config.DeliveryConfig, server config.ServerConfig, res mxResolver) *Router {
	return &Router{
		delivery: delivery,
		server:   server,
		resolver: res,
		gates:    make(map[string]chan struct{}),
		conns:    make(map[string]*pooledConn),
	}
}

// Deliver sends data from mailFrom to rcptTo, choosing direct MX
// delivery, a configured relay, or both (hybrid), per Delivery.Mode.
// The second return value reports whether a non-nil error should be
// treated as permanent (no further retry). Concurrency against rcptTo's
// domain is bounded by the configured PerDomainConcurrency.
func (r *Router) Deliver(ctx context.Context, mailFrom, rcptTo string, data []byte) (error, bool) {
	_, rcptDomain, ok := splitAddress(rcptTo)
	if !ok {
		return fmt.Errorf("malformed recipient address %q", rcptTo), true
	}

	release := r.acquire(rcptDomain)
	defer release()

	switch r.delivery.Mode {
	case "relay":
		return r.deliverViaRelay(ctx, mailFrom, rcptTo, data)
	case "hybrid":
		if err, permanent := r.deliverDirect(ctx, rcptDomain, mailFrom, rcptTo, data); err == nil || permanent {
			return err, permanent
		}
		return r.deliverViaRelay(ctx, mailFrom, rcptTo, data)
	default: // "direct"
		return r.deliverDirect(ctx, rcptDomain, mailFrom, rcptTo, data)
	}
}

// acquire blocks until a concurrency slot for domain is free and returns
// a function that releases it.
func (r *Router) acquire(domain string) func() {
	limit := r.delivery.PerDomainConcurrency
	if limit <= 0 {
		limit = 4
	}

	r.mu.Lock()
	gate, ok := r.gates[domain]
	if !ok {
		gate = make(chan struct{}, limit)
		r.gates[domain] = gate
	}
	r.mu.Unlock()

	gate <- struct{}{}
	return func() { <-gate }
}

func splitAddress(addr string) (local, dom string, ok bool) {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return "", "", false
	}
	return addr[:idx], strings.ToLower(addr[idx+1:]), true
}

// deliverDirect resolves the target domain's MX records through the
// shared Resolver and tries each host in preference order, per RFC 5321
// §5.1.
func (r *Router) deliverDirect(ctx context.Context, rcptDomain, mailFrom, rcptTo string, data []byte) (error, bool) {
	hosts, err := r.lookupMXHosts(ctx, rcptDomain)
	if err != nil {
		return fmt.Errorf("mx lookup failed for %s: %w", rcptDomain, err), true
	}

	var lastErr error
	for _, host := range hosts {
		err := r.deliverToHost(ctx, host, 25, mailFrom, rcptTo, data, false)
		if err == nil {
			return nil, false
		}
		lastErr = err
		if isPermanentSMTPError(err) {
			return lastErr, true
		}
	}
	return fmt.Errorf("all MX hosts for %s failed: %w", rcptDomain, lastErr), false
}

// lookupMXHosts resolves rcptDomain's MX records, sorted by preference,
// falling back to the bare domain as an implicit MX (RFC 5321 §5.1) when
// none are published.
func (r *Router) lookupMXHosts(ctx context.Context, rcptDomain string) ([]string, error) {
	result, err := r.resolver.LookupMX(ctx, rcptDomain)
	if err != nil {
		return nil, err
	}

	type mx struct {
		pref int
		host string
	}
	var records []mx
	for _, rec := range result.Records {
		fields := strings.Fields(rec)
		if len(fields) != 2 {
			continue
		}
		pref, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		records = append(records, mx{pref: pref, host: fields[1]})
	}
	if len(records) == 0 {
		if rcptDomain == "" {
			return nil, fmt.Errorf("no MX records and empty domain")
		}
		return []string{rcptDomain}, nil
	}

	sort.Slice(records, func(i, j int) bool { return records[i].pref < records[j].pref })
	hosts := make([]string, len(records))
	for i, rec := range records {
		hosts[i] = strings.TrimSuffix(rec.host, ".")
	}
	return hosts, nil
}

// deliverViaRelay hands the message to the configured smart host,
// authenticating when relay credentials are configured.
func (r *Router) deliverViaRelay(ctx context.Context, mailFrom, rcptTo string, data []byte) (error, bool) {
	if r.delivery.RelayHost == "" {
		return fmt.Errorf("relay delivery mode configured without relay_host"), true
	}
	err := r.deliverToHost(ctx, r.delivery.RelayHost, r.delivery.RelayPort, mailFrom, rcptTo, data, true)
	if err == nil {
		return nil, false
	}
	return err, isPermanentSMTPError(err)
}

// deliverToHost performs one SMTP transaction against host:port, reusing
// a pooled connection when one is warm within ConnReuseWindow, and
// honoring the server's configured STARTTLS policy and, for relay hosts,
// AUTH PLAIN credentials via go-sasl.
func (r *Router) deliverToHost(ctx context.Context, host string, port int, mailFrom, rcptTo string, data []byte, isRelay bool) error {
	key := fmt.Sprintf("%s:%d", host, port)

	client, reused, err := r.takeConn(host, port, isRelay, key)
	if err != nil {
		return err
	}

	if err := transact(client, mailFrom, rcptTo, data); err != nil {
		client.Close()
		if !reused {
			return err
		}
		// Stale pooled connection; retry fresh once before giving up.
		freshClient, _, dialErr := r.dial(host, port, isRelay)
		if dialErr != nil {
			return err
		}
		if err := transact(freshClient, mailFrom, rcptTo, data); err != nil {
			freshClient.Close()
			return err
		}
		r.putConn(key, freshClient)
		return nil
	}

	r.putConn(key, client)
	return nil
}

// takeConn returns a pooled connection for key if one is warm, otherwise
// dials a fresh one.
func (r *Router) takeConn(host string, port int, isRelay bool, key string) (*smtp.Client, bool, error) {
	r.mu.Lock()
	pooled, ok := r.conns[key]
	if ok {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	window := r.delivery.ConnReuseWindow
	if ok && window > 0 && time.Since(pooled.lastUsed) < window {
		if err := pooled.client.Noop(); err == nil {
			return pooled.client, true, nil
		}
		pooled.client.Close()
	}

	client, reused, err := r.dial(host, port, isRelay)
	return client, reused, err
}

// putConn either returns client to the pool for reuse, or closes it when
// connection reuse is disabled.
func (r *Router) putConn(key string, client *smtp.Client) {
	if r.delivery.ConnReuseWindow <= 0 {
		client.Quit()
		return
	}
	r.mu.Lock()
	r.conns[key] = &pooledConn{client: client, lastUsed: time.Now()}
	r.mu.Unlock()
}

// dial opens a fresh TCP connection to host:port, completes the SMTP
// greeting/HELO/STARTTLS handshake, and authenticates when isRelay and
// relay credentials are configured.
func (r *Router) dial(host string, port int, isRelay bool) (*smtp.Client, bool, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	timeout := r.delivery.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, false, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(timeout * 4))

	client, err := smtp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("smtp handshake %s: %w", addr, err)
	}

	if err := client.Hello(r.server.Hostname); err != nil {
		client.Close()
		return nil, false, fmt.Errorf("HELO %s: %w", addr, err)
	}

	mode := r.server.StartTLSMode
	if ok, _ := client.Extension("STARTTLS"); ok && mode != "off" {
		tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil && mode == "required" {
			client.Close()
			return nil, false, fmt.Errorf("STARTTLS required but failed for %s: %w", addr, err)
		}
	} else if mode == "required" {
		client.Close()
		return nil, false, fmt.Errorf("STARTTLS required but unsupported by %s", addr)
	}

	if isRelay && r.delivery.RelayUser != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			mech := sasl.NewPlainClient("", r.delivery.RelayUser, r.delivery.RelayPass)
			if err := client.Auth(mech); err != nil {
				client.Close()
				return nil, false, fmt.Errorf("AUTH to relay %s: %w", addr, err)
			}
		}
	}

	return client, false, nil
}

// transact runs one MAIL/RCPT/DATA exchange over an established client.
// An empty mailFrom produces the null reverse path ("MAIL FROM:<>"),
// used for bounce/DSN delivery.
func transact(client *smtp.Client, mailFrom, rcptTo string, data []byte) error {
	if err := client.Mail(mailFrom, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(rcptTo, nil); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", rcptTo, err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("write message body: %w", err)
	}
	return wc.Close()
}

// isPermanentSMTPError reports whether err wraps a 5xx SMTP reply, which
// should not be retried against the same or other MX hosts.
func isPermanentSMTPError(err error) bool {
	for e := err; e != nil; e = unwrap(e) {
		if se, ok := e.(*smtp.SMTPError); ok {
			return se.Code >= 500
		}
	}
	return false
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
