package smtp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aliashub/relaycore/config"
	"github.com/aliashub/relaycore/resolver"
)

// guardedListener wraps the raw net.Listener with the SMTP Receiver's
// connection-admission gate (spec §4.5): a global and per-IP connection
// cap, a postscreen-style pregreet delay that rejects clients who talk
// before a banner has been sent, and a DNSBL check against the
// configured zones. Grounded on the teacher's plain net.Listener accept
// loop, generalized the way a proxy-protocol listener wraps one.
type guardedListener struct {
	net.Listener
	cfg      config.ServerConfig
	resolver *resolver.Resolver
	logger   *zap.Logger

	mu    sync.Mutex
	perIP map[string]int
	total atomic.Int64
}

func newGuardedListener(inner net.Listener, cfg config.ServerConfig, res *resolver.Resolver, logger *zap.Logger) *guardedListener {
	return &guardedListener{
		Listener: inner,
		cfg:      cfg,
		resolver: res,
		logger:   logger,
		perIP:    make(map[string]int),
	}
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ip := hostOf(conn.RemoteAddr())

		if !l.admit(ip) {
			l.logger.Debug("connection rejected: over connection limit", zap.String("client_ip", ip))
			conn.Close()
			continue
		}

		if l.blocklisted(ip) {
			l.logger.Info("connection rejected: dnsbl match", zap.String("client_ip", ip))
			l.release(ip)
			conn.Close()
			continue
		}

		if l.cfg.PregreetDelayMS > 0 && talksEarly(conn, time.Duration(l.cfg.PregreetDelayMS)*time.Millisecond) {
			l.logger.Info("connection rejected: pregreet talker", zap.String("client_ip", ip))
			l.release(ip)
			conn.Close()
			continue
		}

		return &releasingConn{Conn: conn, release: func() { l.release(ip) }}, nil
	}
}

func (l *guardedListener) admit(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxConnectionsTotal > 0 && int(l.total.Load()) >= l.cfg.MaxConnectionsTotal {
		return false
	}
	if l.cfg.MaxConnectionsPerIP > 0 && l.perIP[ip] >= l.cfg.MaxConnectionsPerIP {
		return false
	}
	l.perIP[ip]++
	l.total.Add(1)
	return true
}

func (l *guardedListener) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] > 0 {
		l.perIP[ip]--
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
	}
	l.total.Add(-1)
}

// blocklisted checks the client IP against every configured DNSBL zone via
// the shared Resolver, so a burst of connections from the same /32 costs
// one query per zone, not one per connection. Only IPv4 is supported;
// zones rarely publish useful IPv6 listings.
func (l *guardedListener) blocklisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if l.resolver == nil || parsed == nil || parsed.To4() == nil || len(l.cfg.DNSBLZones) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reversed := reverseIPv4(parsed.To4())
	for _, zone := range l.cfg.DNSBLZones {
		result, err := l.resolver.LookupA(ctx, fmt.Sprintf("%s.%s", reversed, zone))
		if err == nil && result.Status == resolver.StatusOK && len(result.Records) > 0 {
			return true
		}
	}
	return false
}

func reverseIPv4(ip net.IP) string {
	parts := strings.Split(ip.String(), ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// talksEarly waits up to delay for the client to send bytes before we've
// issued a banner. A compliant client always waits for the greeting;
// spam engines that pipeline blindly reveal themselves here.
func talksEarly(conn net.Conn, delay time.Duration) bool {
	conn.SetReadDeadline(time.Now().Add(delay))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	return err == nil
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// releasingConn decrements the listener's connection counters exactly
// once, on close, regardless of who closes it (client or server).
type releasingConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *releasingConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}
