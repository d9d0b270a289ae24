package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aliashub/relaycore/arc"
	"github.com/aliashub/relaycore/bounce"
	"github.com/aliashub/relaycore/config"
	"github.com/aliashub/relaycore/delivery"
	"github.com/aliashub/relaycore/dkim"
	"github.com/aliashub/relaycore/dmarc"
	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/forwarder"
	"github.com/aliashub/relaycore/resolver"
	"github.com/aliashub/relaycore/routing"
	"github.com/aliashub/relaycore/spf"
)

// QueueManager is the subset of queue.Manager the SMTP Receiver needs:
// the Forwarder's Enqueuer plus the one extra lookup the bounce-relay
// path uses to recover the original sender of a returned SRS token.
type QueueManager interface {
	forwarder.Enqueuer
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
}

// Server is the inbound-only SMTP Receiver (spec §4.5): a single listener
// that accepts mail for every non-deleted domain in the domain cache
// (its verification state is not checked) and
// hands accepted transactions to the Forwarder pipeline. There is no
// submission listener and no SMTP AUTH - this core only relays mail
// addressed to aliases it owns.
type Server struct {
	config         *config.Config
	domainCache    *domain.Cache
	spfValidator   *spf.Validator
	dmarcValidator *dmarc.Validator
	dkimVerifier   *dkim.Verifier
	arcVerifier    *arc.Verifier
	pipeline       *forwarder.Pipeline
	queueManager   QueueManager
	bounceRouter   *delivery.Router
	bounceSecret   []byte
	dnsResolver    *resolver.Resolver
	logger         *zap.Logger
	metrics        *Metrics

	smtpServer *smtp.Server
	tlsConfig  *tls.Config

	mu      sync.RWMutex
	running bool
}

// NewServer creates a new SMTP Receiver. res is the shared DNS Resolver
// used for the connection-admission DNSBL gate; a nil res disables DNSBL
// checks regardless of configured zones.
func NewServer(cfg *config.Config, domainCache *domain.Cache, queueManager QueueManager, res *resolver.Resolver, logger *zap.Logger) *Server {
	spfValidator := spf.NewValidator(logger.Named("spf"))
	dkimVerifier := dkim.NewVerifier(logger.Named("dkim"))
	dmarcValidator := dmarc.NewValidator(res, spfValidator, dkimVerifier, logger.Named("dmarc"))
	dkimSigner := dkim.NewSigner(domainCache, logger.Named("dkim"))
	arcSigner := arc.NewSigner(domainCache, cfg.Server.Hostname, logger.Named("arc"))
	arcVerifier := arc.NewVerifier(logger.Named("arc"))
	router := routing.NewRouter(domainCache, nil, logger.Named("routing"))

	var bounceSecret []byte
	if cfg.Delivery.BounceTokenSecret != "" {
		bounceSecret = []byte(cfg.Delivery.BounceTokenSecret)
	}

	pipeline := forwarder.New(router, dkimSigner, arcSigner, queueManager, cfg.Server.Hostname, bounceSecret, logger.Named("forwarder"))

	return &Server{
		config:         cfg,
		domainCache:    domainCache,
		spfValidator:   spfValidator,
		dmarcValidator: dmarcValidator,
		dkimVerifier:   dkimVerifier,
		arcVerifier:    arcVerifier,
		pipeline:       pipeline,
		queueManager:   queueManager,
		bounceRouter:   delivery.NewRouter(cfg.Delivery, cfg.Server, res),
		bounceSecret:   bounceSecret,
		dnsResolver:    res,
		logger:         logger,
		metrics:        NewMetrics(),
	}
}

// Start starts the SMTP Receiver listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.config.TLS.Enabled {
		tlsConfig, err := s.loadTLSConfig()
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		s.tlsConfig = tlsConfig
	}

	backend := NewBackend(s)
	s.smtpServer = smtp.NewServer(backend)
	s.smtpServer.Addr = s.config.Server.ListenAddress
	s.smtpServer.Domain = s.config.Server.Hostname
	s.smtpServer.ReadTimeout = s.config.Server.ReadTimeout
	s.smtpServer.WriteTimeout = s.config.Server.WriteTimeout
	s.smtpServer.MaxMessageBytes = s.config.Server.MaxMessageBytes
	s.smtpServer.MaxRecipients = s.config.Server.MaxRecipients
	s.smtpServer.AllowInsecureAuth = false
	s.smtpServer.AuthDisabled = true // this core never accepts SMTP AUTH - inbound relay only

	if s.tlsConfig != nil {
		s.smtpServer.TLSConfig = s.tlsConfig
		if s.config.Server.StartTLSMode != "off" {
			s.smtpServer.EnableSMTPUTF8 = true
		}
	}

	listener, err := net.Listen("tcp", s.smtpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.smtpServer.Addr, err)
	}
	guarded := newGuardedListener(listener, s.config.Server, s.dnsResolver, s.logger.Named("listener"))

	go func() {
		s.logger.Info("starting SMTP receiver", zap.String("addr", s.config.Server.ListenAddress))
		if err := s.smtpServer.Serve(guarded); err != nil && err != smtp.ErrServerClosed {
			s.logger.Error("SMTP receiver error", zap.Error(err))
		}
	}()

	s.logger.Info("SMTP receiver started", zap.String("listen_address", s.config.Server.ListenAddress))
	return nil
}

// Metrics returns the receiver's Prometheus metrics, for registration
// against the process's metrics registry.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stop stops the SMTP Receiver.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.smtpServer == nil {
		return nil
	}
	if err := s.smtpServer.Close(); err != nil {
		return fmt.Errorf("close SMTP receiver: %w", err)
	}

	s.logger.Info("SMTP receiver stopped")
	return nil
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP384,
			tls.CurveP256,
		},
	}, nil
}

// Backend implements smtp.Backend, handing out one Session per connection.
type Backend struct {
	server *Server
}

// NewBackend creates a new SMTP backend.
func NewBackend(server *Server) *Backend {
	return &Backend{server: server}
}

// NewSession creates a new session for an incoming connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	var clientIP net.IP
	if tcpAddr, ok := remoteAddr.(*net.TCPAddr); ok {
		clientIP = tcpAddr.IP
	}

	session := &Session{
		backend:   b,
		conn:      c,
		clientIP:  clientIP,
		logger:    b.server.logger.With(zap.String("client_ip", clientIP.String())),
		startTime: time.Now(),
		isTLS:     c.TLSConnectionState() != nil,
	}

	b.server.metrics.ConnectionsTotal.Inc()
	b.server.metrics.ConnectionsActive.Inc()

	b.server.logger.Debug("new SMTP session",
		zap.String("client_ip", clientIP.String()),
		zap.Bool("tls", session.isTLS))

	return session, nil
}

// Session handles a single inbound SMTP transaction.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	clientIP  net.IP
	logger    *zap.Logger
	startTime time.Time
	isTLS     bool

	from       string
	fromDomain string
	recipients []string
	bounceIDs  []string // messages this session's RCPT resolved as our own bounce address
}

// Reset discards the in-progress transaction.
func (s *Session) Reset() {
	s.from = ""
	s.fromDomain = ""
	s.recipients = nil
	s.bounceIDs = nil
}

// Logout is called when the session ends.
func (s *Session) Logout() error {
	duration := time.Since(s.startTime)
	s.backend.server.metrics.ConnectionsActive.Dec()
	s.backend.server.metrics.SessionDuration.Observe(duration.Seconds())

	s.logger.Debug("SMTP session ended", zap.Duration("duration", duration))
	return nil
}

// Mail handles the MAIL FROM command. A null sender ("<>") is accepted:
// it is how bounces/DSNs from other MTAs address their own failures.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if from == "" {
		s.from = ""
		s.fromDomain = ""
		return nil
	}

	domainName := extractDomain(from)
	if domainName == "" {
		return &smtp.SMTPError{Code: 501, Message: "invalid sender address"}
	}

	s.from = from
	s.fromDomain = domainName
	s.logger.Debug("MAIL FROM accepted", zap.String("from", from))
	return nil
}

// Rcpt handles the RCPT TO command: this core only accepts mail for its
// own bounce return-path addresses or for a recipient an alias/catch-all
// resolves (spec §4.1 LookupAlias); anything else is relay denial.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	domainName := extractDomain(to)
	if domainName == "" {
		return &smtp.SMTPError{Code: 501, Message: "invalid recipient address"}
	}

	if strings.EqualFold(domainName, s.backend.server.config.Server.Hostname) && bounce.IsBounceAddress(to) {
		if id, ok := bounce.Parse(s.backend.server.bounceSecret, to); ok {
			s.bounceIDs = append(s.bounceIDs, id)
			s.recipients = append(s.recipients, to)
			s.logger.Debug("RCPT TO accepted as bounce return address", zap.String("to", to))
			return nil
		}
		return &smtp.SMTPError{Code: 550, Message: "invalid return-path token"}
	}

	lookup := s.backend.server.domainCache.LookupAlias(to)
	if !lookup.Found {
		s.backend.server.metrics.MessagesRejected.WithLabelValues(domainName, "no_such_recipient").Inc()
		return &smtp.SMTPError{Code: 550, Message: fmt.Sprintf("recipient %s not found", to)}
	}

	s.recipients = append(s.recipients, to)
	s.logger.Debug("RCPT TO accepted", zap.String("to", to))
	return nil
}

// Data handles the DATA command; the rest of the accept-time pipeline
// lives in message.go.
func (s *Session) Data(r io.Reader) error {
	return s.processMessage(r)
}

func extractDomain(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}

// Metrics holds the SMTP Receiver's Prometheus metrics.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	SessionDuration   prometheus.Histogram
	MessagesReceived  *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec
	MessageSize       *prometheus.HistogramVec
	AcceptDuration    *prometheus.HistogramVec
	SPFResults        *prometheus.CounterVec
	DKIMResults       *prometheus.CounterVec
	DMARCResults      *prometheus.CounterVec
}

// NewMetrics creates new Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycore_smtp_connections_total",
			Help: "Total number of SMTP connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycore_smtp_connections_active",
			Help: "Number of active SMTP connections.",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaycore_smtp_session_duration_seconds",
			Help:    "SMTP session duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_smtp_messages_received_total",
			Help: "Total messages accepted, by domain.",
		}, []string{"domain"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_smtp_messages_rejected_total",
			Help: "Total messages rejected, by domain and reason.",
		}, []string{"domain", "reason"}),
		MessageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaycore_smtp_message_size_bytes",
			Help:    "Accepted message size in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 15),
		}, []string{"domain"}),
		AcceptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaycore_smtp_accept_duration_seconds",
			Help:    "Time spent in the accept-time pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"domain"}),
		SPFResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_smtp_spf_results_total",
			Help: "SPF check results.",
		}, []string{"domain", "result"}),
		DKIMResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_smtp_dkim_results_total",
			Help: "DKIM verification results.",
		}, []string{"domain", "result"}),
		DMARCResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycore_smtp_dmarc_results_total",
			Help: "DMARC check results.",
		}, []string{"domain", "result"}),
	}
}

// Register registers metrics with Prometheus.
func (m *Metrics) Register(registry prometheus.Registerer) {
	registry.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.SessionDuration,
		m.MessagesReceived,
		m.MessagesRejected,
		m.MessageSize,
		m.AcceptDuration,
		m.SPFResults,
		m.DKIMResults,
		m.DMARCResults,
	)
}
