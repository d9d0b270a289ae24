package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aliashub/relaycore/config"
	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/repository"
	"github.com/aliashub/relaycore/resolver"
)

// Prometheus metrics for the forwarding pipeline (spec §8 observability).
var (
	messagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycore_messages_delivered_total",
		Help: "Total messages successfully forwarded to their target.",
	})
	messagesBouncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_messages_bounced_total",
		Help: "Total messages bounced back to the envelope sender.",
	}, []string{"reason"})
	messagesRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycore_messages_retried_total",
		Help: "Total delivery attempts that ended in a scheduled retry.",
	})
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycore_queue_depth",
		Help: "Messages currently accepted or awaiting retry.",
	})
)

// Manager owns the on-disk raw message store, the worker pool, and the
// retry/recovery loops that drive every Message Record from `accepted`
// to a terminal state (spec §4.6 Forwarder).
type Manager struct {
	config      *config.Config
	redis       *redis.Client
	msgRepo     *repository.MessageRepository
	domainCache DomainProvider
	resolver    *resolver.Resolver
	logger      *zap.Logger

	workers  []*Worker
	workerWg sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// DomainProvider is the subset of domain.Cache the queue needs to label
// deliveries and activity log entries with the owning domain.
type DomainProvider interface {
	GetDomainByID(id string) *domain.Domain
}

// NewManager creates a new queue manager.
func NewManager(
	cfg *config.Config,
	redisClient *redis.Client,
	msgRepo *repository.MessageRepository,
	domainCache DomainProvider,
	res *resolver.Resolver,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		config:      cfg,
		redis:       redisClient,
		msgRepo:     msgRepo,
		domainCache: domainCache,
		resolver:    res,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start starts the queue manager and its worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	m.running = true
	m.mu.Unlock()

	if err := os.MkdirAll(m.config.Queue.StoragePath, 0755); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	for i := 0; i < m.config.Queue.Workers; i++ {
		worker := NewWorker(i, m, m.logger.Named(fmt.Sprintf("worker-%d", i)))
		m.workers = append(m.workers, worker)
		m.workerWg.Add(1)
		go func(w *Worker) {
			defer m.workerWg.Done()
			w.Run(ctx)
		}(worker)
	}

	go m.recoveryLoop(ctx)

	m.logger.Info("queue manager started",
		zap.Int("workers", m.config.Queue.Workers),
		zap.String("storage_path", m.config.Queue.StoragePath))

	return nil
}

// Stop stops the queue manager, waiting for in-flight deliveries to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("queue manager stopped gracefully")
	case <-ctx.Done():
		m.logger.Warn("queue manager stop timeout")
	}

	return nil
}

// Enqueue persists a new Message Record in status `accepted` and pushes
// its id onto the `relaycore:forward:ready` Redis list. Workers do not
// read that list: they find new records by polling the database every
// two seconds (Worker.Run).
func (m *Manager) Enqueue(ctx context.Context, msg *domain.Message) error {
	if err := m.msgRepo.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	queueDepthGauge.Inc()

	if m.redis != nil {
		if err := m.redis.LPush(ctx, "relaycore:forward:ready", msg.ID).Err(); err != nil {
			m.logger.Warn("failed to push forward notification to redis", zap.Error(err))
		}
	}

	m.logger.Debug("message enqueued",
		zap.String("message_id", msg.ID),
		zap.String("domain_id", msg.DomainID),
		zap.String("forward_to", msg.ForwardTo))

	return nil
}

// StoreMessage writes raw message bytes to content-addressed storage and
// returns the path recorded on the Message Record.
func (m *Manager) StoreMessage(ctx context.Context, data []byte) (string, error) {
	hash := sha256.Sum256(data)
	hashStr := hex.EncodeToString(hash[:])

	now := time.Now()
	dir := filepath.Join(
		m.config.Queue.StoragePath,
		now.Format("2006"), now.Format("01"), now.Format("02"),
	)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	path := filepath.Join(dir, hashStr+".eml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return path, nil
}

// GetMessageData retrieves stored raw message bytes by path.
func (m *Manager) GetMessageData(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

// DeleteMessageData removes stored raw message bytes.
func (m *Manager) DeleteMessageData(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// GetDueMessages returns messages ready for a delivery attempt: freshly
// accepted records and forwarding records whose retry deadline elapsed.
func (m *Manager) GetDueMessages(ctx context.Context, limit int) ([]*domain.Message, error) {
	return m.msgRepo.GetDueMessages(ctx, limit)
}

// UpdateMessageStatus performs a guarded status transition.
func (m *Manager) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus, errKind domain.ErrorKind, errMsg string) error {
	return m.msgRepo.UpdateMessageStatus(ctx, id, status, errKind, errMsg)
}

// ScheduleRetry sets the next retry deadline for a message still in `forwarding`.
func (m *Manager) ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	messagesRetriedTotal.Inc()
	return m.msgRepo.ScheduleRetry(ctx, id, nextAttempt)
}

// GetRawMessage loads the raw bytes for a Message Record.
func (m *Manager) GetRawMessage(ctx context.Context, id string) ([]byte, error) {
	return m.msgRepo.GetRawMessage(ctx, id)
}

// GetMessage loads a Message Record by id, for the SMTP Receiver's bounce
// handling path (spec §4.6): recovering the original envelope sender a
// returned SRS bounce token refers to.
func (m *Manager) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return m.msgRepo.GetMessage(ctx, id)
}

// RecordDelivered records a successful delivery against the Prometheus counters.
func (m *Manager) RecordDelivered() {
	messagesDeliveredTotal.Inc()
	queueDepthGauge.Dec()
}

// RecordBounced records a terminal bounce/failure against the Prometheus counters.
func (m *Manager) RecordBounced(reason string) {
	messagesBouncedTotal.WithLabelValues(reason).Inc()
	queueDepthGauge.Dec()
}

// recoveryLoop periodically resets messages stuck in `forwarding` (crashed
// mid-delivery) by giving them an immediate retry deadline, per spec §7's
// startup/runtime recovery scan.
func (m *Manager) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	m.recoverStuck(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.recoverStuck(ctx)
		}
	}
}

func (m *Manager) recoverStuck(ctx context.Context) {
	stuck, err := m.msgRepo.GetStuckMessages(ctx, m.config.Queue.RecoveryWindow)
	if err != nil {
		m.logger.Error("failed to scan for stuck messages", zap.Error(err))
		return
	}
	for _, msg := range stuck {
		if err := m.msgRepo.ScheduleRetry(ctx, msg.ID, time.Now()); err != nil {
			m.logger.Error("failed to reschedule stuck message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		m.logger.Warn("recovered stuck forwarding message", zap.String("message_id", msg.ID))
	}
	if len(stuck) > 0 {
		m.logger.Info("recovery scan complete", zap.Int("recovered", len(stuck)))
	}
}
