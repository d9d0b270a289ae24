// Package testutil provides testing utilities shared across packages.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/aliashub/relaycore/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MockRedisClient implements the subset of the Redis client used for
// queue notifications, for tests that don't want a real Redis instance.
type MockRedisClient struct {
	data  map[string]interface{}
	lists map[string][]string
	mu    sync.RWMutex
}

// NewMockRedisClient creates a new mock Redis client.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:  make(map[string]interface{}),
		lists: make(map[string][]string),
	}
}

// Get mocks redis GET.
func (m *MockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := m.data[key]; ok {
		if s, ok := v.(string); ok {
			cmd.SetVal(s)
		}
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

// Set mocks redis SET.
func (m *MockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

// LPush mocks redis LPUSH.
func (m *MockRedisClient) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		if s, ok := v.(string); ok {
			m.lists[key] = append([]string{s}, m.lists[key]...)
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(m.lists[key])))
	return cmd
}

// MockDomainProvider implements queue.DomainProvider and routing.AliasLookup
// for tests, backed by in-memory maps instead of domain.Cache/Postgres.
type MockDomainProvider struct {
	domains     map[string]*domain.Domain
	domainsByID map[string]*domain.Domain
	aliases     map[string]domain.AliasLookupResult
	catchAlls   map[string]string
	mu          sync.RWMutex
}

// NewMockDomainProvider creates a new mock domain provider.
func NewMockDomainProvider() *MockDomainProvider {
	return &MockDomainProvider{
		domains:     make(map[string]*domain.Domain),
		domainsByID: make(map[string]*domain.Domain),
		aliases:     make(map[string]domain.AliasLookupResult),
		catchAlls:   make(map[string]string),
	}
}

// AddDomain registers a domain with the mock provider.
func (m *MockDomainProvider) AddDomain(d *domain.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.Name] = d
	m.domainsByID[d.ID] = d
}

// AddAlias registers an alias lookup result for recipient.
func (m *MockDomainProvider) AddAlias(recipient string, targets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[recipient] = domain.AliasLookupResult{Found: true, Targets: targets}
}

// AddCatchAll registers a catch-all target for domainName.
func (m *MockDomainProvider) AddCatchAll(domainName, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catchAlls[domainName] = target
}

// GetDomain returns a domain by name.
func (m *MockDomainProvider) GetDomain(name string) *domain.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domains[name]
}

// GetDomainByID returns a domain by id.
func (m *MockDomainProvider) GetDomainByID(id string) *domain.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domainsByID[id]
}

// LookupAlias implements routing.AliasLookup.
func (m *MockDomainProvider) LookupAlias(recipient string) domain.AliasLookupResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aliases[recipient]
}

// LookupCatchAll implements the catch-all half of domain.Cache's lookup surface.
func (m *MockDomainProvider) LookupCatchAll(domainName string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catchAlls[domainName]
}

// MockMessageRepository is an in-memory stand-in for repository.MessageRepository.
type MockMessageRepository struct {
	messages map[string]*domain.Message
	mu       sync.RWMutex

	OnCreateMessage       func(*domain.Message) error
	OnUpdateMessageStatus func(string, domain.MessageStatus, domain.ErrorKind, string) error
}

// NewMockMessageRepository creates a new mock message repository.
func NewMockMessageRepository() *MockMessageRepository {
	return &MockMessageRepository{messages: make(map[string]*domain.Message)}
}

// AddMessage seeds a message into the mock repository.
func (m *MockMessageRepository) AddMessage(msg *domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
}

// CreateMessage mocks inserting a Message Record in status accepted.
func (m *MockMessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if m.OnCreateMessage != nil {
		return m.OnCreateMessage(msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

// UpdateMessageStatus mocks a guarded status transition.
func (m *MockMessageRepository) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus, errKind domain.ErrorKind, errMsg string) error {
	if m.OnUpdateMessageStatus != nil {
		return m.OnUpdateMessageStatus(id, status, errKind, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.ValidMessageTransition(msg.Status, status) {
		return domain.ErrConflict
	}
	msg.Status = status
	msg.LastErrorKind = errKind
	msg.LastError = errMsg
	if status == domain.MessageForwarding {
		msg.Attempts++
	}
	return nil
}

// ScheduleRetry mocks setting the next retry deadline.
func (m *MockMessageRepository) ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		msg.NextAttemptAt = &nextAttempt
	}
	return nil
}

// GetMessage returns a seeded message by id.
func (m *MockMessageRepository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return msg, nil
}

// GetDueMessages returns accepted messages and due forwarding retries.
func (m *MockMessageRepository) GetDueMessages(ctx context.Context, limit int) ([]*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Message
	now := time.Now()
	for _, msg := range m.messages {
		due := msg.Status == domain.MessageAccepted ||
			(msg.Status == domain.MessageForwarding && msg.NextAttemptAt != nil && !msg.NextAttemptAt.After(now))
		if due {
			result = append(result, msg)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// NewTestFixtures creates a small set of fixtures covering one verified
// domain with an alias and a catch-all target.
func NewTestFixtures() (*domain.Domain, *domain.Alias) {
	now := time.Now()
	d := &domain.Domain{
		ID:                "domain-1",
		OrganizationID:    "org-1",
		Name:              "example.com",
		VerificationState: domain.VerificationVerified,
		CatchAllTarget:    "catchall@backend.com",
		DKIMSelector:      "mail",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	a := &domain.Alias{
		ID:        "alias-1",
		DomainID:  "domain-1",
		LocalPart: "sales",
		Targets:   []string{"alice@backend.com", "bob@backend.com"},
		Active:    true,
		CreatedAt: now,
	}
	return d, a
}

// TestLogger returns a quiet logger suitable for test output.
func TestLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, _ := cfg.Build()
	return logger
}

// TestContext returns a context with a generous timeout for test use.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
