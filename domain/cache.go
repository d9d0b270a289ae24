package domain

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache provides in-memory caching of domains, aliases, and DKIM keypairs
// in front of the Store, so the SMTP Receiver's hot-path RCPT TO lookup
// never blocks on Postgres.
type Cache struct {
	domains     map[string]*Domain       // by domain name
	domainsByID map[string]*Domain       // by domain ID
	orgDomains  map[string][]*Domain     // by organization ID
	dkimKeys    map[string][]*DKIMKeypair // by domain name
	aliases     map[string]map[string]*Alias // domain name -> local-part -> alias

	mu          sync.RWMutex
	refreshChan chan string
	stopChan    chan struct{}
	logger      *zap.Logger
	repository  Repository
	ttl         time.Duration
	lastRefresh time.Time
}

// Repository is the subset of the Store the cache loads from.
type Repository interface {
	GetAllDomains(ctx context.Context) ([]*Domain, error)
	GetDomainByName(ctx context.Context, name string) (*Domain, error)
	GetDomainsByOrganization(ctx context.Context, orgID string) ([]*Domain, error)
	GetDKIMKeypairs(ctx context.Context, domainID string) ([]*DKIMKeypair, error)
	GetActiveDKIMKeypair(ctx context.Context, domainName string) (*DKIMKeypair, error)
	GetAliasesByDomain(ctx context.Context, domainID string) ([]*Alias, error)
	ListenForChanges(ctx context.Context, callback func(table, action, id string)) error
}

// NewCache creates a new domain/alias cache with the given refresh TTL.
func NewCache(repository Repository, logger *zap.Logger, ttl time.Duration) *Cache {
	return &Cache{
		domains:     make(map[string]*Domain),
		domainsByID: make(map[string]*Domain),
		orgDomains:  make(map[string][]*Domain),
		dkimKeys:    make(map[string][]*DKIMKeypair),
		aliases:     make(map[string]map[string]*Alias),
		refreshChan: make(chan string, 100),
		stopChan:    make(chan struct{}),
		logger:      logger,
		repository:  repository,
		ttl:         ttl,
	}
}

// Start performs the initial load and launches background refresh plus
// the Postgres LISTEN/NOTIFY watcher.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.RefreshAll(ctx); err != nil {
		return err
	}
	go c.backgroundRefresh(ctx)
	go c.listenForChanges(ctx)
	return nil
}

// Stop halts the background refresh goroutine.
func (c *Cache) Stop() {
	close(c.stopChan)
}

// RefreshAll reloads every domain, its DKIM keypairs, and its aliases.
func (c *Cache) RefreshAll(ctx context.Context) error {
	c.logger.Info("refreshing domain cache")

	domains, err := c.repository.GetAllDomains(ctx)
	if err != nil {
		return err
	}

	newDomains := make(map[string]*Domain, len(domains))
	newDomainsByID := make(map[string]*Domain, len(domains))
	newOrgDomains := make(map[string][]*Domain)
	newDKIMKeys := make(map[string][]*DKIMKeypair, len(domains))
	newAliases := make(map[string]map[string]*Alias, len(domains))

	for _, d := range domains {
		newDomains[d.Name] = d
		newDomainsByID[d.ID] = d
		newOrgDomains[d.OrganizationID] = append(newOrgDomains[d.OrganizationID], d)

		keys, err := c.repository.GetDKIMKeypairs(ctx, d.ID)
		if err != nil {
			c.logger.Warn("failed to load dkim keypairs", zap.String("domain", d.Name), zap.Error(err))
		} else {
			newDKIMKeys[d.Name] = keys
		}

		aliases, err := c.repository.GetAliasesByDomain(ctx, d.ID)
		if err != nil {
			c.logger.Warn("failed to load aliases", zap.String("domain", d.Name), zap.Error(err))
			continue
		}
		byLocal := make(map[string]*Alias, len(aliases))
		for _, a := range aliases {
			byLocal[a.LocalPart] = a
		}
		newAliases[d.Name] = byLocal
	}

	c.mu.Lock()
	c.domains = newDomains
	c.domainsByID = newDomainsByID
	c.orgDomains = newOrgDomains
	c.dkimKeys = newDKIMKeys
	c.aliases = newAliases
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	c.logger.Info("domain cache refreshed", zap.Int("domains", len(domains)))
	return nil
}

// RefreshDomain reloads a single domain's record, keypairs, and aliases.
func (c *Cache) RefreshDomain(ctx context.Context, domainName string) error {
	d, err := c.repository.GetDomainByName(ctx, domainName)
	if err != nil {
		return err
	}
	if d == nil {
		c.InvalidateDomain(domainName)
		return nil
	}

	keys, err := c.repository.GetDKIMKeypairs(ctx, d.ID)
	if err != nil {
		c.logger.Warn("failed to load dkim keypairs", zap.String("domain", domainName), zap.Error(err))
	}

	aliases, err := c.repository.GetAliasesByDomain(ctx, d.ID)
	if err != nil {
		c.logger.Warn("failed to load aliases", zap.String("domain", domainName), zap.Error(err))
	}
	byLocal := make(map[string]*Alias, len(aliases))
	for _, a := range aliases {
		byLocal[a.LocalPart] = a
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old := c.domains[domainName]; old != nil && old.OrganizationID != d.OrganizationID {
		c.removeFromOrgDomains(old.OrganizationID, old.ID)
	}
	c.domains[domainName] = d
	c.domainsByID[d.ID] = d
	c.addToOrgDomains(d)
	c.dkimKeys[domainName] = keys
	c.aliases[domainName] = byLocal

	return nil
}

// InvalidateDomain drops a domain (and its aliases/keys) from the cache.
func (c *Cache) InvalidateDomain(domainName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, exists := c.domains[domainName]; exists {
		delete(c.domains, domainName)
		delete(c.domainsByID, d.ID)
		delete(c.dkimKeys, domainName)
		delete(c.aliases, domainName)
		c.removeFromOrgDomains(d.OrganizationID, d.ID)
	}
}

// GetDomain returns a cached domain by name.
func (c *Cache) GetDomain(name string) *Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domains[name]
}

// GetDomainByID returns a cached domain by id.
func (c *Cache) GetDomainByID(id string) *Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domainsByID[id]
}

// GetOrganizationDomains returns all cached domains for an organization.
func (c *Cache) GetOrganizationDomains(orgID string) []*Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()

	domains := c.orgDomains[orgID]
	result := make([]*Domain, len(domains))
	copy(result, domains)
	return result
}

// GetActiveDKIMKeypair returns the currently active keypair for a domain, or nil.
func (c *Cache) GetActiveDKIMKeypair(domainName string) *DKIMKeypair {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, key := range c.dkimKeys[domainName] {
		if key.Active {
			return key
		}
	}
	return nil
}

// LookupAlias implements the Store operation of the same name (spec §4.1):
// case-insensitive match of (local-part, domain) against an active alias.
// Falls through to the domain's catch-all if no alias matches.
func (c *Cache) LookupAlias(recipient string) AliasLookupResult {
	local, domainName, ok := splitRecipient(recipient)
	if !ok {
		return AliasLookupResult{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.domains[domainName]
	if d == nil || d.SoftDeleted() {
		return AliasLookupResult{}
	}

	now := time.Now()
	if byLocal := c.aliases[domainName]; byLocal != nil {
		if a, ok := byLocal[local]; ok && a.IsActive(now) {
			return AliasLookupResult{Found: true, Alias: a, Domain: d, Targets: a.Targets}
		}
	}

	if d.HasCatchAll() {
		return AliasLookupResult{Found: true, Alias: nil, Domain: d, Targets: []string{d.CatchAllTarget}}
	}

	return AliasLookupResult{Found: false, Domain: d}
}

// LookupCatchAll returns the catch-all target for a domain, or "" if none.
func (c *Cache) LookupCatchAll(domainName string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d := c.domains[domainName]; d != nil {
		return d.CatchAllTarget
	}
	return ""
}

// splitRecipient lowercases and splits "local@domain" for lookup.
func splitRecipient(recipient string) (local, domainName string, ok bool) {
	for i := len(recipient) - 1; i >= 0; i-- {
		if recipient[i] == '@' {
			return NormalizeLocalPart(recipient[:i]), NormalizeDomainName(recipient[i+1:]), true
		}
	}
	return "", "", false
}

// InvalidateAlias removes a single domain's alias table so the next
// lookup reloads it from the Store.
func (c *Cache) InvalidateAlias(domainName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.aliases, domainName)
}

// AllDomainNames returns every cached domain name.
func (c *Cache) AllDomainNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.domains))
	for name := range c.domains {
		names = append(names, name)
	}
	return names
}

func (c *Cache) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if time.Since(c.lastRefresh) > c.ttl {
				if err := c.RefreshAll(ctx); err != nil {
					c.logger.Error("failed to refresh domain cache", zap.Error(err))
				}
			}
		case domainName := <-c.refreshChan:
			if err := c.RefreshDomain(ctx, domainName); err != nil {
				c.logger.Error("failed to refresh domain", zap.String("domain", domainName), zap.Error(err))
			}
		}
	}
}

func (c *Cache) listenForChanges(ctx context.Context) {
	err := c.repository.ListenForChanges(ctx, func(table, action, id string) {
		c.logger.Debug("database change notification",
			zap.String("table", table), zap.String("action", action), zap.String("id", id))

		switch table {
		case "domains":
			if d := c.GetDomainByID(id); d != nil {
				select {
				case c.refreshChan <- d.Name:
				default:
				}
			}
		case "aliases":
			if d := c.GetDomainByID(id); d != nil {
				select {
				case c.refreshChan <- d.Name:
				default:
				}
			}
		case "dkim_keypairs":
			if d := c.GetDomainByID(id); d != nil {
				select {
				case c.refreshChan <- d.Name:
				default:
				}
			}
		}
	})

	if err != nil {
		c.logger.Error("failed to listen for database changes", zap.Error(err))
	}
}

func (c *Cache) removeFromOrgDomains(orgID, domainID string) {
	domains := c.orgDomains[orgID]
	for i, d := range domains {
		if d.ID == domainID {
			c.orgDomains[orgID] = append(domains[:i], domains[i+1:]...)
			break
		}
	}
}

func (c *Cache) addToOrgDomains(d *Domain) {
	domains := c.orgDomains[d.OrganizationID]
	for _, existing := range domains {
		if existing.ID == d.ID {
			return
		}
	}
	c.orgDomains[d.OrganizationID] = append(domains, d)
}
