package repository

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aliashub/relaycore/domain"
)

// dkimEncryptionKey is set by main from config and used to unwrap
// AES-GCM encrypted DKIM private keys at rest.
var dkimEncryptionKey string

// SetDKIMEncryptionKey configures the key used to decrypt stored DKIM
// private keys.
func SetDKIMEncryptionKey(key string) {
	dkimEncryptionKey = key
}

// DomainRepository implements domain.Repository plus the Organization/
// Domain/Alias/DKIMKeypair slice of the Store (spec §4.1).
type DomainRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewDomainRepository creates a new domain repository.
func NewDomainRepository(db *pgxpool.Pool, logger *zap.Logger) *DomainRepository {
	return &DomainRepository{db: db, logger: logger}
}

// GetOrganization returns an organization by id.
func (r *DomainRepository) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	const query = `
		SELECT id, name, plan_tier, domain_quota, message_quota, billing_email, created_at, updated_at
		FROM organizations WHERE id = $1
	`
	var o domain.Organization
	err := r.db.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.Name, &o.PlanTier, &o.DomainQuota, &o.MessageQuota, &o.BillingEmail, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: query organization: %v", domain.ErrBackend, err)
	}
	return &o, nil
}

// GetAllDomains returns every non-soft-deleted domain.
func (r *DomainRepository) GetAllDomains(ctx context.Context) ([]*domain.Domain, error) {
	const query = `
		SELECT id, organization_id, name, verification_state, catch_all_target,
			dkim_selector, created_at, updated_at, deleted_at
		FROM domains WHERE deleted_at IS NULL ORDER BY name
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query domains: %v", domain.ErrBackend, err)
	}
	defer rows.Close()

	var domains []*domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan domain: %v", domain.ErrBackend, err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// GetDomainByName returns a domain by its normalized name.
func (r *DomainRepository) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	const query = `
		SELECT id, organization_id, name, verification_state, catch_all_target,
			dkim_selector, created_at, updated_at, deleted_at
		FROM domains WHERE name = $1 AND deleted_at IS NULL
	`
	d, err := scanDomainRow(r.db.QueryRow(ctx, query, domain.NormalizeDomainName(name)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query domain by name: %v", domain.ErrBackend, err)
	}
	return d, nil
}

// GetDomainsByOrganization returns all active domains owned by an organization.
func (r *DomainRepository) GetDomainsByOrganization(ctx context.Context, orgID string) ([]*domain.Domain, error) {
	const query = `
		SELECT id, organization_id, name, verification_state, catch_all_target,
			dkim_selector, created_at, updated_at, deleted_at
		FROM domains WHERE organization_id = $1 AND deleted_at IS NULL ORDER BY name
	`
	rows, err := r.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: query organization domains: %v", domain.ErrBackend, err)
	}
	defer rows.Close()

	var domains []*domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan domain: %v", domain.ErrBackend, err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// GetAliasesByDomain returns all aliases configured under a domain.
func (r *DomainRepository) GetAliasesByDomain(ctx context.Context, domainID string) ([]*domain.Alias, error) {
	const query = `
		SELECT id, domain_id, local_part, targets, active, expires_at, created_at
		FROM aliases WHERE domain_id = $1
	`
	rows, err := r.db.Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("%w: query aliases: %v", domain.ErrBackend, err)
	}
	defer rows.Close()

	var aliases []*domain.Alias
	for rows.Next() {
		var a domain.Alias
		if err := rows.Scan(&a.ID, &a.DomainID, &a.LocalPart, &a.Targets, &a.Active, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan alias: %v", domain.ErrBackend, err)
		}
		a.LocalPart = domain.NormalizeLocalPart(a.LocalPart)
		aliases = append(aliases, &a)
	}
	return aliases, rows.Err()
}

// CreateAlias inserts a new alias, enforcing (local-part, domain) uniqueness.
func (r *DomainRepository) CreateAlias(ctx context.Context, a *domain.Alias) error {
	const query = `
		INSERT INTO aliases (id, domain_id, local_part, targets, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query, a.ID, a.DomainID, domain.NormalizeLocalPart(a.LocalPart),
		a.Targets, a.Active, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("%w: insert alias: %v", domain.ErrBackend, err)
	}
	return nil
}

// GetDKIMKeypairs returns every keypair (active and retired) for a domain.
func (r *DomainRepository) GetDKIMKeypairs(ctx context.Context, domainID string) ([]*domain.DKIMKeypair, error) {
	const query = `
		SELECT id, domain_id, selector, private_key_encrypted, public_key_pem, dns_record_value,
			active, created_at, retired_at
		FROM dkim_keypairs WHERE domain_id = $1 ORDER BY active DESC, created_at DESC
	`
	rows, err := r.db.Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("%w: query dkim keypairs: %v", domain.ErrBackend, err)
	}
	defer rows.Close()

	var keys []*domain.DKIMKeypair
	for rows.Next() {
		k, err := scanDKIMKeypair(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan dkim keypair: %v", domain.ErrBackend, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetActiveDKIMKeypair returns the active keypair for a domain name, or nil.
func (r *DomainRepository) GetActiveDKIMKeypair(ctx context.Context, domainName string) (*domain.DKIMKeypair, error) {
	const query = `
		SELECT dk.id, dk.domain_id, dk.selector, dk.private_key_encrypted, dk.public_key_pem,
			dk.dns_record_value, dk.active, dk.created_at, dk.retired_at
		FROM dkim_keypairs dk
		JOIN domains d ON d.id = dk.domain_id
		WHERE d.name = $1 AND dk.active = true
		LIMIT 1
	`
	k, err := scanDKIMKeypairRow(r.db.QueryRow(ctx, query, domain.NormalizeDomainName(domainName)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query active dkim keypair: %v", domain.ErrBackend, err)
	}
	return k, nil
}

// StoreDKIMKeypair inserts a new keypair and, if it is active, retires
// whatever keypair was previously active for the domain (rotation).
func (r *DomainRepository) StoreDKIMKeypair(ctx context.Context, k *domain.DKIMKeypair, encryptedPrivateKey []byte) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	if k.Active {
		if _, err := tx.Exec(ctx,
			`UPDATE dkim_keypairs SET active = false, retired_at = NOW() WHERE domain_id = $1 AND active = true`,
			k.DomainID); err != nil {
			return fmt.Errorf("%w: retire prior keypair: %v", domain.ErrBackend, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dkim_keypairs (id, domain_id, selector, private_key_encrypted, public_key_pem,
			dns_record_value, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, k.ID, k.DomainID, k.Selector, base64.StdEncoding.EncodeToString(encryptedPrivateKey),
		k.PublicKeyPEM, k.DNSRecordValue, k.Active, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert dkim keypair: %v", domain.ErrBackend, err)
	}

	return tx.Commit(ctx)
}

// RecordDNSSnapshot upserts the current snapshot for (domain, type) and
// appends it to the append-only history table.
func (r *DomainRepository) RecordDNSSnapshot(ctx context.Context, snap *domain.DNSSnapshot) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO dns_snapshots (domain_id, type, expected, actual, pass, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain_id, type) DO UPDATE SET
			expected = EXCLUDED.expected, actual = EXCLUDED.actual,
			pass = EXCLUDED.pass, checked_at = EXCLUDED.checked_at
	`, snap.DomainID, snap.Type, snap.Expected, snap.Actual, snap.Pass, snap.CheckedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert dns snapshot: %v", domain.ErrBackend, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dns_snapshot_history (domain_id, type, expected, actual, pass, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.DomainID, snap.Type, snap.Expected, snap.Actual, snap.Pass, snap.CheckedAt)
	if err != nil {
		return fmt.Errorf("%w: append dns snapshot history: %v", domain.ErrBackend, err)
	}

	return tx.Commit(ctx)
}

// GetDNSSnapshots returns the current snapshot for every record type
// checked against a domain.
func (r *DomainRepository) GetDNSSnapshots(ctx context.Context, domainID string) ([]*domain.DNSSnapshot, error) {
	const query = `
		SELECT domain_id, type, expected, actual, pass, checked_at
		FROM dns_snapshots WHERE domain_id = $1
	`
	rows, err := r.db.Query(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("%w: query dns snapshots: %v", domain.ErrBackend, err)
	}
	defer rows.Close()

	var snaps []*domain.DNSSnapshot
	for rows.Next() {
		var s domain.DNSSnapshot
		if err := rows.Scan(&s.DomainID, &s.Type, &s.Expected, &s.Actual, &s.Pass, &s.CheckedAt); err != nil {
			return nil, fmt.Errorf("%w: scan dns snapshot: %v", domain.ErrBackend, err)
		}
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

// SetVerificationState updates a domain's computed verification state.
func (r *DomainRepository) SetVerificationState(ctx context.Context, domainID string, state domain.VerificationState) error {
	_, err := r.db.Exec(ctx,
		`UPDATE domains SET verification_state = $1, updated_at = NOW() WHERE id = $2`,
		state, domainID)
	if err != nil {
		return fmt.Errorf("%w: update verification state: %v", domain.ErrBackend, err)
	}
	return nil
}

// RecordActivity appends an Activity Log Entry.
func (r *DomainRepository) RecordActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO activity_log (id, organization_id, kind, detail, domain_id, message_id, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.OrganizationID, entry.Kind, entry.Detail, entry.DomainID, entry.MessageID, entry.RemoteAddr, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert activity log entry: %v", domain.ErrBackend, err)
	}
	return nil
}

// QuotaCheck atomically checks and, if allowed, increments the counter
// for `kind` scoped to the organization's current billing period
// (calendar month). Returns domain.ErrQuotaExceeded when denied.
func (r *DomainRepository) QuotaCheck(ctx context.Context, organizationID string, kind domain.QuotaKind) error {
	period := time.Now().UTC().Format("2006-01")

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrBackend, err)
	}
	defer tx.Rollback(ctx)

	var quota int
	var column string
	switch kind {
	case domain.QuotaDomains:
		column = "domain_quota"
	case domain.QuotaMessages:
		column = "message_quota"
	default:
		return fmt.Errorf("%w: unknown quota kind %q", domain.ErrBackend, kind)
	}

	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM organizations WHERE id = $1 FOR UPDATE`, column), organizationID).Scan(&quota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("%w: lock organization: %v", domain.ErrBackend, err)
	}

	var used int
	err = tx.QueryRow(ctx, `
		INSERT INTO quota_counters (organization_id, kind, period, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (organization_id, kind, period) DO NOTHING
	`, organizationID, kind, period).Scan()
	// INSERT with no RETURNING yields no row; the ON CONFLICT branch is
	// intentionally a no-op write, so ignore pgx.ErrNoRows here.
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: seed quota counter: %v", domain.ErrBackend, err)
	}

	err = tx.QueryRow(ctx, `
		SELECT used FROM quota_counters WHERE organization_id = $1 AND kind = $2 AND period = $3 FOR UPDATE
	`, organizationID, kind, period).Scan(&used)
	if err != nil {
		return fmt.Errorf("%w: lock quota counter: %v", domain.ErrBackend, err)
	}

	if quota > 0 && used >= quota {
		return domain.ErrQuotaExceeded
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_counters SET used = used + 1 WHERE organization_id = $1 AND kind = $2 AND period = $3
	`, organizationID, kind, period); err != nil {
		return fmt.Errorf("%w: increment quota counter: %v", domain.ErrBackend, err)
	}

	return tx.Commit(ctx)
}

// ListenForChanges listens for PostgreSQL NOTIFY events on the channels
// the domain cache cares about.
func (r *DomainRepository) ListenForChanges(ctx context.Context, callback func(table, action, id string)) error {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", domain.ErrBackend, err)
	}
	defer conn.Release()

	channels := []string{"domain_changes", "alias_changes", "dkim_changes"}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", ch)); err != nil {
			return fmt.Errorf("%w: listen %s: %v", domain.ErrBackend, ch, err)
		}
	}

	r.logger.Info("listening for database changes", zap.Strings("channels", channels))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: wait for notification: %v", domain.ErrBackend, err)
		}

		parts := strings.SplitN(notification.Payload, ":", 3)
		if len(parts) != 3 {
			r.logger.Warn("invalid notification payload", zap.String("payload", notification.Payload))
			continue
		}
		callback(parts[0], parts[1], parts[2])
	}
}

// --- scan helpers ---

func scanDomain(rows pgx.Rows) (*domain.Domain, error) {
	var d domain.Domain
	var catchAll *string
	err := rows.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.VerificationState, &catchAll,
		&d.DKIMSelector, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if err != nil {
		return nil, err
	}
	if catchAll != nil {
		d.CatchAllTarget = *catchAll
	}
	return &d, nil
}

func scanDomainRow(row pgx.Row) (*domain.Domain, error) {
	var d domain.Domain
	var catchAll *string
	err := row.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.VerificationState, &catchAll,
		&d.DKIMSelector, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if err != nil {
		return nil, err
	}
	if catchAll != nil {
		d.CatchAllTarget = *catchAll
	}
	return &d, nil
}

func scanDKIMKeypair(rows pgx.Rows) (*domain.DKIMKeypair, error) {
	var k domain.DKIMKeypair
	var encryptedPrivateKey string
	err := rows.Scan(&k.ID, &k.DomainID, &k.Selector, &encryptedPrivateKey, &k.PublicKeyPEM,
		&k.DNSRecordValue, &k.Active, &k.CreatedAt, &k.RetiredAt)
	if err != nil {
		return nil, err
	}
	key, err := decryptDKIMPrivateKey(encryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	k.PrivateKey = key
	return &k, nil
}

func scanDKIMKeypairRow(row pgx.Row) (*domain.DKIMKeypair, error) {
	var k domain.DKIMKeypair
	var encryptedPrivateKey string
	err := row.Scan(&k.ID, &k.DomainID, &k.Selector, &encryptedPrivateKey, &k.PublicKeyPEM,
		&k.DNSRecordValue, &k.Active, &k.CreatedAt, &k.RetiredAt)
	if err != nil {
		return nil, err
	}
	key, err := decryptDKIMPrivateKey(encryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	k.PrivateKey = key
	return &k, nil
}

// decryptDKIMPrivateKey unwraps a stored DKIM private key: base64-decode,
// AES-GCM open, then parse the PEM-wrapped PKCS1/PKCS8 DER.
func decryptDKIMPrivateKey(encoded string) (*rsa.PrivateKey, error) {
	if dkimEncryptionKey == "" {
		return nil, errors.New("dkim encryption key not configured")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveAESKey(dkimEncryptionKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	block2, _ := pem.Decode(plaintext)
	if block2 == nil {
		return nil, errors.New("decrypted payload is not PEM")
	}
	switch block2.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block2.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block2.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block2.Type)
	}
}

// deriveAESKey pads/truncates the configured secret to a 32-byte AES-256 key.
func deriveAESKey(secret string) []byte {
	key := []byte(secret)
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) == 32 {
		return decoded
	}
	out := make([]byte, 32)
	copy(out, key)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
