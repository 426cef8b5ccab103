// Package postgres provides a PostgreSQL implementation of all storage
// interfaces using database/sql with the pgx stdlib driver. Code redemption
// and token upsert run inside transactions with row locks, which is what
// keeps their check-and-set semantics atomic across server instances.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/scope"
	"github.com/hasgeek/lastuser/security"
	"github.com/hasgeek/lastuser/storage"
)

// dummySecretHash keeps ValidateClientSecret constant-time for unknown
// clients. Same value the memory backend uses.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Schema is the DDL for the store's tables. EnsureSchema applies it; it is
// also usable standalone in migration tooling.
const Schema = `
create table if not exists clients (
	id                text primary key,
	user_id           text not null,
	title             text not null default '',
	description       text not null default '',
	owner             text not null default '',
	website           text not null default '',
	redirect_uri      text not null default '',
	notification_uri  text not null default '',
	resource_uri      text not null default '',
	active            boolean not null default true,
	allow_any_login   boolean not null default true,
	key               text not null unique,
	secret_hash       text not null,
	trusted           boolean not null default false,
	created_at        timestamptz not null default now()
);

create table if not exists resources (
	id            text primary key,
	client_id     text not null references clients(id) on delete cascade,
	name          text not null unique,
	title         text not null default '',
	description   text not null default '',
	siteresource  boolean not null default false,
	trusted       boolean not null default false,
	created_at    timestamptz not null default now()
);

create table if not exists resource_actions (
	id           text primary key,
	resource_id  text not null references resources(id) on delete cascade,
	name         text not null,
	title        text not null default '',
	description  text not null default '',
	created_at   timestamptz not null default now(),
	unique (resource_id, name)
);

create table if not exists auth_codes (
	id            text primary key,
	user_id       text not null,
	client_id     text not null references clients(id) on delete cascade,
	code          text not null unique,
	scope         text not null default '',
	redirect_uri  text not null default '',
	used          boolean not null default false,
	created_at    timestamptz not null default now()
);

create table if not exists auth_tokens (
	id             text primary key,
	user_id        text not null default '',
	client_id      text not null references clients(id) on delete cascade,
	token          text not null unique,
	token_type     text not null default 'bearer',
	secret         text not null default '',
	algorithm      text not null default '',
	scope          text not null default '',
	validity       bigint not null default 0,
	refresh_token  text not null default '',
	created_at     timestamptz not null default now(),
	updated_at     timestamptz not null default now(),
	unique (user_id, client_id)
);

create table if not exists user_client_permissions (
	id           text primary key,
	user_id      text not null,
	client_id    text not null references clients(id) on delete cascade,
	permissions  text not null default '',
	created_at   timestamptz not null default now(),
	unique (user_id, client_id)
);

create table if not exists flash_messages (
	id          text primary key,
	user_id     text not null,
	seq         integer not null default 0,
	category    text not null default '',
	message     text not null default '',
	created_at  timestamptz not null default now()
);
create index if not exists flash_messages_user_idx on flash_messages (user_id, seq);
`

// Store is a PostgreSQL implementation of every storage interface.
type Store struct {
	db *sql.DB

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.ResourceStore = (*Store)(nil)
	_ storage.FlowStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.GrantStore    = (*Store)(nil)
	_ storage.FlashStore    = (*Store)(nil)
	_ storage.Store         = (*Store)(nil)
)

// Open connects to PostgreSQL with the pgx stdlib driver and returns a store
// backed by the connection pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// SetLogger sets the logger for storage operations
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetNowFunc replaces the store's clock. Test hook.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables tracing and metrics for storage operations
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("storage")
}

// EnsureSchema creates the store's tables when they don't exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- ClientStore ---

const clientColumns = `id, user_id, title, description, owner, website, redirect_uri,
	notification_uri, resource_uri, active, allow_any_login, key, secret_hash, trusted, created_at`

func scanClient(row *sql.Row) (*storage.Client, error) {
	var c storage.Client
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Description, &c.Owner, &c.Website,
		&c.RedirectURI, &c.NotificationURI, &c.ResourceURI, &c.Active, &c.AllowAnyLogin,
		&c.Key, &c.SecretHash, &c.Trusted, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveClient inserts or updates a client by ID. Key collisions with another
// client surface as ErrClientKeyExists.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.Key == "" {
		err = fmt.Errorf("client with a key is required")
		return err
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var existingID string
	lookupErr := s.db.QueryRowContext(ctx,
		`select id from clients where key = $1`, client.Key).Scan(&existingID)
	if lookupErr != nil && !errors.Is(lookupErr, sql.ErrNoRows) {
		err = lookupErr
		return err
	}
	if lookupErr == nil && existingID != client.ID {
		err = fmt.Errorf("%w: %s", storage.ErrClientKeyExists, client.Key)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		insert into clients (`+clientColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		on conflict (id) do update set
			user_id = excluded.user_id,
			title = excluded.title,
			description = excluded.description,
			owner = excluded.owner,
			website = excluded.website,
			redirect_uri = excluded.redirect_uri,
			notification_uri = excluded.notification_uri,
			resource_uri = excluded.resource_uri,
			active = excluded.active,
			allow_any_login = excluded.allow_any_login,
			key = excluded.key,
			secret_hash = excluded.secret_hash,
			trusted = excluded.trusted`,
		client.ID, client.UserID, client.Title, client.Description, client.Owner,
		client.Website, client.RedirectURI, client.NotificationURI, client.ResourceURI,
		client.Active, client.AllowAnyLogin, client.Key, client.SecretHash, client.Trusted,
		createdAt,
	)
	return err
}

// GetClientByKey retrieves a client by its public key
func (s *Store) GetClientByKey(ctx context.Context, key string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	client, scanErr := scanClient(s.db.QueryRowContext(ctx,
		`select `+clientColumns+` from clients where key = $1`, key))
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, key)
		} else {
			err = scanErr
		}
		return nil, err
	}
	return client, nil
}

// ValidateClientSecret checks a plaintext secret against the stored bcrypt
// hash. A comparison runs whether or not the client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, key, secret string) error {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime)
	}()

	var hash string
	lookupErr := s.db.QueryRowContext(ctx,
		`select secret_hash from clients where key = $1`, key).Scan(&hash)

	hashToCompare := dummySecretHash
	if lookupErr == nil && hash != "" {
		hashToCompare = hash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if lookupErr != nil {
		if errors.Is(lookupErr, sql.ErrNoRows) {
			err = storage.ErrInvalidClientSecret
		} else {
			err = lookupErr
		}
		return err
	}
	if bcryptErr != nil {
		err = storage.ErrInvalidClientSecret
		return err
	}
	return nil
}

// DeleteClient removes a client; dependent rows go with it via foreign keys
func (s *Store) DeleteClient(ctx context.Context, key string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_client", err, startTime)
	}()

	res, execErr := s.db.ExecContext(ctx, `delete from clients where key = $1`, key)
	if execErr != nil {
		err = execErr
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, key)
		return err
	}
	return nil
}

// --- ResourceStore ---

// SaveResource inserts or updates a resource by ID
func (s *Store) SaveResource(ctx context.Context, resource *storage.Resource) error {
	ctx, span := s.startStorageSpan(ctx, "save_resource")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_resource", err, startTime)
	}()

	if resource == nil || resource.Name == "" {
		err = fmt.Errorf("resource with a name is required")
		return err
	}

	var existingID string
	lookupErr := s.db.QueryRowContext(ctx,
		`select id from resources where name = $1`, resource.Name).Scan(&existingID)
	if lookupErr != nil && !errors.Is(lookupErr, sql.ErrNoRows) {
		err = lookupErr
		return err
	}
	if lookupErr == nil && existingID != resource.ID {
		err = fmt.Errorf("%w: %s", storage.ErrResourceNameExists, resource.Name)
		return err
	}

	createdAt := resource.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		insert into resources (id, client_id, name, title, description, siteresource, trusted, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (id) do update set
			client_id = excluded.client_id,
			name = excluded.name,
			title = excluded.title,
			description = excluded.description,
			siteresource = excluded.siteresource,
			trusted = excluded.trusted`,
		resource.ID, resource.ClientID, resource.Name, resource.Title,
		resource.Description, resource.SiteResource, resource.Trusted, createdAt,
	)
	return err
}

// GetResourceByName retrieves a resource by its globally-unique name
func (s *Store) GetResourceByName(ctx context.Context, name string) (*storage.Resource, error) {
	ctx, span := s.startStorageSpan(ctx, "get_resource")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_resource", err, startTime)
	}()

	var r storage.Resource
	scanErr := s.db.QueryRowContext(ctx, `
		select id, client_id, name, title, description, siteresource, trusted, created_at
		from resources where name = $1`, name).
		Scan(&r.ID, &r.ClientID, &r.Name, &r.Title, &r.Description,
			&r.SiteResource, &r.Trusted, &r.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s", storage.ErrResourceNotFound, name)
		} else {
			err = scanErr
		}
		return nil, err
	}
	return &r, nil
}

// SaveResourceAction inserts or updates an action by ID
func (s *Store) SaveResourceAction(ctx context.Context, action *storage.ResourceAction) error {
	ctx, span := s.startStorageSpan(ctx, "save_resource_action")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_resource_action", err, startTime)
	}()

	if action == nil || action.Name == "" || action.ResourceID == "" {
		err = fmt.Errorf("action with a name and resource ID is required")
		return err
	}

	createdAt := action.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		insert into resource_actions (id, resource_id, name, title, description, created_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do update set
			name = excluded.name,
			title = excluded.title,
			description = excluded.description`,
		action.ID, action.ResourceID, action.Name, action.Title, action.Description, createdAt,
	)
	return err
}

// GetResourceAction retrieves an action by (resource ID, action name)
func (s *Store) GetResourceAction(ctx context.Context, resourceID, name string) (*storage.ResourceAction, error) {
	ctx, span := s.startStorageSpan(ctx, "get_resource_action")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_resource_action", err, startTime)
	}()

	var a storage.ResourceAction
	scanErr := s.db.QueryRowContext(ctx, `
		select id, resource_id, name, title, description, created_at
		from resource_actions where resource_id = $1 and name = $2`, resourceID, name).
		Scan(&a.ID, &a.ResourceID, &a.Name, &a.Title, &a.Description, &a.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s/%s", storage.ErrResourceActionNotFound, resourceID, name)
		} else {
			err = scanErr
		}
		return nil, err
	}
	return &a, nil
}

// --- FlowStore ---

// SaveAuthCode persists a freshly issued authorization code
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_auth_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("auth code with a value is required")
		return err
	}

	createdAt := code.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		insert into auth_codes (id, user_id, client_id, code, scope, redirect_uri, used, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		code.ID, code.UserID, code.ClientID, code.Code, code.Scope,
		code.RedirectURI, code.Used, createdAt,
	)
	return err
}

// GetAuthCode retrieves a redeemable code without consuming it. Expired rows
// are deleted, matching ConsumeAuthCode's lazy expiry.
func (s *Store) GetAuthCode(ctx context.Context, code, clientID string, maxAge time.Duration) (*storage.AuthCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_auth_code", err, startTime)
	}()

	var record storage.AuthCode
	scanErr := s.db.QueryRowContext(ctx, `
		select id, user_id, client_id, code, scope, redirect_uri, used, created_at
		from auth_codes
		where code = $1 and client_id = $2 and used = false`, code, clientID).
		Scan(&record.ID, &record.UserID, &record.ClientID, &record.Code,
			&record.Scope, &record.RedirectURI, &record.Used, &record.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = storage.ErrAuthCodeNotFound
		} else {
			err = scanErr
		}
		return nil, err
	}

	if security.IsCodeExpired(record.CreatedAt, maxAge, s.now()) {
		if _, delErr := s.db.ExecContext(ctx, `delete from auth_codes where id = $1`, record.ID); delErr != nil {
			err = delErr
			return nil, err
		}
		err = storage.ErrAuthCodeExpired
		return nil, err
	}

	return &record, nil
}

// ConsumeAuthCode redeems a code inside a transaction. The row is locked
// with select ... for update, so concurrent redemptions of the same code
// serialize and the loser sees no row.
func (s *Store) ConsumeAuthCode(ctx context.Context, code, clientID string, maxAge time.Duration) (*storage.AuthCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_auth_code", err, startTime)
	}()

	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		err = txErr
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var record storage.AuthCode
	scanErr := tx.QueryRowContext(ctx, `
		select id, user_id, client_id, code, scope, redirect_uri, used, created_at
		from auth_codes
		where code = $1 and client_id = $2 and used = false
		for update`, code, clientID).
		Scan(&record.ID, &record.UserID, &record.ClientID, &record.Code,
			&record.Scope, &record.RedirectURI, &record.Used, &record.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = storage.ErrAuthCodeNotFound
		} else {
			err = scanErr
		}
		return nil, err
	}

	if security.IsCodeExpired(record.CreatedAt, maxAge, s.now()) {
		if _, delErr := tx.ExecContext(ctx, `delete from auth_codes where id = $1`, record.ID); delErr != nil {
			err = delErr
			return nil, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = commitErr
			return nil, err
		}
		err = storage.ErrAuthCodeExpired
		return nil, err
	}

	if _, delErr := tx.ExecContext(ctx, `delete from auth_codes where id = $1`, record.ID); delErr != nil {
		err = delErr
		return nil, err
	}
	if commitErr := tx.Commit(); commitErr != nil {
		err = commitErr
		return nil, err
	}

	record.Used = true
	return &record, nil
}

// --- TokenStore ---

const tokenColumns = `id, user_id, client_id, token, token_type, secret, algorithm,
	scope, validity, refresh_token, created_at, updated_at`

// GetToken retrieves the token for a (user, client) pair
func (s *Store) GetToken(ctx context.Context, userID, clientID string) (*storage.AuthToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	var t storage.AuthToken
	var algorithm string
	scanErr := s.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from auth_tokens
		where user_id = $1 and client_id = $2`, userID, clientID).
		Scan(&t.ID, &t.UserID, &t.ClientID, &t.Token, &t.TokenType, &t.Secret,
			&algorithm, &t.Scope, &t.Validity, &t.RefreshToken, &t.CreatedAt, &t.UpdatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = storage.ErrTokenNotFound
		} else {
			err = scanErr
		}
		return nil, err
	}
	t.Algorithm = storage.MACAlgorithm(algorithm)
	return &t, nil
}

// UpsertToken finds-or-creates the token row for candidate's (user, client)
// pair inside a transaction. The existing row is locked before the scope
// union is computed; the unique (user_id, client_id) constraint backstops
// concurrent creators.
func (s *Store) UpsertToken(ctx context.Context, candidate *storage.AuthToken) (*storage.AuthToken, error) {
	ctx, span := s.startStorageSpan(ctx, "upsert_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "upsert_token", err, startTime)
	}()

	if candidate == nil || candidate.ClientID == "" {
		err = fmt.Errorf("token with a client ID is required")
		return nil, err
	}

	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		err = txErr
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var existing storage.AuthToken
	var algorithm string
	scanErr := tx.QueryRowContext(ctx, `
		select `+tokenColumns+` from auth_tokens
		where user_id = $1 and client_id = $2
		for update`, candidate.UserID, candidate.ClientID).
		Scan(&existing.ID, &existing.UserID, &existing.ClientID, &existing.Token,
			&existing.TokenType, &existing.Secret, &algorithm, &existing.Scope,
			&existing.Validity, &existing.RefreshToken, &existing.CreatedAt, &existing.UpdatedAt)

	switch {
	case scanErr == nil:
		existing.Algorithm = storage.MACAlgorithm(algorithm)
		merged := scope.Parse(existing.Scope).Union(scope.Parse(candidate.Scope)).Format()
		updatedAt := s.now()
		if _, execErr := tx.ExecContext(ctx, `
			update auth_tokens set scope = $1, updated_at = $2 where id = $3`,
			merged, updatedAt, existing.ID); execErr != nil {
			err = execErr
			return nil, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = commitErr
			return nil, err
		}
		existing.Scope = merged
		existing.UpdatedAt = updatedAt
		return &existing, nil

	case errors.Is(scanErr, sql.ErrNoRows):
		stored := *candidate
		stored.Scope = scope.Parse(candidate.Scope).Format()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		stored.UpdatedAt = stored.CreatedAt
		if _, execErr := tx.ExecContext(ctx, `
			insert into auth_tokens (`+tokenColumns+`)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			stored.ID, stored.UserID, stored.ClientID, stored.Token, stored.TokenType,
			stored.Secret, string(stored.Algorithm), stored.Scope, stored.Validity,
			stored.RefreshToken, stored.CreatedAt, stored.UpdatedAt); execErr != nil {
			err = execErr
			return nil, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = commitErr
			return nil, err
		}
		return &stored, nil

	default:
		err = scanErr
		return nil, err
	}
}

// DeleteToken removes the token for a (user, client) pair
func (s *Store) DeleteToken(ctx context.Context, userID, clientID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	res, execErr := s.db.ExecContext(ctx,
		`delete from auth_tokens where user_id = $1 and client_id = $2`, userID, clientID)
	if execErr != nil {
		err = execErr
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = storage.ErrTokenNotFound
		return err
	}
	return nil
}

// --- GrantStore ---

// SavePermissions persists or replaces the grant for a (user, client) pair
func (s *Store) SavePermissions(ctx context.Context, grant *storage.UserClientPermissions) error {
	ctx, span := s.startStorageSpan(ctx, "save_permissions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_permissions", err, startTime)
	}()

	if grant == nil || grant.UserID == "" || grant.ClientID == "" {
		err = fmt.Errorf("grant with user ID and client ID is required")
		return err
	}

	createdAt := grant.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		insert into user_client_permissions (id, user_id, client_id, permissions, created_at)
		values ($1,$2,$3,$4,$5)
		on conflict (user_id, client_id) do update set permissions = excluded.permissions`,
		grant.ID, grant.UserID, grant.ClientID, grant.Permissions, createdAt,
	)
	return err
}

// GetPermissions retrieves the grant for a (user, client) pair
func (s *Store) GetPermissions(ctx context.Context, userID, clientID string) (*storage.UserClientPermissions, error) {
	ctx, span := s.startStorageSpan(ctx, "get_permissions")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_permissions", err, startTime)
	}()

	var g storage.UserClientPermissions
	scanErr := s.db.QueryRowContext(ctx, `
		select id, user_id, client_id, permissions, created_at
		from user_client_permissions
		where user_id = $1 and client_id = $2`, userID, clientID).
		Scan(&g.ID, &g.UserID, &g.ClientID, &g.Permissions, &g.CreatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = storage.ErrPermissionsNotFound
		} else {
			err = scanErr
		}
		return nil, err
	}
	return &g, nil
}

// --- FlashStore ---

// SaveFlashMessage appends a message to a user's queue
func (s *Store) SaveFlashMessage(ctx context.Context, msg *storage.FlashMessage) error {
	ctx, span := s.startStorageSpan(ctx, "save_flash_message")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_flash_message", err, startTime)
	}()

	if msg == nil || msg.UserID == "" {
		err = fmt.Errorf("message with a user ID is required")
		return err
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		insert into flash_messages (id, user_id, seq, category, message, created_at)
		values ($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.UserID, msg.Seq, msg.Category, msg.Message, createdAt,
	)
	return err
}

// DrainFlashMessages deletes and returns a user's queued messages in seq
// order, in one statement
func (s *Store) DrainFlashMessages(ctx context.Context, userID string) ([]*storage.FlashMessage, error) {
	ctx, span := s.startStorageSpan(ctx, "drain_flash_messages")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "drain_flash_messages", err, startTime)
	}()

	rows, queryErr := s.db.QueryContext(ctx, `
		delete from flash_messages where user_id = $1
		returning id, user_id, seq, category, message, created_at`, userID)
	if queryErr != nil {
		err = queryErr
		return nil, err
	}
	defer rows.Close()

	var drained []*storage.FlashMessage
	for rows.Next() {
		var m storage.FlashMessage
		if scanErr := rows.Scan(&m.ID, &m.UserID, &m.Seq, &m.Category, &m.Message, &m.CreatedAt); scanErr != nil {
			err = scanErr
			return nil, err
		}
		drained = append(drained, &m)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = rowsErr
		return nil, err
	}

	// delete ... returning does not order; sort by seq here.
	sort.Slice(drained, func(i, j int) bool { return drained[i].Seq < drained[j].Seq })
	return drained, nil
}

// --- Instrumentation plumbing ---

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, "postgres", result, durationMs)
}
