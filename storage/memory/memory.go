// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments. Expired authorization codes are reaped lazily at redemption
// time; there is no background sweeper.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/internal/util"
	"github.com/hasgeek/lastuser/scope"
	"github.com/hasgeek/lastuser/security"
	"github.com/hasgeek/lastuser/storage"
)

const (
	// codeLogLength is the number of characters shown when logging code
	// values. Enough for correlation, useless for replay.
	codeLogLength = 8

	// dummySecretHash is compared against when a client does not exist, so
	// ValidateClientSecret takes the same time either way.
	dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu sync.RWMutex

	clientsByKey    map[string]*storage.Client
	clientsByID     map[string]*storage.Client
	resourcesByName map[string]*storage.Resource
	resourcesByID   map[string]*storage.Resource
	actions         map[string]map[string]*storage.ResourceAction // resource ID -> name -> action
	codes           map[string]*storage.AuthCode                  // code value -> record
	tokens          map[string]*storage.AuthToken                 // (user, client) -> record
	grants          map[string]*storage.UserClientPermissions     // (user, client) -> record
	flashes         map[string][]*storage.FlashMessage            // user ID -> queue

	// now is replaceable for deterministic expiry tests
	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for gauge callbacks (lock-free reads during metric collection)
	clientsCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	tokensCountAtomic  atomic.Int64
	flashCountAtomic   atomic.Int64

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

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clientsByKey:    make(map[string]*storage.Client),
		clientsByID:     make(map[string]*storage.Client),
		resourcesByName: make(map[string]*storage.Resource),
		resourcesByID:   make(map[string]*storage.Resource),
		actions:         make(map[string]map[string]*storage.ResourceAction),
		codes:           make(map[string]*storage.AuthCode),
		tokens:          make(map[string]*storage.AuthToken),
		grants:          make(map[string]*storage.UserClientPermissions),
		flashes:         make(map[string][]*storage.FlashMessage),
		now:             time.Now,
		logger:          slog.Default(),
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

// SetInstrumentation enables tracing and metrics for storage operations and
// registers the store size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		s.tracer = nil
		return
	}
	s.tracer = inst.Tracer("storage")

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCountAtomic.Load() },
		func() int64 { return s.codesCountAtomic.Load() },
		func() int64 { return s.tokensCountAtomic.Load() },
		func() int64 { return s.flashCountAtomic.Load() },
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// pairKey builds the map key for (user, client) scoped records. User IDs and
// client IDs never contain NUL.
func pairKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// --- ClientStore ---

// SaveClient persists a client record. Key uniqueness is enforced here.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if client.Key == "" {
		err = fmt.Errorf("client key cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.clientsByKey[client.Key]; ok && existing.ID != client.ID {
		err = fmt.Errorf("%w: %s", storage.ErrClientKeyExists, client.Key)
		return err
	}

	stored := *client
	if _, existed := s.clientsByID[client.ID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clientsByKey[client.Key] = &stored
	s.clientsByID[client.ID] = &stored

	s.logger.Debug("Saved client", "client_key", client.Key, "trusted", client.Trusted)
	return nil
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

	s.mu.RLock()
	client, ok := s.clientsByKey[key]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, key)
		return nil, err
	}

	c := *client
	return &c, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// SECURITY: a bcrypt comparison runs whether or not the client exists, so
// response time does not reveal client existence.
func (s *Store) ValidateClientSecret(ctx context.Context, key, secret string) error {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime)
	}()

	s.mu.RLock()
	client, ok := s.clientsByKey[key]
	s.mu.RUnlock()

	hashToCompare := dummySecretHash
	if ok && client.SecretHash != "" {
		hashToCompare = client.SecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if !ok || bcryptErr != nil {
		err = storage.ErrInvalidClientSecret
		return err
	}
	return nil
}

// DeleteClient removes a client and everything that hangs off it: resources,
// their actions, authorization codes, tokens, and permission grants.
func (s *Store) DeleteClient(ctx context.Context, key string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clientsByKey[key]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, key)
		return err
	}

	delete(s.clientsByKey, key)
	delete(s.clientsByID, client.ID)
	s.clientsCountAtomic.Add(-1)

	for name, resource := range s.resourcesByName {
		if resource.ClientID == client.ID {
			delete(s.resourcesByName, name)
			delete(s.resourcesByID, resource.ID)
			delete(s.actions, resource.ID)
		}
	}
	for code, record := range s.codes {
		if record.ClientID == client.ID {
			delete(s.codes, code)
			s.codesCountAtomic.Add(-1)
		}
	}
	for key, token := range s.tokens {
		if token.ClientID == client.ID {
			delete(s.tokens, key)
			s.tokensCountAtomic.Add(-1)
		}
	}
	for key, grant := range s.grants {
		if grant.ClientID == client.ID {
			delete(s.grants, key)
		}
	}

	s.logger.Info("Deleted client and dependent records", "client_key", key)
	return nil
}

// --- ResourceStore ---

// SaveResource persists a resource record. Name uniqueness is enforced here.
func (s *Store) SaveResource(ctx context.Context, resource *storage.Resource) error {
	ctx, span := s.startStorageSpan(ctx, "save_resource")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_resource", err, startTime)
	}()

	if resource == nil {
		err = fmt.Errorf("resource cannot be nil")
		return err
	}
	if resource.Name == "" {
		err = fmt.Errorf("resource name cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.resourcesByName[resource.Name]; ok && existing.ID != resource.ID {
		err = fmt.Errorf("%w: %s", storage.ErrResourceNameExists, resource.Name)
		return err
	}

	stored := *resource
	s.resourcesByName[resource.Name] = &stored
	s.resourcesByID[resource.ID] = &stored

	s.logger.Debug("Saved resource", "resource_name", resource.Name, "trusted", resource.Trusted)
	return nil
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

	s.mu.RLock()
	resource, ok := s.resourcesByName[name]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrResourceNotFound, name)
		return nil, err
	}

	r := *resource
	return &r, nil
}

// SaveResourceAction persists an action under its resource
func (s *Store) SaveResourceAction(ctx context.Context, action *storage.ResourceAction) error {
	ctx, span := s.startStorageSpan(ctx, "save_resource_action")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_resource_action", err, startTime)
	}()

	if action == nil {
		err = fmt.Errorf("action cannot be nil")
		return err
	}
	if action.Name == "" || action.ResourceID == "" {
		err = fmt.Errorf("action name and resource ID are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resourcesByID[action.ResourceID]; !ok {
		err = fmt.Errorf("%w: %s", storage.ErrResourceNotFound, action.ResourceID)
		return err
	}

	byName, ok := s.actions[action.ResourceID]
	if !ok {
		byName = make(map[string]*storage.ResourceAction)
		s.actions[action.ResourceID] = byName
	}
	stored := *action
	byName[action.Name] = &stored

	s.logger.Debug("Saved resource action", "resource_id", action.ResourceID, "action_name", action.Name)
	return nil
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

	s.mu.RLock()
	action, ok := s.actions[resourceID][name]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s/%s", storage.ErrResourceActionNotFound, resourceID, name)
		return nil, err
	}

	a := *action
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

	if code == nil {
		err = fmt.Errorf("auth code cannot be nil")
		return err
	}
	if code.Code == "" {
		err = fmt.Errorf("auth code value cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *code
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	s.codes[code.Code] = &stored

	s.logger.Debug("Saved auth code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthCode retrieves a redeemable code without consuming it. Expired
// codes are deleted on sight, the same as ConsumeAuthCode does.
func (s *Store) GetAuthCode(ctx context.Context, code, clientID string, maxAge time.Duration) (*storage.AuthCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_auth_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok || record.ClientID != clientID || record.Used {
		err = storage.ErrAuthCodeNotFound
		return nil, err
	}

	if security.IsCodeExpired(record.CreatedAt, maxAge, s.now()) {
		delete(s.codes, code)
		s.codesCountAtomic.Add(-1)
		s.logger.Debug("Deleted expired auth code",
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		err = storage.ErrAuthCodeExpired
		return nil, err
	}

	found := *record
	return &found, nil
}

// ConsumeAuthCode atomically redeems a code: the lookup, expiry check, and
// removal all happen under one lock, so a second redemption of the same code
// always observes ErrAuthCodeNotFound.
func (s *Store) ConsumeAuthCode(ctx context.Context, code, clientID string, maxAge time.Duration) (*storage.AuthCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_auth_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok || record.ClientID != clientID || record.Used {
		err = storage.ErrAuthCodeNotFound
		return nil, err
	}

	if security.IsCodeExpired(record.CreatedAt, maxAge, s.now()) {
		// Expired codes are dead: delete on sight.
		delete(s.codes, code)
		s.codesCountAtomic.Add(-1)
		s.logger.Debug("Deleted expired auth code",
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		err = storage.ErrAuthCodeExpired
		return nil, err
	}

	delete(s.codes, code)
	s.codesCountAtomic.Add(-1)

	redeemed := *record
	redeemed.Used = true

	s.logger.Debug("Consumed auth code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID)
	return &redeemed, nil
}

// --- TokenStore ---

// GetToken retrieves the token for a (user, client) pair
func (s *Store) GetToken(ctx context.Context, userID, clientID string) (*storage.AuthToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	token, ok := s.tokens[pairKey(userID, clientID)]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	t := *token
	return &t, nil
}

// UpsertToken finds-or-creates the token row for candidate's (user, client)
// pair under one lock. An existing row keeps its identity and secrets; only
// its scope grows, by set union.
func (s *Store) UpsertToken(ctx context.Context, candidate *storage.AuthToken) (*storage.AuthToken, error) {
	ctx, span := s.startStorageSpan(ctx, "upsert_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "upsert_token", err, startTime)
	}()

	if candidate == nil {
		err = fmt.Errorf("token cannot be nil")
		return nil, err
	}
	if candidate.ClientID == "" {
		err = fmt.Errorf("token client ID cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(candidate.UserID, candidate.ClientID)
	if existing, ok := s.tokens[key]; ok {
		existing.Scope = scope.Parse(existing.Scope).Union(scope.Parse(candidate.Scope)).Format()
		existing.UpdatedAt = s.now()
		t := *existing
		s.logger.Debug("Extended token scope",
			"client_id", candidate.ClientID,
			"scope", existing.Scope)
		return &t, nil
	}

	stored := *candidate
	stored.Scope = scope.Parse(candidate.Scope).Format()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.tokens[key] = &stored
	s.tokensCountAtomic.Add(1)

	t := stored
	s.logger.Debug("Created token",
		"client_id", candidate.ClientID,
		"scope", stored.Scope)
	return &t, nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userID, clientID)
	if _, ok := s.tokens[key]; !ok {
		err = storage.ErrTokenNotFound
		return err
	}
	delete(s.tokens, key)
	s.tokensCountAtomic.Add(-1)
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

	if grant == nil {
		err = fmt.Errorf("grant cannot be nil")
		return err
	}
	if grant.UserID == "" || grant.ClientID == "" {
		err = fmt.Errorf("grant user ID and client ID are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *grant
	s.grants[pairKey(grant.UserID, grant.ClientID)] = &stored
	return nil
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

	s.mu.RLock()
	grant, ok := s.grants[pairKey(userID, clientID)]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrPermissionsNotFound
		return nil, err
	}

	g := *grant
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

	if msg == nil {
		err = fmt.Errorf("message cannot be nil")
		return err
	}
	if msg.UserID == "" {
		err = fmt.Errorf("message user ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.flashes[msg.UserID] = append(s.flashes[msg.UserID], &stored)
	s.flashCountAtomic.Add(1)
	return nil
}

// DrainFlashMessages returns a user's queued messages in seq order and
// deletes them in the same step. Once drained they are gone.
func (s *Store) DrainFlashMessages(ctx context.Context, userID string) ([]*storage.FlashMessage, error) {
	ctx, span := s.startStorageSpan(ctx, "drain_flash_messages")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "drain_flash_messages", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.flashes[userID]
	if len(queued) == 0 {
		return nil, nil
	}
	delete(s.flashes, userID)
	s.flashCountAtomic.Add(-int64(len(queued)))

	drained := make([]*storage.FlashMessage, len(queued))
	for i, msg := range queued {
		m := *msg
		drained[i] = &m
	}
	sort.Slice(drained, func(i, j int) bool { return drained[i].Seq < drained[j].Seq })

	s.logger.Debug("Drained flash messages", "count", len(drained))
	return drained, nil
}

// --- Instrumentation plumbing ---

// startStorageSpan starts a tracing span for a storage operation (noop when
// instrumentation is not set)
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// span status
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

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, "memory", result, durationMs)
}
