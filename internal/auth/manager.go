// Package auth owns operator identity: the authorization state machine, the
// capability check, per-operator client quotas and sliding-window rate limits.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/audit"
	"github.com/org/wirebot/internal/policy"
	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/pkg/models"
)

// ClientCounter counts the clients an operator owns in the current config.
type ClientCounter interface {
	CountOwned(ctx context.Context, operatorID int64) (int, error)
}

// Defaults are applied to newly authorized operators.
type Defaults struct {
	Limits      models.Limits
	Permissions models.Permissions
}

// DefaultDefaults mirrors the stock bot: 100 clients, 10 mutations a minute,
// client management and stats but no backups.
func DefaultDefaults() Defaults {
	return Defaults{
		Limits:      models.Limits{MaxClients: 100, RateLimit: 10, RateWindow: DefaultRateWindow},
		Permissions: models.Permissions{ManageClients: true, ViewStats: true},
	}
}

// Manager is the single authority on who may do what.
type Manager struct {
	store    storage.Backend
	audit    *audit.Logger
	engine   *policy.Engine
	clients  ClientCounter
	defaults Defaults
	log      zerolog.Logger

	mu sync.Mutex
}

// NewManager creates a Manager. clients may be nil until the lifecycle manager
// exists; SetClientCounter wires it later.
func NewManager(store storage.Backend, auditLog *audit.Logger, clients ClientCounter, defaults Defaults, logger zerolog.Logger) *Manager {
	if defaults.Limits.RateWindow <= 0 {
		defaults.Limits.RateWindow = DefaultRateWindow
	}
	return &Manager{
		store:    store,
		audit:    auditLog,
		engine:   policy.NewEngine(policy.Builtins{}),
		clients:  clients,
		defaults: defaults,
		log:      logger.With().Str("component", "auth").Logger(),
	}
}

// SetClientCounter wires the quota source.
func (m *Manager) SetClientCounter(c ClientCounter) { m.clients = c }

// Bootstrap creates the owner and any pre-authorized operators named in
// configuration. It refuses to start if state names a different owner.
func (m *Manager) Bootstrap(ctx context.Context, ownerID int64, authorized []int64) error {
	if ownerID <= 0 {
		return apperr.Validation("owner id must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, err := m.store.ListOperators(ctx)
	if err != nil {
		return fmt.Errorf("loading operators: %w", err)
	}
	for _, op := range ops {
		if op.Role == models.RoleOwner && op.ID != ownerID {
			return fmt.Errorf("%w: state records owner %d but configuration names %d", apperr.ErrNotOwner, op.ID, ownerID)
		}
	}

	now := m.audit.Now()
	owner, err := m.store.GetOperator(ctx, ownerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		owner = &models.Operator{ID: ownerID, CreatedAt: now}
	case err != nil:
		return err
	}
	owner.Role = models.RoleOwner
	owner.State = models.StateAuthorized
	owner.Limits = models.Limits{MaxClients: models.Unlimited, RateLimit: models.Unlimited, RateWindow: m.defaults.Limits.RateWindow}
	owner.Permissions = models.AllPermissions()
	owner.UpdatedAt = now
	if err := m.store.PutOperator(ctx, owner); err != nil {
		return fmt.Errorf("saving owner: %w", err)
	}

	for _, id := range authorized {
		if id == ownerID || id <= 0 {
			continue
		}
		_, err := m.store.GetOperator(ctx, id)
		if err == nil {
			// Existing state wins, including a revocation made by the owner.
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		op := m.newOperator(id, now)
		op.Role = models.RoleAuthorized
		op.State = models.StateAuthorized
		if err := m.store.PutOperator(ctx, op); err != nil {
			return fmt.Errorf("saving operator %d: %w", id, err)
		}
	}
	m.log.Info().Int64("owner", ownerID).Int("preauthorized", len(authorized)).Msg("operators bootstrapped")
	return nil
}

func (m *Manager) newOperator(id int64, now time.Time) *models.Operator {
	return &models.Operator{
		ID:          id,
		Role:        models.RoleUnauthorized,
		State:       models.StateUnauthorized,
		Limits:      m.defaults.Limits,
		Permissions: m.defaults.Permissions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Identify returns the operator record for id. The first contact of an
// unknown operator moves it from Unknown to Unauthorized and records it so
// the owner can see who asked for access.
func (m *Manager) Identify(ctx context.Context, id int64, handle string) (*models.Operator, error) {
	op, err := m.store.GetOperator(ctx, id)
	if err == nil && (handle == "" || op.Handle == handle) {
		return op, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Every write goes through mu and starts from a fresh read, so a handle
	// update cannot overwrite a concurrent state transition.
	m.mu.Lock()
	defer m.mu.Unlock()
	op, err = m.store.GetOperator(ctx, id)
	if err == nil {
		if handle != "" && op.Handle != handle {
			op.Handle = handle
			if perr := m.store.PutOperator(ctx, op); perr != nil {
				m.log.Warn().Err(perr).Int64("operator", id).Msg("failed to update handle")
			}
		}
		return op, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	op = m.newOperator(id, m.audit.Now())
	op.Handle = handle
	if err := m.store.PutOperator(ctx, op); err != nil {
		return nil, err
	}
	m.log.Info().Int64("operator", id).Str("handle", handle).Msg("new operator seen")
	return op, nil
}

// Authorize decides whether the operator may perform intent on target.
// Checks run in order: capability, then client quota for additions, then the
// rate limit for state-changing intents.
func (m *Manager) Authorize(ctx context.Context, operatorID int64, intent models.Intent, target string) (*models.Operator, error) {
	op, err := m.Identify(ctx, operatorID, "")
	if err != nil {
		return nil, err
	}

	// Unauthorized and revoked operators never mutate, whatever their flags say.
	if intent.Mutating() && !op.CanMutate() {
		return op, m.denial(ctx, op, intent, target)
	}
	if !m.engine.Allows(ctx, op, intent, target) {
		return op, m.denial(ctx, op, intent, target)
	}

	limits := op.EffectiveLimits()
	if intent == models.IntentAddClient && limits.MaxClients != models.Unlimited {
		if m.clients == nil {
			return op, fmt.Errorf("%w: no client counter configured", apperr.ErrQuotaExceeded)
		}
		owned, err := m.clients.CountOwned(ctx, op.ID)
		if err != nil {
			return op, err
		}
		if owned >= limits.MaxClients {
			return op, fmt.Errorf("%w: %d of %d clients in use", apperr.ErrQuotaExceeded, owned, limits.MaxClients)
		}
	}

	if intent.Mutating() && limits.RateLimit != models.Unlimited {
		window := limits.RateWindow
		if window <= 0 {
			window = DefaultRateWindow
		}
		now := m.audit.Now()
		records, err := m.audit.Mutations(ctx, op.ID, now.Add(-window))
		if err != nil {
			return op, fmt.Errorf("reading operation log: %w", err)
		}
		if retry, limited := RateLimited(records, now, limits.RateLimit, window); limited {
			return op, &apperr.RateLimitError{RetryAfter: retry}
		}
	}
	return op, nil
}

// denial picks the error that best explains a failed capability check.
func (m *Manager) denial(ctx context.Context, op *models.Operator, intent models.Intent, target string) error {
	switch op.State {
	case models.StateRevoked:
		return fmt.Errorf("%w: %s", apperr.ErrRevoked, intent)
	case models.StateUnknown, models.StateUnauthorized:
		return fmt.Errorf("%w: %s", apperr.ErrUnauthorized, intent)
	}
	// Something even a fully trusted operator cannot do is reserved for the owner.
	full := &models.Operator{Role: models.RoleAuthorized, State: models.StateAuthorized, Permissions: models.AllPermissions()}
	if !m.engine.Allows(ctx, full, intent, target) {
		return fmt.Errorf("%w: %s", apperr.ErrNotOwner, intent)
	}
	return fmt.Errorf("%w: missing permission for %s", apperr.ErrUnauthorized, intent)
}

// Permitted lists the intents op may currently attempt. Quota and rate
// limits are not considered.
func (m *Manager) Permitted(ctx context.Context, op *models.Operator) []models.Intent {
	return m.engine.Permitted(ctx, op, models.AllIntents())
}

// GetOperator returns one operator.
func (m *Manager) GetOperator(ctx context.Context, id int64) (*models.Operator, error) {
	return m.store.GetOperator(ctx, id)
}

// ListOperators returns every known operator ordered by ID.
func (m *Manager) ListOperators(ctx context.Context) ([]*models.Operator, error) {
	return m.store.ListOperators(ctx)
}

// transition loads target, refuses to touch the owner, applies fn and saves.
func (m *Manager) transition(ctx context.Context, actor *models.Operator, targetID int64, create bool, fn func(op *models.Operator) error) (*models.Operator, error) {
	if !actor.IsOwner() {
		return nil, apperr.ErrNotOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.audit.Now()
	op, err := m.store.GetOperator(ctx, targetID)
	switch {
	case errors.Is(err, storage.ErrNotFound) && create:
		op = m.newOperator(targetID, now)
	case err != nil:
		return nil, err
	}
	if op.IsOwner() {
		return nil, fmt.Errorf("%w: the owner record is immutable", apperr.ErrNotOwner)
	}
	if err := fn(op); err != nil {
		return nil, err
	}
	op.UpdatedAt = now
	if err := m.store.PutOperator(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// AuthorizeOperator grants access to targetID. Unknown, unauthorized and
// revoked operators become authorized; perms, when set, replace the
// operator's permission flags.
func (m *Manager) AuthorizeOperator(ctx context.Context, actor *models.Operator, targetID int64, perms *models.Permissions) (*models.Operator, error) {
	if targetID <= 0 {
		return nil, apperr.Validation("operator id must be positive")
	}
	op, err := m.transition(ctx, actor, targetID, true, func(op *models.Operator) error {
		op.Role = models.RoleAuthorized
		op.State = models.StateAuthorized
		if perms != nil {
			op.Permissions = *perms
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Int64("operator", targetID).Int64("by", actor.ID).Msg("operator authorized")
	return op, nil
}

// RevokeOperator moves an authorized operator to Revoked. Revoking an
// already revoked operator is a no-op.
func (m *Manager) RevokeOperator(ctx context.Context, actor *models.Operator, targetID int64) (*models.Operator, error) {
	op, err := m.transition(ctx, actor, targetID, false, func(op *models.Operator) error {
		switch op.State {
		case models.StateAuthorized, models.StateRevoked:
			op.State = models.StateRevoked
			return nil
		default:
			return apperr.Validation("operator %d is not authorized", op.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Int64("operator", targetID).Int64("by", actor.ID).Msg("operator revoked")
	return op, nil
}

// SetLimits replaces an operator's limits. -1 disables a limit.
func (m *Manager) SetLimits(ctx context.Context, actor *models.Operator, targetID int64, limits models.Limits) (*models.Operator, error) {
	if limits.MaxClients < models.Unlimited || limits.RateLimit < models.Unlimited {
		return nil, apperr.Validation("limits must be -1 (unlimited) or non-negative")
	}
	if limits.RateWindow < 0 {
		return nil, apperr.Validation("rate window must not be negative")
	}
	if limits.RateWindow == 0 {
		limits.RateWindow = DefaultRateWindow
	}
	return m.transition(ctx, actor, targetID, false, func(op *models.Operator) error {
		op.Limits = limits
		return nil
	})
}

// SetPermissions replaces an operator's permission flags.
func (m *Manager) SetPermissions(ctx context.Context, actor *models.Operator, targetID int64, perms models.Permissions) (*models.Operator, error) {
	return m.transition(ctx, actor, targetID, false, func(op *models.Operator) error {
		op.Permissions = perms
		return nil
	})
}
