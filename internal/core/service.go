// Package core is the single entry point for operator intents. Every intent
// is authorized, executed and recorded in the operation log, in that order,
// and intents from one operator never overlap.
package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/audit"
	"github.com/org/wirebot/internal/auth"
	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/internal/lifecycle"
	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/pkg/models"
)

// OrphanPolicy decides what happens to a revoked operator's clients.
type OrphanPolicy string

const (
	OrphanRetain   OrphanPolicy = "retain"
	OrphanDelete   OrphanPolicy = "delete"
	OrphanReassign OrphanPolicy = "reassign"
)

// ParseOrphanPolicy validates a configured policy. Empty means retain.
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch p := OrphanPolicy(s); p {
	case "":
		return OrphanRetain, nil
	case OrphanRetain, OrphanDelete, OrphanReassign:
		return p, nil
	}
	return "", apperr.Validation("unknown orphan policy %q", s)
}

// Service dispatches intents.
type Service struct {
	auth    *auth.Manager
	clients *lifecycle.Manager
	backups *backup.Coordinator
	audit   *audit.Logger
	orphans OrphanPolicy
	locks   *keyedMutex
	log     zerolog.Logger
}

// NewService wires the components together. backups may be nil, in which case
// backup intents fail with ErrBackup.
func NewService(authMgr *auth.Manager, clients *lifecycle.Manager, backups *backup.Coordinator, auditLog *audit.Logger, orphans OrphanPolicy, logger zerolog.Logger) *Service {
	if orphans == "" {
		orphans = OrphanRetain
	}
	return &Service{
		auth:    authMgr,
		clients: clients,
		backups: backups,
		audit:   auditLog,
		orphans: orphans,
		locks:   newKeyedMutex(),
		log:     logger.With().Str("component", "core").Logger(),
	}
}

// outcome classifies an error for the operation log. Refusals that happen
// before any state could change are rejected and do not count toward rate
// limits.
func outcome(err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeSucceeded
	case errors.Is(err, apperr.ErrTimedOut):
		return models.OutcomeIndeterminate
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNameCollision),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrNotOwner),
		errors.Is(err, apperr.ErrUnauthorized),
		errors.Is(err, apperr.ErrRevoked),
		errors.Is(err, apperr.ErrQuotaExceeded),
		errors.Is(err, apperr.ErrRateLimited),
		errors.Is(err, apperr.ErrNotInstalled):
		return models.OutcomeRejected
	}
	return models.OutcomeFailed
}

// do authorizes intent for operatorID, runs fn and records the result.
func (s *Service) do(ctx context.Context, operatorID int64, intent models.Intent, target string, fn func(op *models.Operator) error) error {
	unlock := s.locks.Lock(operatorID)
	defer unlock()

	op, err := s.auth.Authorize(ctx, operatorID, intent, target)
	if err == nil {
		err = fn(op)
	}
	s.record(ctx, operatorID, intent, target, err)
	return err
}

// record appends the Operation Record for an intent. Successful reads are not
// recorded, so polling status or listing clients does not grow the log.
func (s *Service) record(ctx context.Context, operatorID int64, intent models.Intent, target string, err error) {
	if err == nil && !intent.Mutating() {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
		var ge *apperr.GatewayError
		if errors.As(err, &ge) {
			detail = ge.Diagnostic()
		}
	}
	// The log entry is written even if the caller has gone away.
	if _, rerr := s.audit.Record(context.WithoutCancel(ctx), operatorID, intent, target, outcome(err), detail); rerr != nil {
		s.log.Error().Err(rerr).Int64("operator", operatorID).Str("intent", string(intent)).Msg("operation not recorded")
	}
}

// Identify returns the operator record, creating it on first contact.
func (s *Service) Identify(ctx context.Context, operatorID int64, handle string) (*models.Operator, error) {
	return s.auth.Identify(ctx, operatorID, handle)
}

// Identity is an operator together with the intents it may attempt.
type Identity struct {
	*models.Operator
	Intents []models.Intent `json:"intents"`
}

// WhoAmI returns the caller's operator record and permitted intents.
func (s *Service) WhoAmI(ctx context.Context, operatorID int64) (*Identity, error) {
	op, err := s.auth.Identify(ctx, operatorID, "")
	if err != nil {
		return nil, err
	}
	return &Identity{Operator: op, Intents: s.auth.Permitted(ctx, op)}, nil
}

// AddClient creates a client owned by the operator.
func (s *Service) AddClient(ctx context.Context, operatorID int64, name string, dns []string) (*models.Client, error) {
	var c *models.Client
	err := s.do(ctx, operatorID, models.IntentAddClient, name, func(op *models.Operator) error {
		var err error
		c, err = s.clients.AddClient(ctx, op, name, dns)
		return err
	})
	return c, err
}

// RemoveClient deletes a client.
func (s *Service) RemoveClient(ctx context.Context, operatorID int64, name string) error {
	return s.do(ctx, operatorID, models.IntentRemoveClient, name, func(op *models.Operator) error {
		return s.clients.RemoveClient(ctx, op, name)
	})
}

// ListClients lists every client for the owner and the operator's own
// clients for anyone else.
func (s *Service) ListClients(ctx context.Context, operatorID int64) (iter.Seq[models.Client], error) {
	var seq iter.Seq[models.Client]
	err := s.do(ctx, operatorID, models.IntentListClients, "", func(op *models.Operator) error {
		filter := lifecycle.Filter{}
		if !op.IsOwner() {
			filter.Owner = op.ID
		}
		var err error
		seq, err = s.clients.ListClients(ctx, filter)
		return err
	})
	return seq, err
}

// visible returns the client if op may see it.
func (s *Service) visible(ctx context.Context, op *models.Operator, name string) (*models.Client, error) {
	c, err := s.clients.GetClient(ctx, name)
	if err != nil {
		return nil, err
	}
	if !op.IsOwner() && c.Owner != op.ID {
		return nil, fmt.Errorf("%w: client %q belongs to another operator", apperr.ErrNotOwner, name)
	}
	return c, nil
}

// GetClient returns one client.
func (s *Service) GetClient(ctx context.Context, operatorID int64, name string) (*models.Client, error) {
	var c *models.Client
	err := s.do(ctx, operatorID, models.IntentGetClient, name, func(op *models.Operator) error {
		var err error
		c, err = s.visible(ctx, op, name)
		return err
	})
	return c, err
}

// ClientStatus returns the live state of one client.
func (s *Service) ClientStatus(ctx context.Context, operatorID int64, name string) (*models.ClientStatus, error) {
	var st *models.ClientStatus
	err := s.do(ctx, operatorID, models.IntentClientStatus, name, func(op *models.Operator) error {
		if _, err := s.visible(ctx, op, name); err != nil {
			return err
		}
		var err error
		st, err = s.clients.ClientStatus(ctx, name)
		return err
	})
	return st, err
}

// ClientProfile returns the profile text of one client.
func (s *Service) ClientProfile(ctx context.Context, operatorID int64, name string) ([]byte, error) {
	var text []byte
	err := s.do(ctx, operatorID, models.IntentClientProfile, name, func(op *models.Operator) error {
		if _, err := s.visible(ctx, op, name); err != nil {
			return err
		}
		var err error
		text, err = s.clients.ClientProfile(ctx, name)
		return err
	})
	return text, err
}

// ServerStatus summarizes the server.
func (s *Service) ServerStatus(ctx context.Context, operatorID int64) (*models.ServerStatus, error) {
	var st *models.ServerStatus
	err := s.do(ctx, operatorID, models.IntentServerStatus, "", func(*models.Operator) error {
		var err error
		st, err = s.clients.ServerStatus(ctx)
		return err
	})
	return st, err
}

// Install runs the unattended installer.
func (s *Service) Install(ctx context.Context, operatorID int64) error {
	return s.do(ctx, operatorID, models.IntentInstall, "", func(*models.Operator) error {
		return s.clients.Install(ctx)
	})
}

// ListOperators returns every known operator.
func (s *Service) ListOperators(ctx context.Context, operatorID int64) ([]*models.Operator, error) {
	var ops []*models.Operator
	err := s.do(ctx, operatorID, models.IntentListOperators, "", func(*models.Operator) error {
		var err error
		ops, err = s.auth.ListOperators(ctx)
		return err
	})
	return ops, err
}

func idTarget(id int64) string { return strconv.FormatInt(id, 10) }

// AuthorizeOperator grants targetID access. perms, when set, replace its
// permission flags.
func (s *Service) AuthorizeOperator(ctx context.Context, operatorID, targetID int64, perms *models.Permissions) (*models.Operator, error) {
	var out *models.Operator
	err := s.do(ctx, operatorID, models.IntentAuthorizeUser, idTarget(targetID), func(op *models.Operator) error {
		var err error
		out, err = s.auth.AuthorizeOperator(ctx, op, targetID, perms)
		return err
	})
	return out, err
}

// RevokeOperator revokes targetID and applies the orphan policy to its
// clients. It returns the names of the clients the policy touched.
func (s *Service) RevokeOperator(ctx context.Context, operatorID, targetID int64) (*models.Operator, []string, error) {
	var (
		out     *models.Operator
		touched []string
	)
	err := s.do(ctx, operatorID, models.IntentRevokeUser, idTarget(targetID), func(op *models.Operator) error {
		var err error
		if out, err = s.auth.RevokeOperator(ctx, op, targetID); err != nil {
			return err
		}
		touched, err = s.applyOrphanPolicy(ctx, op, targetID)
		return err
	})
	return out, touched, err
}

func (s *Service) applyOrphanPolicy(ctx context.Context, actor *models.Operator, revoked int64) ([]string, error) {
	switch s.orphans {
	case OrphanReassign:
		return s.clients.Reassign(ctx, revoked, actor.ID)
	case OrphanDelete:
		names, err := s.clients.Owned(ctx, revoked)
		if err != nil {
			return nil, err
		}
		var removed []string
		for _, name := range names {
			if err := s.clients.RemoveClient(ctx, actor, name); err != nil {
				return removed, fmt.Errorf("removing orphaned client %q: %w", name, err)
			}
			removed = append(removed, name)
		}
		return removed, nil
	}
	return nil, nil
}

// SetLimits replaces targetID's limits.
func (s *Service) SetLimits(ctx context.Context, operatorID, targetID int64, limits models.Limits) (*models.Operator, error) {
	var out *models.Operator
	err := s.do(ctx, operatorID, models.IntentSetLimits, idTarget(targetID), func(op *models.Operator) error {
		var err error
		out, err = s.auth.SetLimits(ctx, op, targetID, limits)
		return err
	})
	return out, err
}

// SetPermissions replaces targetID's permission flags.
func (s *Service) SetPermissions(ctx context.Context, operatorID, targetID int64, perms models.Permissions) (*models.Operator, error) {
	var out *models.Operator
	err := s.do(ctx, operatorID, models.IntentSetPerms, idTarget(targetID), func(op *models.Operator) error {
		var err error
		out, err = s.auth.SetPermissions(ctx, op, targetID, perms)
		return err
	})
	return out, err
}

func (s *Service) backupsOrErr() (*backup.Coordinator, error) {
	if s.backups == nil {
		return nil, fmt.Errorf("%w: backups are not configured", apperr.ErrBackup)
	}
	return s.backups, nil
}

// CreateBackup archives the current configuration.
func (s *Service) CreateBackup(ctx context.Context, operatorID int64) (*backup.Archive, error) {
	var a *backup.Archive
	err := s.do(ctx, operatorID, models.IntentCreateBackup, "", func(*models.Operator) error {
		b, err := s.backupsOrErr()
		if err != nil {
			return err
		}
		a, err = b.Create(ctx)
		return err
	})
	return a, err
}

// ListBackups lists archives, newest first.
func (s *Service) ListBackups(ctx context.Context, operatorID int64) ([]backup.Archive, error) {
	var out []backup.Archive
	err := s.do(ctx, operatorID, models.IntentListBackups, "", func(*models.Operator) error {
		b, err := s.backupsOrErr()
		if err != nil {
			return err
		}
		out, err = b.List(ctx)
		return err
	})
	return out, err
}

// DeleteBackup removes one archive.
func (s *Service) DeleteBackup(ctx context.Context, operatorID int64, name string) error {
	return s.do(ctx, operatorID, models.IntentDeleteBackup, name, func(*models.Operator) error {
		b, err := s.backupsOrErr()
		if err != nil {
			return err
		}
		return b.Delete(ctx, name)
	})
}

// RestoreBackup replaces the live configuration with an archive.
func (s *Service) RestoreBackup(ctx context.Context, operatorID int64, name string) error {
	return s.do(ctx, operatorID, models.IntentRestoreBackup, name, func(op *models.Operator) error {
		b, err := s.backupsOrErr()
		if err != nil {
			return err
		}
		return b.Restore(ctx, name, op)
	})
}

// QueryAudit returns operation records. Operators other than the owner only
// see their own.
func (s *Service) QueryAudit(ctx context.Context, operatorID int64, filter storage.RecordFilter) ([]*models.OperationRecord, error) {
	unlock := s.locks.Lock(operatorID)
	defer unlock()

	op, err := s.auth.Authorize(ctx, operatorID, models.IntentQueryAuditLog, "")
	if err != nil {
		s.record(ctx, operatorID, models.IntentQueryAuditLog, "", err)
		return nil, err
	}
	if !op.IsOwner() {
		filter.OperatorID = op.ID
	}
	return s.audit.Query(ctx, filter)
}
