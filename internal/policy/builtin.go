package policy

import (
	"context"
	"fmt"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/pkg/models"
)

// Built-in policy names.
const (
	PolicyOwner    = "owner"
	PolicyReadOnly = "readonly"
	PolicyClients  = "clients"
	PolicyStats    = "stats"
	PolicyBackups  = "backups"
)

var builtins = map[string]*models.Policy{
	PolicyOwner: {
		Name:  PolicyOwner,
		Rules: map[string]models.PathRule{"*": {Capabilities: []string{models.CapSudo}}},
	},
	// Anyone known to the bot may look at clients; ownership of the specific
	// client is checked by the caller.
	PolicyReadOnly: {
		Name: PolicyReadOnly,
		Rules: map[string]models.PathRule{
			"clients":   {Capabilities: []string{models.CapList}},
			"clients/*": {Capabilities: []string{models.CapRead}},
			"audit":     {Capabilities: []string{models.CapRead}},
		},
	},
	PolicyClients: {
		Name: PolicyClients,
		Rules: map[string]models.PathRule{
			"clients":    {Capabilities: []string{models.CapList, models.CapWrite}},
			"clients/**": {Capabilities: []string{models.CapRead, models.CapDelete}},
		},
	},
	PolicyStats: {
		Name: PolicyStats,
		Rules: map[string]models.PathRule{
			"status":           {Capabilities: []string{models.CapRead}},
			"clients/*/status": {Capabilities: []string{models.CapRead}},
		},
	},
	PolicyBackups: {
		Name: PolicyBackups,
		Rules: map[string]models.PathRule{
			"backups":   {Capabilities: []string{models.CapList, models.CapWrite}},
			"backups/*": {Capabilities: []string{models.CapRead, models.CapDelete}},
		},
	},
}

// Builtins is a Source serving the built-in role policies.
type Builtins struct{}

func (Builtins) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	pol, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", name, apperr.ErrNotFound)
	}
	return pol, nil
}

// PolicyNames returns the built-in policies that apply to op. Only an
// authorized operator gets the feature policies its permission flags allow.
func PolicyNames(op *models.Operator) []string {
	if op == nil {
		return nil
	}
	if op.IsOwner() {
		return []string{PolicyOwner}
	}
	names := []string{PolicyReadOnly}
	if op.State != models.StateAuthorized {
		return names
	}
	if op.Permissions.ManageClients {
		names = append(names, PolicyClients)
	}
	if op.Permissions.ViewStats {
		names = append(names, PolicyStats)
	}
	if op.Permissions.Backup {
		names = append(names, PolicyBackups)
	}
	return names
}

// Resource maps an intent and its target to the capability and path it needs.
func Resource(intent models.Intent, target string) (capability, reqPath string) {
	switch intent {
	case models.IntentListClients:
		return models.CapList, "clients"
	case models.IntentAddClient:
		return models.CapWrite, "clients"
	case models.IntentRemoveClient:
		return models.CapDelete, "clients/" + target
	case models.IntentGetClient, models.IntentClientProfile:
		return models.CapRead, "clients/" + target
	case models.IntentClientStatus:
		return models.CapRead, "clients/" + target + "/status"
	case models.IntentServerStatus:
		return models.CapRead, "status"
	case models.IntentInstall:
		return models.CapWrite, "sys/install"
	case models.IntentListOperators:
		return models.CapList, "operators"
	case models.IntentAuthorizeUser, models.IntentSetLimits, models.IntentSetPerms:
		return models.CapWrite, "operators/" + target
	case models.IntentRevokeUser:
		return models.CapDelete, "operators/" + target
	case models.IntentListBackups:
		return models.CapList, "backups"
	case models.IntentCreateBackup:
		return models.CapWrite, "backups"
	case models.IntentDeleteBackup:
		return models.CapDelete, "backups/" + target
	case models.IntentRestoreBackup:
		return models.CapWrite, "backups/" + target + "/restore"
	case models.IntentQueryAuditLog:
		return models.CapRead, "audit"
	}
	return models.CapSudo, "sys/" + string(intent)
}
