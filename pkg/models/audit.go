package models

import "time"

// Intent is the kind of operation an operator asked for.
type Intent string

const (
	IntentAddClient     Intent = "add_client"
	IntentRemoveClient  Intent = "remove_client"
	IntentListClients   Intent = "list_clients"
	IntentGetClient     Intent = "get_client"
	IntentClientStatus  Intent = "client_status"
	IntentClientProfile Intent = "client_profile"
	IntentServerStatus  Intent = "server_status"
	IntentInstall       Intent = "install"
	IntentAuthorizeUser Intent = "authorize_user"
	IntentRevokeUser    Intent = "revoke_user"
	IntentSetLimits     Intent = "set_limits"
	IntentSetPerms      Intent = "set_permissions"
	IntentListOperators Intent = "list_operators"
	IntentCreateBackup  Intent = "create_backup"
	IntentRestoreBackup Intent = "restore_backup"
	IntentListBackups   Intent = "list_backups"
	IntentDeleteBackup  Intent = "delete_backup"
	IntentQueryAuditLog Intent = "query_audit_log"
)

var allIntents = []Intent{
	IntentListClients, IntentGetClient, IntentClientStatus, IntentClientProfile,
	IntentAddClient, IntentRemoveClient, IntentServerStatus, IntentInstall,
	IntentListOperators, IntentAuthorizeUser, IntentRevokeUser, IntentSetLimits,
	IntentSetPerms, IntentListBackups, IntentCreateBackup, IntentRestoreBackup, IntentDeleteBackup,
	IntentQueryAuditLog,
}

var mutatingIntents = []Intent{
	IntentAddClient, IntentRemoveClient, IntentInstall,
	IntentAuthorizeUser, IntentRevokeUser, IntentSetLimits, IntentSetPerms,
	IntentCreateBackup, IntentRestoreBackup, IntentDeleteBackup,
}

// AllIntents lists every intent the bot understands.
func AllIntents() []Intent {
	return append([]Intent(nil), allIntents...)
}

// MutatingIntents lists the intents that change state.
func MutatingIntents() []Intent {
	return append([]Intent(nil), mutatingIntents...)
}

// Mutating reports whether the intent changes state and counts toward rate limits.
func (i Intent) Mutating() bool {
	for _, m := range mutatingIntents {
		if i == m {
			return true
		}
	}
	return false
}

// Outcome is the result class of an operation.
type Outcome string

const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeFailed        Outcome = "failed"
	OutcomeRejected      Outcome = "rejected"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// OperationRecord is one append-only entry of the operation log.
type OperationRecord struct {
	ID         string    `json:"id"`
	OperatorID int64     `json:"operator_id"`
	Intent     Intent    `json:"intent"`
	Target     string    `json:"target,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}
