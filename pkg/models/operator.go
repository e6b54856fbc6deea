package models

import "time"

// Role is the coarse authorization class of an operator.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleAuthorized   Role = "authorized"
	RoleUnauthorized Role = "unauthorized"
)

// OperatorState is the position of an operator in the authorization state machine.
type OperatorState string

const (
	StateUnknown      OperatorState = "unknown"
	StateUnauthorized OperatorState = "unauthorized"
	StateAuthorized   OperatorState = "authorized"
	StateRevoked      OperatorState = "revoked"
)

// Unlimited disables a numeric limit.
const Unlimited = -1

// Limits bounds what an operator may do.
type Limits struct {
	MaxClients int           `json:"max_clients" yaml:"max_clients"`
	RateLimit  int           `json:"rate_limit" yaml:"rate_limit"`
	RateWindow time.Duration `json:"rate_window" yaml:"rate_window"`
}

// Permissions are per-operator feature switches granted by the owner.
type Permissions struct {
	ManageClients bool `json:"manage_clients" yaml:"manage_clients"`
	ViewStats     bool `json:"view_stats" yaml:"view_stats"`
	Backup        bool `json:"backup" yaml:"backup"`
}

// AllPermissions grants every feature.
func AllPermissions() Permissions {
	return Permissions{ManageClients: true, ViewStats: true, Backup: true}
}

// Operator is a human user of the management interface.
type Operator struct {
	ID          int64         `json:"id"`
	Handle      string        `json:"handle,omitempty"`
	Role        Role          `json:"role"`
	State       OperatorState `json:"state"`
	Limits      Limits        `json:"limits"`
	Permissions Permissions   `json:"permissions"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IsOwner reports whether the operator is the bot owner.
func (o *Operator) IsOwner() bool {
	return o != nil && o.Role == RoleOwner
}

// CanMutate reports whether the operator may issue state-changing intents.
func (o *Operator) CanMutate() bool {
	return o != nil && (o.Role == RoleOwner || o.State == StateAuthorized)
}

// EffectiveLimits returns the operator's limits, unlimited for the owner.
func (o *Operator) EffectiveLimits() Limits {
	if o.IsOwner() {
		return Limits{MaxClients: Unlimited, RateLimit: Unlimited, RateWindow: o.Limits.RateWindow}
	}
	return o.Limits
}
