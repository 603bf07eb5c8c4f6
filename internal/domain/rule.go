package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultDebounceHits is consecutive breaching samples needed before confirming alarm.
	DefaultDebounceHits = 2
	// DefaultCooldownSeconds is minimum gap between two fired events with unchanged reasons.
	DefaultCooldownSeconds = 180
	// MaxConsecutiveBadHits caps debounce counter growth.
	MaxConsecutiveBadHits = 999
)

// Scope identifies rule owner scope.
// Params: USER or GLOBAL constants.
// Returns: scope tag stored with rule.
type Scope string

const (
	// ScopeUser marks a rule owned by one user.
	ScopeUser Scope = "USER"
	// ScopeGlobal marks a default rule for every user of a device.
	ScopeGlobal Scope = "GLOBAL"
)

// ParseScope normalizes scope tag.
// Params: raw scope text.
// Returns: GLOBAL when requested explicitly, USER otherwise.
func ParseScope(raw string) Scope {
	if strings.EqualFold(strings.TrimSpace(raw), string(ScopeGlobal)) {
		return ScopeGlobal
	}
	return ScopeUser
}

// Owner identifies who a rule belongs to: one user or the global scope.
// Params: constructed only with UserOwner or GlobalOwner.
// Returns: owner value comparable with ==.
type Owner struct {
	global bool
	userID string
}

// UserOwner builds owner for one user.
// Params: user id.
// Returns: user-scoped owner.
func UserOwner(userID string) Owner {
	return Owner{userID: strings.TrimSpace(userID)}
}

// GlobalOwner builds the global owner.
// Params: none.
// Returns: global-scoped owner.
func GlobalOwner() Owner {
	return Owner{global: true}
}

// NewOwner builds owner from scope tag and user id.
// Params: rule scope and user id (ignored for GLOBAL).
// Returns: owner value.
func NewOwner(scope Scope, userID string) Owner {
	if scope == ScopeGlobal {
		return GlobalOwner()
	}
	return UserOwner(userID)
}

// IsGlobal reports global scope.
func (o Owner) IsGlobal() bool { return o.global }

// UserID returns owning user id, empty for global owner.
func (o Owner) UserID() string { return o.userID }

// Scope returns scope tag of owner.
// Params: none.
// Returns: USER or GLOBAL.
func (o Owner) Scope() Scope {
	if o.global {
		return ScopeGlobal
	}
	return ScopeUser
}

// Key returns storage key segment for owner.
// Params: none.
// Returns: "global" or "user.<id>".
func (o Owner) Key() string {
	if o.global {
		return "global"
	}
	return "user." + o.userID
}

// Validate checks owner invariants.
// Params: none.
// Returns: error for user owner without id.
func (o Owner) Validate() error {
	if !o.global && o.userID == "" {
		return errors.New("owner user id is required")
	}
	return nil
}

// String renders owner for logs.
func (o Owner) String() string {
	if o.global {
		return string(ScopeGlobal)
	}
	return string(ScopeUser) + ":" + o.userID
}

type ownerJSON struct {
	Scope  Scope  `json:"scope"`
	UserID string `json:"user_id,omitempty"`
}

// MarshalJSON encodes owner as scope plus optional user id.
func (o Owner) MarshalJSON() ([]byte, error) {
	return json.Marshal(ownerJSON{Scope: o.Scope(), UserID: o.userID})
}

// UnmarshalJSON decodes owner from scope plus optional user id.
func (o *Owner) UnmarshalJSON(body []byte) error {
	var raw ownerJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("decode owner: %w", err)
	}
	*o = NewOwner(ParseScope(string(raw.Scope)), raw.UserID)
	return nil
}

// Range is one optional threshold window.
// Params: optional lower and upper bound.
// Returns: channel limits for evaluation.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// AlertRule is threshold configuration for one (owner, device) pair.
// Params: owner, device identity, channel ranges, debounce/cooldown policy, and enabled flag.
// Returns: rule evaluated by the worker each tick.
type AlertRule struct {
	Owner           Owner               `json:"owner"`
	TargetUserID    string              `json:"target_user_id,omitempty"`
	DeviceID        string              `json:"device_id"`
	DeviceName      string              `json:"device_name,omitempty"`
	TempRanges      [TempChannels]Range `json:"temp_ranges"`
	HumRanges       [HumChannels]Range  `json:"hum_ranges"`
	DebounceHits    int                 `json:"debounce_hits"`
	CooldownSeconds int                 `json:"cooldown_seconds"`
	Enabled         bool                `json:"enabled"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Scope returns rule scope tag derived from owner.
func (r AlertRule) Scope() Scope {
	return r.Owner.Scope()
}

// EffectiveDebounceHits returns debounce threshold with minimum of one hit.
// Params: none.
// Returns: debounce threshold >= 1.
func (r AlertRule) EffectiveDebounceHits() int {
	if r.DebounceHits < 1 {
		return 1
	}
	return r.DebounceHits
}

// Cooldown returns cooldown as duration, never negative.
func (r AlertRule) Cooldown() time.Duration {
	if r.CooldownSeconds < 0 {
		return 0
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Recipient returns user that receives events of a user-scoped rule.
// Params: none.
// Returns: delegated target user when set, otherwise owning user; empty for global rules.
func (r AlertRule) Recipient() string {
	if r.Owner.IsGlobal() {
		return ""
	}
	if target := strings.TrimSpace(r.TargetUserID); target != "" {
		return target
	}
	return r.Owner.UserID()
}

// DefaultRule synthesizes disabled rule used when no stored rule matches.
// Params: owner and device id.
// Returns: disabled rule with default policy and no ranges.
func DefaultRule(owner Owner, deviceID string) AlertRule {
	return AlertRule{
		Owner:           owner,
		DeviceID:        NormalizeDeviceID(deviceID),
		DebounceHits:    DefaultDebounceHits,
		CooldownSeconds: DefaultCooldownSeconds,
		Enabled:         false,
	}
}

// RuleInput is loosely-shaped rule payload from callers.
// Params: scope text, range slices of any length, and optional policy fields.
// Returns: input normalized by NormalizeRule.
type RuleInput struct {
	Scope           string
	UserID          string
	TargetUserID    string
	DeviceID        string
	DeviceName      string
	TempRanges      []Range
	HumRanges       []Range
	DebounceHits    *int
	CooldownSeconds *int
	Enabled         *bool
}

// NormalizeRule converts caller input into canonical rule.
// Params: rule input and update timestamp.
// Returns: normalized rule or validation error.
func NormalizeRule(in RuleInput, now time.Time) (AlertRule, error) {
	owner := NewOwner(ParseScope(in.Scope), in.UserID)
	if err := owner.Validate(); err != nil {
		return AlertRule{}, err
	}
	deviceID := NormalizeDeviceID(in.DeviceID)
	if deviceID == "" {
		return AlertRule{}, errors.New("device id is required")
	}

	rule := AlertRule{
		Owner:           owner,
		TargetUserID:    strings.TrimSpace(in.TargetUserID),
		DeviceID:        deviceID,
		DeviceName:      strings.TrimSpace(in.DeviceName),
		DebounceHits:    DefaultDebounceHits,
		CooldownSeconds: DefaultCooldownSeconds,
		Enabled:         true,
		UpdatedAt:       now.UTC(),
	}
	if owner.IsGlobal() {
		rule.TargetUserID = ""
	}
	copy(rule.TempRanges[:], in.TempRanges)
	copy(rule.HumRanges[:], in.HumRanges)

	if in.DebounceHits != nil {
		if *in.DebounceHits < 1 {
			return AlertRule{}, errors.New("debounce hits must be >=1")
		}
		rule.DebounceHits = *in.DebounceHits
	}
	if in.CooldownSeconds != nil {
		if *in.CooldownSeconds < 0 {
			return AlertRule{}, errors.New("cooldown seconds must be >=0")
		}
		rule.CooldownSeconds = *in.CooldownSeconds
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	return rule, nil
}
