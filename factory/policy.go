/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON policy definitions into circulation.Policy values. Library
  staff can change renewal limits, fine rates or reservation windows in a
  config file without a code change.

JSON SCHEMA:
  {
    "max_renewals": 3,
    "renewal_window_days": 30,
    "fine_per_day": "5.00",
    "currency": "USD",
    "max_active_reservations": 3,
    "reservation_expiry_hours": 48,
    "default_loan_days": 15,
    "avg_loan_duration_days": 14,
    "max_active_loans": 5,
    "preserve_recorded_fines": true,
    "block_renewal_on_outstanding_fine": true
  }

  Every field is optional. A missing field keeps its value from
  circulation.DefaultPolicy(), so "{}" is the default policy. fine_per_day
  accepts a JSON number or a decimal string.

USAGE:
  factory := NewPolicyFactory()
  policy, err := factory.ParsePolicy(`{"max_renewals": 1}`)
  policy, err := factory.LoadFile("./policy.json")

SEE ALSO:
  - circulation/policy.go: Policy type definition and validation
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a policy. Nil fields take defaults.
type PolicyJSON struct {
	MaxRenewals            *int             `json:"max_renewals,omitempty"`
	RenewalWindowDays      *int             `json:"renewal_window_days,omitempty"`
	FinePerDay             *decimal.Decimal `json:"fine_per_day,omitempty"`
	Currency               string           `json:"currency,omitempty"`
	MaxActiveReservations  *int             `json:"max_active_reservations,omitempty"`
	ReservationExpiryHours *int             `json:"reservation_expiry_hours,omitempty"`
	DefaultLoanDays        *int             `json:"default_loan_days,omitempty"`
	AvgLoanDurationDays    *int             `json:"avg_loan_duration_days,omitempty"`
	MaxActiveLoans         *int             `json:"max_active_loans,omitempty"`

	PreserveRecordedFines         *bool `json:"preserve_recorded_fines,omitempty"`
	BlockRenewalOnOutstandingFine *bool `json:"block_renewal_on_outstanding_fine,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to circulation.Policy.
type PolicyFactory struct {
	// Base supplies the value of every field the JSON omits.
	Base circulation.Policy
}

// NewPolicyFactory creates a factory whose base is circulation.DefaultPolicy().
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{Base: circulation.DefaultPolicy()}
}

// ParsePolicy parses and validates a JSON policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (circulation.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return circulation.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// LoadFile reads a JSON policy file.
func (f *PolicyFactory) LoadFile(path string) (circulation.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return circulation.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.ParsePolicy(string(data))
}

// FromJSON overlays pj on the factory's base policy and validates the result.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (circulation.Policy, error) {
	p := f.Base

	setInt(&p.MaxRenewals, pj.MaxRenewals)
	setInt(&p.RenewalWindowDays, pj.RenewalWindowDays)
	setInt(&p.MaxActiveReservations, pj.MaxActiveReservations)
	setInt(&p.ReservationExpiryHours, pj.ReservationExpiryHours)
	setInt(&p.DefaultLoanDays, pj.DefaultLoanDays)
	setInt(&p.AvgLoanDurationDays, pj.AvgLoanDurationDays)
	setInt(&p.MaxActiveLoans, pj.MaxActiveLoans)
	setBool(&p.PreserveRecordedFines, pj.PreserveRecordedFines)
	setBool(&p.BlockRenewalOnOutstandingFine, pj.BlockRenewalOnOutstandingFine)

	if pj.Currency != "" {
		p.FinePerDay.Currency = circulation.Currency(pj.Currency)
	}
	if pj.FinePerDay != nil {
		p.FinePerDay.Value = *pj.FinePerDay
	}

	if err := p.Validate(); err != nil {
		return circulation.Policy{}, err
	}
	return p, nil
}

// ToJSON converts a Policy to PolicyJSON with every field set.
func (f *PolicyFactory) ToJSON(p circulation.Policy) PolicyJSON {
	fine := p.FinePerDay.Value
	return PolicyJSON{
		MaxRenewals:                   &p.MaxRenewals,
		RenewalWindowDays:             &p.RenewalWindowDays,
		FinePerDay:                    &fine,
		Currency:                      string(p.FinePerDay.Currency),
		MaxActiveReservations:         &p.MaxActiveReservations,
		ReservationExpiryHours:        &p.ReservationExpiryHours,
		DefaultLoanDays:               &p.DefaultLoanDays,
		AvgLoanDurationDays:           &p.AvgLoanDurationDays,
		MaxActiveLoans:                &p.MaxActiveLoans,
		PreserveRecordedFines:         &p.PreserveRecordedFines,
		BlockRenewalOnOutstandingFine: &p.BlockRenewalOnOutstandingFine,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
