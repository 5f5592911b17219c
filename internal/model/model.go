// Package model defines the record types held by the three replicated
// collections of a shared expense account, plus identity helpers.
//
// Records are value types: they carry no identity beyond their fields.
// Two identifiers matter to the replication layer:
//
//   - ID: globally unique, assigned at creation, never changes. This is
//     the key the document merges on.
//   - SyncID: a second stable identifier used to recognize the same
//     logical entity when it was introduced through independent paths
//     (e.g. legacy migration on two devices). Records sharing a SyncID
//     are duplicates even when their IDs differ.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Collection names a replicated collection within an account document.
type Collection string

const (
	Expenses Collection = "expenses"
	People   Collection = "people"
	Payments Collection = "payments"
)

// Collections returns all replicated collections in their canonical order.
func Collections() []Collection {
	return []Collection{Expenses, People, Payments}
}

// Valid reports whether c names a known collection.
func Valid(c Collection) bool {
	switch c {
	case Expenses, People, Payments:
		return true
	}
	return false
}

// SplitType describes how an expense is divided among people.
type SplitType string

const (
	SplitEqual      SplitType = "equal"
	SplitExact      SplitType = "exact"
	SplitPercentage SplitType = "percentage"
	SplitShares     SplitType = "shares"
)

// SyncStatus tracks whether a record has been acknowledged by a peer.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
)

// Recurring marks an expense that repeats on a schedule.
type Recurring struct {
	Frequency string `json:"frequency"`
	NextDate  string `json:"nextDate"`
}

// Record is implemented by every replicated record type.
type Record interface {
	// Key returns the record's globally unique id.
	Key() string
	// SyncKey returns the cross-device stable identity used for
	// deduplication, or "" when the record predates sync ids.
	SyncKey() string
}

// Expense is a single shared expense. Dates are ISO strings
// (YYYY-MM-DD); timestamps are unix milliseconds.
type Expense struct {
	ID           string                     `json:"id"`
	Description  string                     `json:"description"`
	Amount       decimal.Decimal            `json:"amount"`
	Date         string                     `json:"date"`
	PayerID      string                     `json:"payerId,omitempty"`
	ImageID      string                     `json:"imageId,omitempty"`
	SplitType    SplitType                  `json:"splitType"`
	SplitDetails map[string]decimal.Decimal `json:"splitDetails,omitempty"`
	Tags         []string                   `json:"tags,omitempty"`
	Notes        string                     `json:"notes,omitempty"`
	Recurring    *Recurring                 `json:"recurring,omitempty"`
	SyncID       string                     `json:"syncId"`
	SyncStatus   SyncStatus                 `json:"syncStatus,omitempty"`
	YearMonth    string                     `json:"yearMonth"`
	CreatedAt    int64                      `json:"createdAt"`
	UpdatedAt    int64                      `json:"updatedAt,omitempty"`
}

func (e Expense) Key() string     { return e.ID }
func (e Expense) SyncKey() string { return e.SyncID }

// Person is a participant in the shared account. ClaimedBy records which
// device identity has claimed this person as "me".
type Person struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SyncID    string `json:"syncId"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	ClaimedBy string `json:"claimedBy,omitempty"`
}

func (p Person) Key() string     { return p.ID }
func (p Person) SyncKey() string { return p.SyncID }

// Payment is a settlement transfer between two people.
type Payment struct {
	ID        string          `json:"id"`
	FromID    string          `json:"fromId"`
	ToID      string          `json:"toId"`
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date"`
	SyncID    string          `json:"syncId"`
	CreatedAt int64           `json:"createdAt"`
}

func (p Payment) Key() string     { return p.ID }
func (p Payment) SyncKey() string { return p.SyncID }

// NewID returns a fresh globally unique record id.
func NewID() string {
	return uuid.NewString()
}

// NewSyncID returns a fresh cross-device stable identity. ULIDs are used
// so sync ids sort roughly by creation time, which keeps merged
// collections in a sensible display order.
func NewSyncID() string {
	return ulid.Make().String()
}

// YearMonth derives the YYYY-MM index field from an ISO date string.
// Malformed dates yield "" rather than an error; the field is only a
// display grouping hint.
func YearMonth(date string) string {
	if len(date) < 7 {
		return ""
	}
	return date[:7]
}

// DecodeRecord unmarshals raw JSON into the concrete record type for the
// given collection. The record must carry a non-empty id.
func DecodeRecord(c Collection, data []byte) (Record, error) {
	var rec Record
	switch c {
	case Expenses:
		var e Expense
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode expense: %w", err)
		}
		rec = e
	case People:
		var p Person
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode person: %w", err)
		}
		rec = p
	case Payments:
		var p Payment
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		rec = p
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	if rec.Key() == "" {
		return nil, fmt.Errorf("record in %q has empty id", c)
	}
	return rec, nil
}
