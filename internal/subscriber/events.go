package subscriber

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the coarse routing tag of an event.
type EventType string

const (
	EventTypeAccountUpdate     EventType = "account_update"
	EventTypeTransactionUpdate EventType = "transaction_update"
	EventTypeLogsUpdate        EventType = "logs_update"
	EventTypeSlotUpdate        EventType = "slot_update"
	EventTypeCustom            EventType = "custom"
)

// ProgramEvent is a decoded observation from the upstream stream.
// Events are ordered by (Timestamp, ID); ID is unique within a run.
type ProgramEvent struct {
	ID          string            `json:"id"`
	ProgramID   string            `json:"program_id"`
	ProgramName string            `json:"program_name,omitempty"`
	Type        EventType         `json:"event_type"`
	Timestamp   time.Time         `json:"timestamp"`
	Slot        uint64            `json:"slot,omitempty"`
	Signature   string            `json:"signature,omitempty"`
	Data        EventData         `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EventData is the event-type-specific payload. Exactly one member is
// set for decoded events.
type EventData struct {
	Transaction *TransactionData `json:"transaction,omitempty"`
	Account     *AccountData     `json:"account,omitempty"`
	Logs        *LogsData        `json:"logs,omitempty"`
	Slot        *SlotData        `json:"slot,omitempty"`
	Custom      *CustomData      `json:"custom,omitempty"`
}

// TransactionData describes a transaction executed by the program.
type TransactionData struct {
	Signature    string  `json:"signature"`
	Success      bool    `json:"success"`
	Vote         bool    `json:"vote,omitempty"`
	Amount       uint64  `json:"amount,omitempty"`
	ComputeUnits uint64  `json:"compute_units,omitempty"`
	Fee          uint64  `json:"fee,omitempty"`
}

// AccountData describes an account state change.
type AccountData struct {
	Account        string   `json:"account"`
	Owner          string   `json:"owner,omitempty"`
	BalanceBefore  *uint64  `json:"balance_before,omitempty"`
	BalanceAfter   *uint64  `json:"balance_after,omitempty"`
	DataSizeChange int64    `json:"data_size_change,omitempty"`
	Liquidity      *float64 `json:"liquidity,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	Oracle         string   `json:"oracle,omitempty"`
}

// LogsData describes emitted program logs.
type LogsData struct {
	Signature string   `json:"signature,omitempty"`
	Logs      []string `json:"logs"`
	Failed    bool     `json:"failed,omitempty"`
}

// SlotData describes a slot advance.
type SlotData struct {
	Slot   uint64 `json:"slot"`
	Parent uint64 `json:"parent,omitempty"`
	Root   uint64 `json:"root,omitempty"`
}

// CustomData carries synthetic or third-party events.
type CustomData struct {
	Name string            `json:"name"`
	Data map[string]string `json:"data,omitempty"`
}

// NewEvent creates an event stamped with a fresh id and the current
// UTC time.
func NewEvent(programID string, eventType EventType, data EventData) *ProgramEvent {
	return &ProgramEvent{
		ID:        uuid.New().String(),
		ProgramID: programID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithSlot sets the slot number.
func (e *ProgramEvent) WithSlot(slot uint64) *ProgramEvent {
	e.Slot = slot
	return e
}

// WithSignature sets the transaction signature.
func (e *ProgramEvent) WithSignature(sig string) *ProgramEvent {
	e.Signature = sig
	return e
}

// WithMetadata adds a metadata entry.
func (e *ProgramEvent) WithMetadata(key, value string) *ProgramEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CustomName returns the custom event name, or "" for decoded events.
func (e *ProgramEvent) CustomName() string {
	if e.Data.Custom != nil {
		return e.Data.Custom.Name
	}
	return ""
}

// IsSuccessful reports the transaction outcome, if this event carries
// one.
func (e *ProgramEvent) IsSuccessful() (bool, bool) {
	if e.Data.Transaction != nil {
		return e.Data.Transaction.Success, true
	}
	if e.Data.Logs != nil {
		return !e.Data.Logs.Failed, true
	}
	return false, false
}

// Before orders events by (timestamp, id).
func (e *ProgramEvent) Before(other *ProgramEvent) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.ID < other.ID
	}
	return e.Timestamp.Before(other.Timestamp)
}
