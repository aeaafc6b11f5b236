// Package bus carries the pipeline's outbound notifications: an in-process
// fan-out to local sinks, and a Kafka producer for everything downstream.
package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
)

const SchemaVersion = "1.0.0"

// Event kinds.
const (
	KindNewAlert        = "new_alert"
	KindPositionOpened  = "position_opened"
	KindPositionClosed  = "position_closed"
	KindRejectionLogged = "rejection_logged"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// NewBaseEvent creates a BaseEvent with a fresh event ID. traceID links the
// event to the decision record that produced it.
func NewBaseEvent(producer, traceID string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		TraceID:       traceID,
	}
}

// Event is anything the pipeline publishes.
type Event interface {
	Kind() string
	Key() string // partition key, the token mint
	Base() BaseEvent
}

// NewAlert announces an accepted token.
type NewAlert struct {
	BaseEvent
	Mint         string               `json:"mint"`
	Name         string               `json:"name,omitempty"`
	Symbol       string               `json:"symbol,omitempty"`
	Source       string               `json:"source"` // created|migrated
	LiquiditySOL decimal.Decimal      `json:"liquidity_sol"`
	Holders      int                  `json:"holders"`
	TopHolderPct float64              `json:"top_holder_pct"`
	Verdict      domain.SafetyVerdict `json:"verdict"`
	Trading      bool                 `json:"trading"`
}

func (e NewAlert) Kind() string    { return KindNewAlert }
func (e NewAlert) Key() string     { return e.Mint }
func (e NewAlert) Base() BaseEvent { return e.BaseEvent }

// PositionOpened follows a confirmed buy.
type PositionOpened struct {
	BaseEvent
	Position domain.Position `json:"position"`
}

func (e PositionOpened) Kind() string    { return KindPositionOpened }
func (e PositionOpened) Key() string     { return e.Position.Mint }
func (e PositionOpened) Base() BaseEvent { return e.BaseEvent }

// PositionClosed follows a confirmed sell.
type PositionClosed struct {
	BaseEvent
	Position domain.Position `json:"position"`
}

func (e PositionClosed) Kind() string    { return KindPositionClosed }
func (e PositionClosed) Key() string     { return e.Position.Mint }
func (e PositionClosed) Base() BaseEvent { return e.BaseEvent }

// RejectionLogged records why a token was not alerted.
type RejectionLogged struct {
	BaseEvent
	Mint   string `json:"mint"`
	Name   string `json:"name,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Stage  string `json:"stage"` // safety|filter|risk|execution
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason"`
}

func (e RejectionLogged) Kind() string    { return KindRejectionLogged }
func (e RejectionLogged) Key() string     { return e.Mint }
func (e RejectionLogged) Base() BaseEvent { return e.BaseEvent }
