package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a lifecycle event appended to the trade log.
type EventType string

const (
	EventEntry        EventType = "ENTRY"
	EventTp1Partial   EventType = "TP1_PARTIAL"
	EventSlExit       EventType = "SL_EXIT"
	EventTpExit       EventType = "TP_EXIT"
	EventTrailingExit EventType = "TRAILING_EXIT"
	EventTimeExit     EventType = "TIME_EXIT"
	EventRestExitSl   EventType = "REST_EXIT_SL"
	EventRestExitTp   EventType = "REST_EXIT_TP"
)

// IsExit reports whether the event closes (part of) a position.
func (e EventType) IsExit() bool {
	switch e {
	case EventSlExit, EventTpExit, EventTrailingExit, EventTimeExit, EventRestExitSl, EventRestExitTp:
		return true
	default:
		return false
	}
}

// LifecycleEvent is one append-only row in the trade lifecycle log.
type LifecycleEvent struct {
	Time       time.Time
	Symbol     string
	Side       Side
	Type       EventType
	Price      decimal.Decimal
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	Pnl        decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Reason     string
	Source     string
}
