package amqp

import (
	"encoding/json"
	"time"

	"fxledger/internal/core"
)

// Routing keys bound to the ledger queue.
const (
	RoutingExpenseRecorded = "expense.recorded"
	RoutingRatesRefresh    = "rates.refresh"
)

// ExpenseRecordedMessage carries a committed ledger entry to downstream mirrors.
type ExpenseRecordedMessage struct {
	ID             int64     `json:"id"`
	ExpenseDate    string    `json:"expense_date"`
	Category       string    `json:"category"`
	AmountOriginal float64   `json:"amount_original"`
	Currency       string    `json:"currency"`
	AmountUSD      float64   `json:"amount_usd"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewExpenseRecordedMessage(e core.LedgerEntry) *ExpenseRecordedMessage {
	return &ExpenseRecordedMessage{
		ID:             e.ID,
		ExpenseDate:    e.ExpenseDate.Format(core.DateLayout),
		Category:       e.Category,
		AmountOriginal: e.AmountOriginal,
		Currency:       e.Currency,
		AmountUSD:      e.AmountUSD,
		Timestamp:      time.Now(),
	}
}

// Entry rebuilds the ledger entry; an unparseable date yields the zero time.
func (m *ExpenseRecordedMessage) Entry() core.LedgerEntry {
	d, _ := time.Parse(core.DateLayout, m.ExpenseDate)
	return core.LedgerEntry{
		ID:             m.ID,
		CreatedAt:      m.Timestamp,
		ExpenseDate:    d,
		Category:       m.Category,
		AmountOriginal: m.AmountOriginal,
		Currency:       m.Currency,
		AmountUSD:      m.AmountUSD,
	}
}

func (m *ExpenseRecordedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ExpenseRecordedMessageFromJSON(data []byte) (*ExpenseRecordedMessage, error) {
	var msg ExpenseRecordedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RatesRefreshMessage asks a worker to fetch and store fresh rates.
type RatesRefreshMessage struct {
	Reason    string    `json:"reason"`
	Symbols   []string  `json:"symbols,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRatesRefreshMessage(reason string, symbols []string) *RatesRefreshMessage {
	return &RatesRefreshMessage{
		Reason:    reason,
		Symbols:   symbols,
		Timestamp: time.Now(),
	}
}

func (m *RatesRefreshMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RatesRefreshMessageFromJSON(data []byte) (*RatesRefreshMessage, error) {
	var msg RatesRefreshMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
