package models

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vaultchain/core/events"
	"vaultchain/observability"
)

// Recorder persists treasury and ledger events as history rows and feeds
// stored operations to live subscribers. It is an events.Emitter; write
// failures are logged and never surface to the operation that emitted the
// event.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
	feed   feed
}

// NewRecorder returns a recorder writing to db.
func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger, now: time.Now}
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || r.db == nil || evt == nil {
		return
	}
	var (
		row   any
		asset string
	)
	now := r.now().UTC()
	switch e := evt.(type) {
	case events.TreasuryDeposit:
		asset = e.Asset
		row = &Operation{
			Kind:         KindDeposit,
			Asset:        e.Asset,
			Account:      e.Recipient,
			Counterparty: e.Caller,
			Amount:       amount(e.Minted),
			Underlying:   amount(e.Underlying),
			Fee:          amount(e.Fee),
			Backend:      e.Backend,
			Referral:     e.Referral,
		}
	case events.TreasuryWithdraw:
		asset = e.Asset
		row = &Operation{
			Kind:         KindWithdraw,
			Asset:        e.Asset,
			Account:      e.Owner,
			Counterparty: e.Recipient,
			Amount:       amount(e.Burned),
			Underlying:   amount(e.Underlying),
			Fee:          amount(e.Fee),
		}
	case events.Transfer:
		asset = e.Token
		row = &Operation{
			Kind:         KindTransfer,
			Asset:        e.Token,
			Account:      e.From,
			Counterparty: e.To,
			Amount:       amount(e.Amount),
		}
	case events.Lock:
		asset = e.Token
		kind := KindLock
		if e.Release {
			kind = KindUnlock
		}
		row = &Operation{Kind: kind, Asset: e.Token, Account: e.Account, Amount: amount(e.Amount)}
	case events.Approval:
		asset = e.Token
		row = &Operation{
			Kind:         KindApproval,
			Asset:        e.Token,
			Account:      e.Owner,
			Counterparty: e.Spender,
			Amount:       amount(e.Amount),
		}
	case events.TreasuryRecovery:
		asset = e.Asset
		row = &Operation{Kind: KindRecover, Asset: e.Asset, Backend: e.Backend, Underlying: amount(e.Recovered)}
	case events.TreasuryHarvest:
		if e.Skipped {
			observability.Events().RecordEvent(evt.EventType(), e.Asset)
			return
		}
		asset = e.Asset
		row = &Operation{
			Kind:       KindHarvest,
			Asset:      e.Asset,
			Backend:    e.Backend,
			Amount:     amount(e.RewardIn),
			Underlying: amount(e.Reinvested),
		}
	case events.TreasuryRebase:
		asset = e.Asset
		row = &RebaseRecord{
			Asset:       e.Asset,
			Backend:     e.Backend,
			Gross:       amount(e.Gross),
			Fee:         amount(e.Fee),
			Distributed: amount(e.Distributed),
			SupplyAfter: amount(e.SupplyAfter),
			Harvested:   amount(e.Harvested),
		}
	case events.TreasuryMigration:
		asset = e.Asset
		row = &MigrationRecord{
			Asset:     e.Asset,
			From:      e.From,
			To:        e.To,
			Requested: amount(e.Requested),
			Received:  amount(e.Received),
			Shortfall: amount(e.Shortfall),
			Deposited: amount(e.Deposited),
			Buffered:  amount(e.Buffered),
		}
	default:
		observability.Events().RecordEvent(evt.EventType(), "")
		return
	}
	observability.Events().RecordEvent(evt.EventType(), asset)
	stamp(row, now)
	if err := r.db.Create(row).Error; err != nil {
		r.logger.Error("recorder: persist event failed", "type", evt.EventType(), "asset", asset, "error", err)
		return
	}
	if op, ok := row.(*Operation); ok {
		r.publish(*op)
	}
}

func stamp(row any, now time.Time) {
	id := uuid.New()
	switch v := row.(type) {
	case *Operation:
		v.ID, v.CreatedAt = id, now
	case *RebaseRecord:
		v.ID, v.CreatedAt = id, now
	case *MigrationRecord:
		v.ID, v.CreatedAt = id, now
	}
}
