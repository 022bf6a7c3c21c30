package treasury

import (
	"errors"
	"log/slog"
)

// Status is the controller state machine position.
type Status uint8

const (
	StatusIdle Status = iota
	StatusDepositing
	StatusWithdrawing
	StatusHarvesting
	StatusMigrating
	StatusLocking
	StatusTransferring
	StatusCheckpointing
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDepositing:
		return "depositing"
	case StatusWithdrawing:
		return "withdrawing"
	case StatusHarvesting:
		return "harvesting"
	case StatusMigrating:
		return "migrating"
	case StatusLocking:
		return "locking"
	case StatusTransferring:
		return "transferring"
	case StatusCheckpointing:
		return "checkpointing"
	default:
		return "unknown"
	}
}

// journal records compensating actions for side effects outside the ledger
// (bank transfers, backend calls, pointer moves). unwind runs them newest
// first.
type journal struct {
	steps []step
}

type step struct {
	name string
	undo func() error
}

func (j *journal) record(name string, undo func() error) {
	j.steps = append(j.steps, step{name: name, undo: undo})
}

func (j *journal) unwind(logger *slog.Logger) error {
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		s := j.steps[i]
		if err := s.undo(); err != nil {
			logger.Error("treasury: undo step failed", "step", s.name, "error", err)
			errs = append(errs, err)
		}
	}
	j.steps = nil
	return errors.Join(errs...)
}
