package server

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var errSequencerStopped = errors.New("sequencer stopped")

type command struct {
	ctx   context.Context
	name  string
	fn    func(context.Context) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// sequencer applies mutating commands one at a time and checkpoints the
// node after every command that succeeds.
type sequencer struct {
	cmds   chan command
	stop   chan struct{}
	done   chan struct{}
	commit func() error
	logger *slog.Logger
}

func newSequencer(commit func() error, logger *slog.Logger) *sequencer {
	q := &sequencer{
		cmds:   make(chan command),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		commit: commit,
		logger: logger,
	}
	go q.loop()
	return q
}

func (q *sequencer) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case cmd := <-q.cmds:
			cmd.reply <- q.apply(cmd)
		}
	}
}

func (q *sequencer) apply(cmd command) result {
	if err := cmd.ctx.Err(); err != nil {
		return result{err: err}
	}
	start := time.Now()
	value, err := cmd.fn(cmd.ctx)
	if err != nil {
		return result{err: err}
	}
	if q.commit != nil {
		if cerr := q.commit(); cerr != nil {
			q.logger.Error("sequencer: checkpoint failed", "command", cmd.name, "error", cerr)
		}
	}
	q.logger.Debug("sequencer: applied", "command", cmd.name, "duration", time.Since(start))
	return result{value: value}
}

// do queues fn and waits for its result.
func (q *sequencer) do(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	reply := make(chan result, 1)
	select {
	case q.cmds <- command{ctx: ctx, name: name, fn: fn, reply: reply}:
	case <-q.stop:
		return nil, errSequencerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-reply
	return res.value, res.err
}

func (q *sequencer) close() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	<-q.done
}

// submit is the typed form of sequencer.do.
func submit[T any](ctx context.Context, q *sequencer, name string, fn func(context.Context) (T, error)) (T, error) {
	value, err := q.do(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value.(T), nil
}
