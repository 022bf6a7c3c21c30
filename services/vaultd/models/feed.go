package models

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

const feedBuffer = 32

// feed fans persisted operations out to live subscribers. Slow subscribers
// miss updates rather than stall the recorder; they catch up from the
// history table with their cursor.
type feed struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]subscriber
}

type subscriber struct {
	asset string
	ch    chan Operation
}

// Subscribe registers for operations recorded on asset from now on. The
// returned cancel func is idempotent and closes the channel.
func (r *Recorder) Subscribe(asset string) (<-chan Operation, func()) {
	updates := make(chan Operation, feedBuffer)
	r.feed.mu.Lock()
	if r.feed.subs == nil {
		r.feed.subs = make(map[uint64]subscriber)
	}
	id := r.feed.nextID
	r.feed.nextID++
	r.feed.subs[id] = subscriber{asset: asset, ch: updates}
	r.feed.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.feed.mu.Lock()
			if sub, ok := r.feed.subs[id]; ok {
				delete(r.feed.subs, id)
				close(sub.ch)
			}
			r.feed.mu.Unlock()
		})
	}
	return updates, cancel
}

func (r *Recorder) publish(op Operation) {
	r.feed.mu.Lock()
	defer r.feed.mu.Unlock()
	for _, sub := range r.feed.subs {
		if sub.asset != op.Asset {
			continue
		}
		select {
		case sub.ch <- op:
		default:
		}
	}
}

// Cursor identifies the operation's position in the history stream.
func (o Operation) Cursor() string {
	return o.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// ParseCursor decodes a stream cursor. An empty cursor starts from the
// beginning of history.
func ParseCursor(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("models: cursor %q: %w", raw, err)
	}
	return at.UTC(), nil
}

// Since lists operations for an asset recorded after cursor, oldest first.
func Since(ctx context.Context, db *gorm.DB, asset string, after time.Time, limit int) ([]Operation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Where("asset = ?", asset)
	if !after.IsZero() {
		q = q.Where("created_at > ?", after)
	}
	var ops []Operation
	if err := q.Order("created_at asc").Limit(limit).Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}
