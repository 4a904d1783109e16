// Package queue persists conversation turns. Writes go to the database
// directly and to a Redis list, and a consumer drains the list back into
// the database, so a turn survives a database outage at write time. The
// scheme is at-least-once; duplicate rows are accepted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ordsvc/attendant/internal/models"
)

// DefaultKey is the Redis list holding queued turns.
const DefaultKey = "attendant:turns"

// entry is the wire form of a queued turn.
type entry struct {
	ThreadID  uint      `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// redisList is the slice of the Redis client the queue uses.
type redisList interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Queue records turns durably.
type Queue struct {
	db      *gorm.DB
	rdb     redisList
	key     string
	popWait time.Duration
}

// Opts holds parameters for creating a Queue.
type Opts struct {
	DB      *gorm.DB
	Redis   redisList     // optional; without it the queue is direct-write only
	Key     string        // defaults to DefaultKey
	PopWait time.Duration // BRPOP block duration, defaults to 5s
}

// New creates a Queue.
func New(opts Opts) (*Queue, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	popWait := opts.PopWait
	if popWait <= 0 {
		popWait = 5 * time.Second
	}
	return &Queue{db: opts.DB, rdb: opts.Redis, key: key, popWait: popWait}, nil
}

// Enqueue records one turn. The direct database write is best effort; the
// Redis push is what guarantees the turn eventually lands, so its failure
// is only an error when the direct write also failed.
func (q *Queue) Enqueue(ctx context.Context, threadID uint, role, content string) error {
	e := entry{ThreadID: threadID, Role: role, Content: content, CreatedAt: time.Now().UTC()}

	dbErr := q.persist(&e)
	if dbErr != nil {
		log.Printf("queue: direct write failed for thread %d: %v", threadID, dbErr)
	}

	if q.rdb != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("queue: encode turn: %w", err)
		}
		if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
			log.Printf("queue: redis push failed for thread %d: %v", threadID, err)
			if dbErr != nil {
				return fmt.Errorf("queue: turn lost, both writes failed: %w", dbErr)
			}
		}
		return nil
	}

	if dbErr != nil {
		return fmt.Errorf("queue: record turn: %w", dbErr)
	}
	return nil
}

// RunConsumer drains the Redis list into the database until ctx is
// cancelled. An undecodable payload is dropped with a log line; a failed
// persist puts the payload back so it is retried.
func (q *Queue) RunConsumer(ctx context.Context) error {
	if q.rdb == nil {
		return fmt.Errorf("queue: consumer requires redis")
	}
	log.Printf("queue: consumer draining %s", q.key)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.rdb.BRPop(ctx, q.popWait, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("queue: pop failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}
		q.consumeOne(ctx, values[1])
	}
}

func (q *Queue) consumeOne(ctx context.Context, payload string) {
	var e entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		log.Printf("queue: dropping undecodable payload: %v", err)
		return
	}
	if err := q.persist(&e); err != nil {
		log.Printf("queue: persist failed for thread %d, requeueing: %v", e.ThreadID, err)
		if pushErr := q.rdb.LPush(ctx, q.key, payload).Err(); pushErr != nil {
			log.Printf("queue: requeue failed, turn lost: %v", pushErr)
		}
	}
}

func (q *Queue) persist(e *entry) error {
	turn := models.Turn{
		ThreadID:  e.ThreadID,
		Role:      e.Role,
		Content:   e.Content,
		CreatedAt: e.CreatedAt,
	}
	return q.db.Create(&turn).Error
}
