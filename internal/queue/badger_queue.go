package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// BadgerQueue is a persistent crawl job queue ordered by priority, then visibility time.
// Received messages become visible again after the visibility timeout unless deleted;
// a message received maxReceive times is dropped on the next receive.
type BadgerQueue struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
	now               func() time.Time
}

// NewBadgerQueue creates a queue stored in db under the given name
func NewBadgerQueue(db *badger.DB, name string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &BadgerQueue{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
		now:               time.Now,
	}, nil
}

// Enqueue stores a job, immediately visible. Job ID and EnqueuedAt are filled when empty.
func (q *BadgerQueue) Enqueue(ctx context.Context, job *models.CrawlJob) error {
	if job == nil || job.URL == "" {
		return fmt.Errorf("%w: crawl job requires a URL", models.ErrInvalidInput)
	}
	now := q.now()
	if job.ID == "" {
		job.ID = common.NewJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}

	msg := models.QueueMessage{
		ID:         job.ID,
		Job:        *job,
		Priority:   job.Priority,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(msg.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(msg.Priority, msg.VisibleAt, msg.ID), []byte{})
	})
}

// Receive claims the next visible message. The returned function deletes it once handled.
func (q *BadgerQueue) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var msg models.QueueMessage
	dropped := 0

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := q.now()
		var claimedKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			_, visibleAt, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			// a later priority band may still hold a ready message
			if visibleAt.After(now) {
				continue
			}

			item, err := txn.Get(q.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			var candidate models.QueueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			if candidate.ReceiveCount >= q.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				dropped++
				continue
			}

			msg = candidate
			claimedKey = key
			break
		}

		if claimedKey == nil {
			return models.ErrNoMessage
		}

		msg.ReceiveCount++
		msg.VisibleAt = now.Add(q.visibilityTimeout)
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(msg.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(claimedKey); err != nil {
			return err
		}
		return txn.Set(q.indexKey(msg.Priority, msg.VisibleAt, msg.ID), []byte{})
	})

	if dropped > 0 {
		q.logger.Warn().Int("dropped", dropped).Int("max_receive", q.maxReceive).Msg("Dropped crawl jobs that exceeded max receive count")
	}
	if err != nil {
		return nil, nil, err
	}

	id := msg.ID
	deleteFn := func() error {
		return q.delete(id)
	}
	return &msg, deleteFn, nil
}

func (q *BadgerQueue) delete(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.msgKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var current models.QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(current.Priority, current.VisibleAt, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(q.msgKey(id))
	})
}

// Len counts stored messages, including in-flight ones
func (q *BadgerQueue) Len(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.msgPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close is a no-op; the database is owned by the storage manager
func (q *BadgerQueue) Close() error {
	return nil
}

// Helpers

func (q *BadgerQueue) msgPrefix() []byte {
	return []byte(fmt.Sprintf("crawlq:%s:msg:", q.name))
}

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("crawlq:%s:msg:%s", q.name, id))
}

func (q *BadgerQueue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("crawlq:%s:index:", q.name))
}

// indexKey zero-pads priority and timestamp so byte order matches numeric order
func (q *BadgerQueue) indexKey(priority int, visibleAt time.Time, id string) []byte {
	if priority < 0 {
		priority = 0
	}
	return []byte(fmt.Sprintf("crawlq:%s:index:%03d:%020d:%s", q.name, priority, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (int, time.Time, string, error) {
	suffix := strings.TrimPrefix(string(key), string(q.indexPrefix()))
	parts := strings.SplitN(suffix, ":", 3)
	if len(parts) != 3 || len(parts[0]) != 3 || len(parts[1]) != 20 {
		return 0, time.Time{}, "", fmt.Errorf("invalid index key %q", key)
	}

	priority, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, "", err
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, "", err
	}
	return priority, time.Unix(0, ts), parts[2], nil
}
