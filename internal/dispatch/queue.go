package dispatch

import (
	"errors"
	"sync/atomic"
)

// ErrQueueFull is returned when the selected shard cannot take another
// payload. The admitter converts it into a 503.
var ErrQueueFull = errors.New("shard queue full")

// ErrQueueClosed is returned once the queues have been shut down.
var ErrQueueClosed = errors.New("shard queues closed")

// Queues are the per-worker inbound shards. Each worker owns exactly
// one shard and drains it FIFO; the admitter spreads queued-path
// payloads across shards with a round-robin counter.
type Queues struct {
	shards  []chan []byte
	counter atomic.Uint64
	closed  atomic.Bool
}

// NewQueues builds numWorkers shards of the given depth.
func NewQueues(numWorkers, depth int) *Queues {
	shards := make([]chan []byte, numWorkers)
	for i := range shards {
		shards[i] = make(chan []byte, depth)
	}
	return &Queues{shards: shards}
}

// Enqueue places the raw payload on the next shard in round-robin
// order. It never blocks: a full shard refuses the send.
func (q *Queues) Enqueue(raw []byte) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	shard := q.counter.Add(1) % uint64(len(q.shards))
	select {
	case q.shards[shard] <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shard returns the inbound channel owned by worker i.
func (q *Queues) Shard(i int) <-chan []byte {
	return q.shards[i]
}

// Len returns the number of shards.
func (q *Queues) Len() int {
	return len(q.shards)
}

// Close refuses further sends. Workers stop through their context;
// payloads still queued are lost with the process.
func (q *Queues) Close() {
	q.closed.Store(true)
}
