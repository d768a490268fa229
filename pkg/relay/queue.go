// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync"
)

// DefaultMaxPending bounds the client frames a session holds in memory.
const DefaultMaxPending = 256

// streamQueues runs jobs one at a time per stream id and in parallel across
// stream ids. A queue exists only while its stream has pending work, so a
// stream's entry is gone as soon as its CLOSE has been processed.
//
// At most cap(slots) jobs are pending or running across all streams; enqueue
// blocks beyond that, so a stalled upstream stalls client reads.
type streamQueues struct {
	mu     sync.Mutex
	queues map[uint32][]func()
	slots  chan struct{}
	wg     sync.WaitGroup
}

func newStreamQueues(maxPending int) *streamQueues {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &streamQueues{
		queues: make(map[uint32][]func()),
		slots:  make(chan struct{}, maxPending),
	}
}

// enqueue appends job to the stream's queue, starting a worker when the
// stream is idle. It waits for a free slot and fails only when ctx is done.
func (q *streamQueues) enqueue(ctx context.Context, streamID uint32, job func()) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if pending, ok := q.queues[streamID]; ok {
		q.queues[streamID] = append(pending, job)
		return nil
	}

	q.queues[streamID] = []func(){job}
	q.wg.Add(1)
	go q.drain(streamID)
	return nil
}

func (q *streamQueues) drain(streamID uint32) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		pending := q.queues[streamID]
		if len(pending) == 0 {
			delete(q.queues, streamID)
			q.mu.Unlock()
			return
		}
		job := pending[0]
		pending[0] = nil
		q.queues[streamID] = pending[1:]
		q.mu.Unlock()

		job()
		<-q.slots
	}
}

// wait blocks until every queued job has run.
func (q *streamQueues) wait() {
	q.wg.Wait()
}

// active returns the number of streams with pending work.
func (q *streamQueues) active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// pending returns the number of jobs queued or running.
func (q *streamQueues) pending() int {
	return len(q.slots)
}
