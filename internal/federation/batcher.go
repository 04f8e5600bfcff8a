package federation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/recapnet/histd/internal/metrics"
	"github.com/recapnet/histd/internal/model"
)

const (
	// writeBatchInterval is how often a peer's pending forwards are
	// flushed when the batch has not filled first.
	writeBatchInterval = 500 * time.Millisecond

	// writeBatchMax caps the entries coalesced into one batch frame.
	writeBatchMax = 64
)

// WriteBatcher coalesces forwarded writes for a single peer into
// write_batch frames so a busy non-storing server does not send one
// frame per message. A single pending entry still goes out as a plain
// write frame.
type WriteBatcher struct {
	peerName string
	origin   string
	queue    chan *model.WireEntry
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	closedMu sync.Mutex
}

func NewWriteBatcher(peerName, origin string, queueSize int) *WriteBatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &WriteBatcher{
		peerName: peerName,
		origin:   origin,
		queue:    make(chan *model.WireEntry, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue queues one entry for forwarding. A full queue drops the
// entry; forwarding is best-effort and the origin never blocks on it.
func (b *WriteBatcher) Enqueue(entry *model.WireEntry) bool {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- entry:
		return true
	default:
		metrics.IncrementDropped()
		return false
	}
}

// Start runs the flush loop. sendFunc receives marshaled frames.
func (b *WriteBatcher) Start(sendFunc func([]byte)) {
	go b.flushLoop(sendFunc)
}

func (b *WriteBatcher) flushLoop(sendFunc func([]byte)) {
	ticker := time.NewTicker(writeBatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			// Final drain so a clean shutdown loses nothing queued.
			b.flush(sendFunc, -1)
			return
		case <-ticker.C:
			b.flush(sendFunc, writeBatchMax)
		}
	}
}

// flush drains up to max entries and emits one frame.
func (b *WriteBatcher) flush(sendFunc func([]byte), max int) {
	var batch []*model.WireEntry
	for {
		select {
		case e := <-b.queue:
			batch = append(batch, e)
			if max > 0 && len(batch) >= max {
				b.emit(sendFunc, batch)
				batch = nil
			}
		default:
			if len(batch) > 0 {
				b.emit(sendFunc, batch)
			}
			return
		}
	}
}

func (b *WriteBatcher) emit(sendFunc func([]byte), batch []*model.WireEntry) {
	var frame any
	if len(batch) == 1 {
		frame = &model.WriteForwardFrame{
			Type:   model.FrameTypeWriteForward,
			Origin: b.origin,
			Entry:  batch[0],
		}
	} else {
		frame = &model.WriteBatchFrame{
			Type:    model.FrameTypeWriteBatch,
			Origin:  b.origin,
			Entries: batch,
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	sendFunc(data)
	metrics.AddForwarded(len(batch))
}

// QueueLength returns the number of entries awaiting a flush.
func (b *WriteBatcher) QueueLength() int {
	return len(b.queue)
}

// Stop ends the flush loop after a final drain.
func (b *WriteBatcher) Stop() {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cancel()
}
