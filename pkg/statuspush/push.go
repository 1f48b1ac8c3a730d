package statuspush

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/loomci/loom/pkg/queue"
)

// Logger is the logging surface the push engine needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	defaultBufferDelay = 1 * time.Second
	defaultRetryDelay  = 5 * time.Second
	defaultChunkSize   = 64
	// defaultWaterLevel is the backlog above which a healthy listener is fed
	// without waiting out the buffering delay.
	defaultWaterLevel = 50
)

// Config tunes one push target.
type Config struct {
	// Project labels every packet from this master.
	Project string
	// StatePath is the JSON cursor file; empty disables persistence.
	StatePath string
	// BufferDelay batches bursts of events into one POST.
	BufferDelay time.Duration
	// RetryDelay spaces attempts while the listener is unreachable.
	RetryDelay time.Duration
	ChunkSize  int
	WaterLevel int
	// Filter scrubs empty payload fields before queueing.
	Filter bool
}

// Push buffers status packets in a queue and delivers them to a sink with a
// single outstanding timer: a buffering delay while the listener is healthy,
// a retry delay while it is down, and no delay while a healthy listener has
// a backlog to drain.
type Push struct {
	cfg    Config
	queue  queue.Queue
	sink   Sink
	logger Logger

	mu       sync.Mutex
	nextID   int64
	lastPush int64
	started  string
	up       bool
	timer    *time.Timer
	timerDue time.Time
	stopped  bool

	wg sync.WaitGroup
}

// New restores the sequence cursor from the state file and starts delivery
// immediately when the queue holds packets left over from a previous run.
func New(cfg Config, q queue.Queue, sink Sink, logger Logger) (*Push, error) {
	if cfg.BufferDelay == 0 {
		cfg.BufferDelay = defaultBufferDelay
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.WaterLevel == 0 {
		cfg.WaterLevel = defaultWaterLevel
	}

	st := pushState{NextID: 1}
	if cfg.StatePath != "" {
		loaded, err := loadState(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		st = loaded
	}

	p := &Push{
		cfg:      cfg,
		queue:    q,
		sink:     sink,
		logger:   logger,
		nextID:   st.NextID,
		lastPush: st.LastIDPushed,
		started:  time.Now().UTC().Format(time.RFC3339),
		up:       true,
	}

	if backlog := q.NbItems(); backlog > 0 {
		logger.Info("status push resuming with queued packets", "backlog", backlog)
		p.mu.Lock()
		p.scheduleLocked(0)
		p.mu.Unlock()
	}
	return p, nil
}

// Push queues one event. Delivery happens asynchronously.
func (p *Push) Push(event string, payload map[string]any) {
	if p.cfg.Filter && payload != nil {
		if cleaned, ok := Scrub(payload).(map[string]any); ok {
			payload = cleaned
		} else {
			payload = nil
		}
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	pkt := Packet{
		ID:        p.nextID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Project:   p.cfg.Project,
		Started:   p.started,
		Event:     event,
		Payload:   payload,
	}
	p.nextID++
	raw, err := json.Marshal(pkt)
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("drop unencodable packet", "event", event, "error", err)
		return
	}
	if err := p.queue.PushItem(raw); err != nil {
		p.logger.Error("queue packet failed", "event", event, "error", err)
	}

	delay := p.cfg.BufferDelay
	if p.up && p.queue.NbItems() > p.cfg.WaterLevel {
		delay = 0
	}
	p.scheduleLocked(delay)
	p.mu.Unlock()
}

// scheduleLocked arms the delivery timer. An outstanding timer stays in
// place unless the new request is due sooner, so a backlog crossing the
// water level collapses a pending buffer delay to an immediate run.
func (p *Push) scheduleLocked(delay time.Duration) {
	if p.stopped {
		return
	}
	due := time.Now().Add(delay)
	if p.timer != nil {
		if due.After(p.timerDue) || !p.timer.Stop() {
			return
		}
		// The stopped timer's wait slot carries over to the re-armed one.
		p.timer.Reset(delay)
		p.timerDue = due
		return
	}
	p.wg.Add(1)
	p.timerDue = due
	p.timer = time.AfterFunc(delay, func() {
		defer p.wg.Done()
		p.deliverOnce(context.Background())
	})
}

// deliverOnce pops one chunk, attempts delivery, and decides the next timer.
func (p *Push) deliverOnce(ctx context.Context) {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()

	chunk := p.queue.PopChunk(p.cfg.ChunkSize)
	if len(chunk) == 0 {
		return
	}

	err := p.sink.Deliver(ctx, chunk)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.queue.InsertBackChunk(chunk)
		if p.up {
			p.logger.Warn("status listener unreachable, buffering", "error", err, "backlog", p.queue.NbItems())
		}
		p.up = false
		p.scheduleLocked(p.cfg.RetryDelay)
		return
	}
	if !p.up {
		p.logger.Info("status listener recovered", "delivered", len(chunk))
	}
	p.up = true
	if id := lastPacketID(chunk); id > p.lastPush {
		p.lastPush = id
	}
	if p.queue.NbItems() > 0 {
		p.scheduleLocked(0)
	}
}

func lastPacketID(chunk []json.RawMessage) int64 {
	var last int64
	for _, raw := range chunk {
		var pkt struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &pkt); err == nil && pkt.ID > last {
			last = pkt.ID
		}
	}
	return last
}

// Shutdown emits the shutdown event, drains synchronously while the listener
// keeps accepting, then saves the queue and the cursor. Packets the listener
// would not take survive in the queue for the next run.
func (p *Push) Shutdown(ctx context.Context) error {
	p.Push(EventShutdown, nil)

	p.mu.Lock()
	p.stopped = true
	if p.timer != nil {
		if p.timer.Stop() {
			// The AfterFunc will never run, release its wait slot.
			p.wg.Done()
		}
		p.timer = nil
	}
	p.mu.Unlock()
	p.wg.Wait()

	for p.queue.NbItems() > 0 {
		chunk := p.queue.PopChunk(p.cfg.ChunkSize)
		if len(chunk) == 0 {
			break
		}
		if err := p.sink.Deliver(ctx, chunk); err != nil {
			p.queue.InsertBackChunk(chunk)
			p.logger.Warn("final drain stopped, packets kept for next run",
				"backlog", p.queue.NbItems(), "error", err)
			break
		}
		p.mu.Lock()
		if id := lastPacketID(chunk); id > p.lastPush {
			p.lastPush = id
		}
		p.mu.Unlock()
	}

	if err := p.queue.Save(); err != nil {
		p.logger.Error("queue save failed", "error", err)
	}
	if p.cfg.StatePath == "" {
		return nil
	}
	p.mu.Lock()
	st := pushState{Started: p.started, NextID: p.nextID, LastIDPushed: p.lastPush}
	p.mu.Unlock()
	return saveState(p.cfg.StatePath, st)
}
