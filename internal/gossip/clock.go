package gossip

import (
	"strconv"
	"sync"
	"time"

	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
)

const clockPersistInterval = 5 * time.Second
const clockStateKey = "lamport_clock"

// Clock is a Lamport logical clock (§4.6): tick() advances it for a
// local event, witness() advances it past an observed remote value.
type Clock struct {
	mu      sync.Mutex
	counter uint64
	store   storage.Store

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClock restores the persisted counter (if any); Start begins the
// 5s persistence loop.
func NewClock(store storage.Store) *Clock {
	c := &Clock{store: store, stopCh: make(chan struct{})}
	if v, ok, err := store.GetState(clockStateKey); err == nil && ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.counter = n
		}
	}
	return c
}

// Start launches the periodic persistence loop.
func (c *Clock) Start() {
	c.wg.Add(1)
	go c.persistLoop()
}

// Stop ends the persistence loop and flushes the current value.
func (c *Clock) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.persist()
}

func (c *Clock) persistLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(clockPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.persist()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Clock) persist() {
	c.mu.Lock()
	v := c.counter
	c.mu.Unlock()
	if err := c.store.SetState(clockStateKey, strconv.FormatUint(v, 10)); err != nil {
		log.Logger().Warn().Err(err).Msg("gossip: persist lamport clock failed")
	}
}

// Tick advances the clock for a local send event and returns the new
// value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Witness advances the clock past an observed remote timestamp.
func (c *Clock) Witness(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.counter {
		c.counter = remote
	}
	c.counter++
	return c.counter
}

// Value returns the current counter without advancing it.
func (c *Clock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
