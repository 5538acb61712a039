// Package floorplan keeps the latest floor-plan image served by the map
// service.
package floorplan

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/metrics"
)

// Fetcher retrieves the raw image.
type Fetcher interface {
	Fetch(ctx context.Context) (data []byte, contentType string, err error)
}

// Image is one version of the floor plan. Data must not be modified.
type Image struct {
	Version     uint64
	ContentType string
	Data        []byte
	FetchedAt   time.Time
}

// Cache polls a Fetcher: every RetryInterval until the first success, then
// every RefreshInterval. A new Image supersedes the previous one only when
// its bytes differ.
type Cache struct {
	fetcher         Fetcher
	retryInterval   time.Duration
	refreshInterval time.Duration

	mu      sync.RWMutex
	current *Image
	nextID  int
	subs    map[int]chan Image
}

func NewCache(f Fetcher, retry, refresh time.Duration) *Cache {
	return &Cache{
		fetcher:         f,
		retryInterval:   retry,
		refreshInterval: refresh,
		subs:            make(map[int]chan Image),
	}
}

// Run blocks until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	logger := log.With().Str("module", "floorplan").Logger()
	for {
		if err := c.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("floor plan fetch failed")
		}

		wait := c.refreshInterval
		if _, ok := c.Current(); !ok {
			wait = c.retryInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			logger.Info().Msg("floor plan cache stopped")
			return
		case <-t.C:
		}
	}
}

// Refresh fetches once and installs the result if it changed.
func (c *Cache) Refresh(ctx context.Context) error {
	data, contentType, err := c.fetcher.Fetch(ctx)
	if err != nil {
		metrics.FloorPlanFetchesTotal.WithLabelValues("error").Inc()
		return err
	}

	c.mu.Lock()
	if c.current != nil && bytes.Equal(c.current.Data, data) && c.current.ContentType == contentType {
		c.mu.Unlock()
		metrics.FloorPlanFetchesTotal.WithLabelValues("unchanged").Inc()
		return nil
	}
	img := Image{
		ContentType: contentType,
		Data:        data,
		FetchedAt:   time.Now(),
	}
	if c.current != nil {
		img.Version = c.current.Version + 1
	} else {
		img.Version = 1
	}
	c.current = &img
	for _, ch := range c.subs {
		// Keep only the newest version for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- img
	}
	c.mu.Unlock()

	metrics.FloorPlanFetchesTotal.WithLabelValues("ok").Inc()
	log.Info().
		Str("module", "floorplan").
		Uint64("version", img.Version).
		Int("bytes", len(data)).
		Msg("floor plan updated")
	return nil
}

func (c *Cache) Current() (Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Image{}, false
	}
	return *c.current, true
}

// Subscribe returns a channel that receives every new version. The
// channel is never closed; call cancel to stop delivery.
func (c *Cache) Subscribe() (<-chan Image, func()) {
	ch := make(chan Image, 1)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
