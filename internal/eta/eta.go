package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/fixer-dispatch/internal/geo"
	"github.com/example/fixer-dispatch/internal/models"
)

// Router computes a route and travel time between two points.
type Router interface {
	Directions(ctx context.Context, from, to models.Coord) (models.Route, time.Duration, error)
}

// Estimator returns a travel time in seconds; the matcher uses it for scoring.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

// NaiveRouter is a Router that draws a straight line. Used when no routing
// engine is configured and as a fallback in tests.
type NaiveRouter struct {
	SpeedMps float64
}

func (n NaiveRouter) Directions(_ context.Context, from, to models.Coord) (models.Route, time.Duration, error) {
	if !from.Valid() || !to.Valid() {
		return models.Route{}, 0, models.NewValidationError("location", "out of range")
	}
	secs := EstimateSeconds(from, to, n.SpeedMps)
	r := models.Route{
		Coordinates:     []models.Coord{from, to},
		Steps:           []models.RouteStep{{Instruction: "Head to destination", DistanceMeters: geo.Distance(from, to), DurationSeconds: secs}},
		DistanceMeters:  geo.Distance(from, to),
		DurationSeconds: secs,
	}
	return r, time.Duration(secs * float64(time.Second)), nil
}
