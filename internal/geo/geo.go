package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/fixer-dispatch/internal/models"
)

// Pool is the candidate set the dispatcher searches for available fixers.
type Pool interface {
	Nearby(ctx context.Context, at models.Coord, limit int) ([]models.Fixer, error)
	Upsert(ctx context.Context, f models.Fixer) error
}

// Index is an in-memory Pool used when no Redis is configured.
type Index struct {
	mu     sync.RWMutex
	fixers map[string]models.Fixer
	now    func() time.Time
}

func NewIndex() *Index {
	return &Index{fixers: make(map[string]models.Fixer), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, f models.Fixer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	f.Updated = g.now()
	g.fixers[f.ID] = f
	return nil
}

// naive scan; fine for the fallback index
func (g *Index) Nearby(_ context.Context, at models.Coord, limit int) ([]models.Fixer, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		f    models.Fixer
		dist float64
	}
	arr := make([]pair, 0, len(g.fixers))
	for _, f := range g.fixers {
		if !f.Online {
			continue
		}
		arr = append(arr, pair{f, Haversine(at.Lat, at.Lon, f.Loc.Lat, f.Loc.Lon)})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].f.ID < arr[j].f.ID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Fixer, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.f)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
