package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fixer-dispatch/internal/models"
)

// RedisGeo implements Pool using Redis GEO commands. Offline fixers are
// removed from the geo set; their metadata hash is kept.
type RedisGeo struct {
	client       *redis.Client
	key          string
	radiusMeters float64
}

func NewRedisGeo(client *redis.Client, key string, radiusMeters float64) *RedisGeo {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	return &RedisGeo{client: client, key: key, radiusMeters: radiusMeters}
}

func (r *RedisGeo) Upsert(ctx context.Context, f models.Fixer) error {
	pipe := r.client.TxPipeline()
	if f.Online {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: f.Loc.Lon, Latitude: f.Loc.Lat, Name: f.ID})
	} else {
		pipe.ZRem(ctx, r.key, f.ID)
	}
	pipe.HSet(ctx, MetaKey(f.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(f.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(f.Online),
		"updated": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert fixer %s: %w", f.ID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, limit int) ([]models.Fixer, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     r.radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fixer metadata: %w", err)
	}

	out := make([]models.Fixer, 0, len(res))
	for i, g := range res {
		f := models.Fixer{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}, Online: true}
		m := metas[i].Val()
		if v, ok := m["rating"]; ok {
			if rating, err := strconv.ParseFloat(v, 64); err == nil {
				f.Rating = rating
			}
		}
		if v, ok := m["online"]; ok {
			f.Online = v == "true"
		}
		if v, ok := m["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				f.Updated = ts
			}
		}
		if !f.Online {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func MetaKey(id string) string { return "fixer:meta:" + id }
