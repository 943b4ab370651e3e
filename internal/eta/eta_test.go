package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fixer-dispatch/internal/models"
)

const osrmBody = `{
  "code": "Ok",
  "routes": [{
    "duration": 120.5,
    "distance": 900,
    "geometry": {"coordinates": [[-122.41, 37.77], [-122.40, 37.775]]},
    "legs": [{"steps": [
      {"name": "Market St", "distance": 600, "duration": 80, "maneuver": {"type": "depart", "modifier": ""}},
      {"name": "", "distance": 300, "duration": 40.5, "maneuver": {"type": "arrive", "modifier": "left"}}
    ]}]
  }]
}`

func TestOSRMDirections(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/-122.410000,37.770000;"))
		_, _ = w.Write([]byte(osrmBody))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	route, d, err := c.Directions(context.Background(), models.Coord{Lat: 37.77, Lon: -122.41}, models.Coord{Lat: 37.775, Lon: -122.40})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "steps=true")
	assert.Equal(t, 120500*time.Millisecond, d)
	require.Len(t, route.Coordinates, 2)
	assert.Equal(t, models.Coord{Lat: 37.77, Lon: -122.41}, route.Coordinates[0])
	require.Len(t, route.Steps, 2)
	assert.Equal(t, "depart onto Market St", route.Steps[0].Instruction)
	assert.Equal(t, "arrive left", route.Steps[1].Instruction)
	assert.Equal(t, 900.0, route.DistanceMeters)
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}

func TestOSRMUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, _, err := NewOSRMClient(url).Directions(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.True(t, errors.Is(err, models.ErrNoResponse))
}

func TestNaiveRouter(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0.01, Lon: 0}
	route, d, err := NaiveRouter{SpeedMps: 10}.Directions(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, []models.Coord{from, to}, route.Coordinates)
	assert.InDelta(t, 111.2, d.Seconds(), 0.5)

	_, _, err = NaiveRouter{}.Directions(context.Background(), models.Coord{Lat: 91}, to)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestCacheExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}

	c.Set(a, b, 42)
	v, ok := c.Get(a, b)
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = c.Get(b, a)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(a, b)
	assert.False(t, ok)
}
