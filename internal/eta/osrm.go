package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/fixer-dispatch/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Legs []struct {
			Steps []struct {
				Name     string  `json:"name"`
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
				Maneuver struct {
					Type     string `json:"type"`
					Modifier string `json:"modifier"`
				} `json:"maneuver"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

func (o *OSRMClient) route(ctx context.Context, from, to models.Coord, full bool) (*osrmResponse, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	if full {
		url += "?overview=full&geometries=geojson&steps=true"
	} else {
		url += "?overview=false"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osrm: %w: %v", models.ErrNoResponse, err)
	}
	defer resp.Body.Close()
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return &out, nil
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	out, err := o.route(ctx, from, to, false)
	if err != nil {
		return 0, err
	}
	return out.Routes[0].Duration, nil
}

// Directions returns the full geometry and turn-by-turn steps.
func (o *OSRMClient) Directions(ctx context.Context, from, to models.Coord) (models.Route, time.Duration, error) {
	out, err := o.route(ctx, from, to, true)
	if err != nil {
		return models.Route{}, 0, err
	}
	r := out.Routes[0]
	route := models.Route{DistanceMeters: r.Distance, DurationSeconds: r.Duration}
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		route.Coordinates = append(route.Coordinates, models.Coord{Lat: c[1], Lon: c[0]})
	}
	for _, leg := range r.Legs {
		for _, s := range leg.Steps {
			route.Steps = append(route.Steps, models.RouteStep{
				Instruction:     instruction(s.Maneuver.Type, s.Maneuver.Modifier, s.Name),
				DistanceMeters:  s.Distance,
				DurationSeconds: s.Duration,
			})
		}
	}
	return route, time.Duration(r.Duration * float64(time.Second)), nil
}

func instruction(kind, modifier, name string) string {
	parts := []string{kind}
	if modifier != "" {
		parts = append(parts, modifier)
	}
	if name != "" {
		parts = append(parts, "onto "+name)
	}
	return strings.Join(parts, " ")
}
