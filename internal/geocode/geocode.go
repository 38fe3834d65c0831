// Package geocode turns GPS coordinates into human readable place names
// using the Nominatim reverse geocoding API.
package geocode

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const DefaultEndpoint = "https://nominatim.openstreetmap.org/reverse"

// Store persists resolved places across runs. *mediascribe.DB implements it.
type Store interface {
	GeocodeLookup(ctx context.Context, key string) (string, bool, error)
	GeocodeStore(ctx context.Context, key, place string) error
}

type Options struct {
	Endpoint   string
	UserAgent  string
	HttpClient *http.Client
	Store      Store
	Logger     *slog.Logger

	// Limiter spaces outbound requests. Share one limiter between all
	// Geocoders talking to the same service. When nil, one request per
	// Interval is allowed.
	Limiter  *rate.Limiter
	Interval time.Duration
}

// Geocoder resolves places. Lookups of the same coordinate key are served
// from memory, then from the Store, and concurrent misses share one
// request.
type Geocoder struct {
	endpoint  string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	store     Store
	logger    *slog.Logger

	mem   *cache.Cache
	group singleflight.Group
}

// NewLimiter allows one request per interval.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func New(opts Options) *Geocoder {
	g := &Geocoder{
		endpoint:  cmp.Or(opts.Endpoint, DefaultEndpoint),
		userAgent: cmp.Or(opts.UserAgent, "mediascribe/1.0"),
		client:    opts.HttpClient,
		limiter:   opts.Limiter,
		store:     opts.Store,
		logger:    logging.OrDiscard(opts.Logger),
		mem:       cache.New(cache.NoExpiration, 0),
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: 30 * time.Second}
	}
	if g.limiter == nil {
		g.limiter = NewLimiter(opts.Interval)
	}
	return g
}

// Key is the cache key for a coordinate, rounded to about 11 meters.
func Key(lat, lon float64) string {
	return quantize(lat) + "," + quantize(lon)
}

// quantize renders f to four decimals. Values that round to zero from
// below would print as "-0.0000", a second key for the same place.
func quantize(f float64) string {
	s := strconv.FormatFloat(f, 'f', 4, 64)
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}

// Lookup returns the place name for gps, or an empty string when the
// service knows no place there. Failed lookups are not cached.
func (g *Geocoder) Lookup(ctx context.Context, gps mediascribe.GPS) (string, error) {
	key := Key(gps.Lat, gps.Lon)
	if v, ok := g.mem.Get(key); ok {
		return v.(string), nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		if v, ok := g.mem.Get(key); ok {
			return v.(string), nil
		}
		if g.store != nil {
			place, ok, err := g.store.GeocodeLookup(ctx, key)
			if err != nil {
				g.logger.Warn("geocode cache read failed", "key", key, "error", err)
			} else if ok {
				g.mem.SetDefault(key, place)
				return place, nil
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
		place, err := g.reverse(ctx, gps.Lat, gps.Lon)
		if err != nil {
			return "", err
		}
		g.logger.Debug("geocoded", "key", key, "place", place)

		g.mem.SetDefault(key, place)
		if g.store != nil {
			if err := g.store.GeocodeStore(ctx, key, place); err != nil {
				g.logger.Warn("geocode cache write failed", "key", key, "error", err)
			}
		}
		return place, nil
	})
	if err != nil {
		return "", fmt.Errorf("geocoding %s: %w", key, err)
	}
	return v.(string), nil
}

type address struct {
	City    string `json:"city"`
	Town    string `json:"town"`
	Village string `json:"village"`
	Hamlet  string `json:"hamlet"`
	County  string `json:"county"`
	State   string `json:"state"`
	Country string `json:"country"`
}

type reverseResponse struct {
	DisplayName string  `json:"display_name"`
	Address     address `json:"address"`
	Error       string  `json:"error"`
}

func (g *Geocoder) reverse(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("zoom", "14")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reverse geocode returned %s", resp.Status)
	}

	var rr reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("decoding reverse geocode response: %w", err)
	}
	// "Unable to geocode" is a definite answer for open water and the like.
	if rr.Error != "" {
		return "", nil
	}
	return formatPlace(rr), nil
}

func formatPlace(rr reverseResponse) string {
	a := rr.Address
	var parts []string
	for _, p := range []string{cmp.Or(a.City, a.Town, a.Village, a.Hamlet, a.County), a.State, a.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return rr.DisplayName
	}
	return strings.Join(parts, ", ")
}
