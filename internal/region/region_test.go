package region

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fixedLocator struct {
	lat, lng float64
	ok       bool
}

func (f fixedLocator) Locate(ctx context.Context, ip string) (float64, float64, bool) {
	return f.lat, f.lng, f.ok
}

func TestResolve_ExactMatch(t *testing.T) {
	r := NewResolver(nil)
	res := r.Resolve(context.Background(), "Quebec", "")
	assert.Equal(t, "northamerica-northeast1-a", res.Zone)
	assert.Equal(t, TierExact, res.Tier)
}

func TestResolve_SubstringMatch(t *testing.T) {
	r := NewResolver(nil)
	res := r.Resolve(context.Background(), "somewhere near Frankfurt, DE", "")
	assert.Equal(t, "europe-west3-a", res.Zone)
	assert.Equal(t, TierSubstring, res.Tier)
}

func TestResolve_UnknownLocation_NoLocator_FallsBackByContinentHint(t *testing.T) {
	r := NewResolver(nil)

	res := r.Resolve(context.Background(), "Nowhereland", "")
	assert.Equal(t, "us-central1-a", res.Zone)
	assert.Equal(t, TierFallback, res.Tier)

	res = r.Resolve(context.Background(), "Unknown location in Europe", "")
	assert.Equal(t, "europe-west1-a", res.Zone)
	assert.Equal(t, TierFallback, res.Tier)

	res = r.Resolve(context.Background(), "Remote Asia outpost", "")
	assert.Equal(t, "asia-east1-a", res.Zone)
	assert.Equal(t, TierFallback, res.Tier)
}

func TestResolve_Geolocation_WithinThreshold(t *testing.T) {
	// Coordinates very close to us-east4-a (Virginia).
	locator := fixedLocator{lat: 37.5, lng: -78.7, ok: true}
	r := NewResolver(locator)

	res := r.Resolve(context.Background(), "some obscure US location", "8.8.8.8")
	assert.Equal(t, "us-east4-a", res.Zone)
	assert.Equal(t, TierGeolocation, res.Tier)
	assert.Less(t, res.DistanceKm, geolocationMaxDistanceKm)
}

func TestResolve_Geolocation_BeyondThreshold_FallsThroughToTier3(t *testing.T) {
	// A point in the middle of the Pacific Ocean, far from every zone.
	locator := fixedLocator{lat: 0, lng: -150, ok: true}
	r := NewResolver(locator)

	res := r.Resolve(context.Background(), "Nowhereland", "1.2.3.4")
	assert.Equal(t, TierFallback, res.Tier)
	assert.Equal(t, "us-central1-a", res.Zone)
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// London to Paris is approximately 344km.
	d := haversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 344, d, 15)
}

func TestClosestZone_RespectsMaxDistance(t *testing.T) {
	zone, dist, ok := closestZone(51.5074, -0.1278, 500)
	assert.True(t, ok)
	assert.Equal(t, "europe-west2-a", zone)
	assert.Less(t, dist, 50.0)

	_, _, ok = closestZone(0, -150, 500)
	assert.False(t, ok)
}
