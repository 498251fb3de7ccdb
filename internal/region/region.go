// Package region implements the Region Resolver (C8): maps a GPU
// marketplace's free-text geolocation string onto the nearest standby-cloud
// zone the Standby Manager should provision a CPU instance in. Grounded
// directly on original_source/src/services/sync_machine_service.py's
// REGION_MAP (Tier 1, exact/substring match) and
// original_source/src/services/geolocation_service.py's haversine distance
// search (Tier 2) and three-way fallback (Tier 3).
package region

import (
	"context"
	"math"
	"sort"
	"strings"
)

// zoneMap is Tier 1: known marketplace geolocation strings mapped directly
// to a standby zone. Keys are matched case-insensitively, first by exact
// match then by substring, exactly as REGION_MAP in the original.
var zoneMap = map[string]string{
	"California, US": "us-west2-a",
	"Los Angeles":    "us-west2-a",
	"LA":             "us-west2-a",
	"Oregon, US":     "us-west1-a",
	"Washington, US": "us-west1-a",
	"Seattle":        "us-west1-a",
	"Nevada, US":     "us-west4-a",
	"Las Vegas":      "us-west4-a",

	"Utah, US":     "us-central1-a",
	"Iowa, US":     "us-central1-a",
	"Illinois, US": "us-central1-a",
	"Chicago":      "us-central1-a",
	"Texas, US":    "us-south1-a",
	"Dallas":       "us-south1-a",
	"Kansas, US":   "us-central1-a",
	"Oklahoma, US": "us-central1-a",
	"Missouri, US": "us-central1-a",

	"Virginia, US":       "us-east4-a",
	"New York, US":       "us-east4-a",
	"NYC":                "us-east4-a",
	"North Carolina, US": "us-east1-a",
	"South Carolina, US": "us-east1-a",
	"Georgia, US":        "us-east1-a",
	"Atlanta":            "us-east1-a",
	"Florida, US":        "us-east1-a",
	"Miami":              "us-east1-a",

	"Quebec":   "northamerica-northeast1-a",
	"Montreal": "northamerica-northeast1-a",
	"Montréal": "northamerica-northeast1-a",
	"QC":       "northamerica-northeast1-a",
	"Ontario":  "northamerica-northeast1-a",
	"Toronto":  "northamerica-northeast1-a",
	"Canada":   "northamerica-northeast1-a",

	"Brazil":    "southamerica-east1-a",
	"São Paulo": "southamerica-east1-a",
	"Sao Paulo": "southamerica-east1-a",
	"BR":        "southamerica-east1-a",
	"Chile":     "southamerica-west1-a",
	"Santiago":  "southamerica-west1-a",
	"Argentina": "southamerica-east1-a",

	"Belgium, BE":     "europe-west1-a",
	"Belgium":         "europe-west1-a",
	"Brussels":        "europe-west1-a",
	"Netherlands, NL": "europe-west4-a",
	"Netherlands":     "europe-west4-a",
	"Amsterdam":       "europe-west4-a",
	"UK":              "europe-west2-a",
	"United Kingdom":  "europe-west2-a",
	"London":          "europe-west2-a",
	"GB":              "europe-west2-a",
	"Ireland":         "europe-west1-a",
	"Dublin":          "europe-west1-a",
	"France":          "europe-west9-a",
	"Paris":           "europe-west9-a",
	"FR":              "europe-west9-a",

	"Germany, DE": "europe-west3-a",
	"Germany":     "europe-west3-a",
	"Frankfurt":   "europe-west3-a",
	"Berlin":      "europe-west3-a",
	"DE":          "europe-west3-a",
	"Switzerland": "europe-west6-a",
	"Zurich":      "europe-west6-a",
	"CH":          "europe-west6-a",
	"Austria":     "europe-west3-a",
	"Vienna":      "europe-west3-a",

	"Finland, FI": "europe-north1-a",
	"Finland":     "europe-north1-a",
	"Helsinki":    "europe-north1-a",
	"Sweden":      "europe-north1-a",
	"Stockholm":   "europe-north1-a",
	"Norway":      "europe-north1-a",
	"Oslo":        "europe-north1-a",
	"Denmark":     "europe-north1-a",
	"Copenhagen":  "europe-north1-a",

	"Poland, PL": "europe-central2-a",
	"Poland":     "europe-central2-a",
	"Warsaw":     "europe-central2-a",
	"PL":         "europe-central2-a",

	"Spain": "europe-southwest1-a",
	"Madrid": "europe-southwest1-a",
	"Italy":  "europe-west8-a",
	"Milan":  "europe-west8-a",

	"Taiwan, TW": "asia-east1-a",
	"Taiwan":     "asia-east1-a",
	"TW":         "asia-east1-a",
	"Hong Kong":  "asia-east2-a",
	"HK":         "asia-east2-a",
	"Japan, JP":  "asia-northeast1-a",
	"Japan":      "asia-northeast1-a",
	"Tokyo":      "asia-northeast1-a",
	"JP":         "asia-northeast1-a",
	"South Korea": "asia-northeast3-a",
	"Seoul":       "asia-northeast3-a",
	"Korea":       "asia-northeast3-a",
	"KR":          "asia-northeast3-a",

	"Singapore, SG": "asia-southeast1-a",
	"Singapore":     "asia-southeast1-a",
	"SG":            "asia-southeast1-a",
	"Indonesia":     "asia-southeast2-a",
	"Jakarta":       "asia-southeast2-a",
	"Thailand":      "asia-southeast1-a",
	"Bangkok":       "asia-southeast1-a",
	"Vietnam":       "asia-southeast1-a",
	"Malaysia":      "asia-southeast1-a",

	"India":     "asia-south1-a",
	"Mumbai":    "asia-south1-a",
	"IN":        "asia-south1-a",
	"Bangalore": "asia-south1-a",
	"Delhi":     "asia-south1-a",

	"Australia, AU": "australia-southeast1-a",
	"Australia":     "australia-southeast1-a",
	"Sydney":        "australia-southeast1-a",
	"Melbourne":     "australia-southeast1-a",
	"AU":            "australia-southeast1-a",
	"New Zealand":   "australia-southeast1-a",
	"NZ":            "australia-southeast1-a",

	"Israel":  "me-west1-a",
	"Tel Aviv": "me-west1-a",
	"UAE":      "me-central1-a",
	"Dubai":    "me-central1-a",
}

// zoneCoordinates backs Tier 2: every zone's (lat, lng) pair, used to find
// the geographically closest zone to a free-form location whose text
// didn't match zoneMap.
var zoneCoordinates = map[string][2]float64{
	"northamerica-northeast1-a": {45.5017, -73.5673},
	"northamerica-northeast2-a": {43.6532, -79.3832},
	"us-central1-a":             {41.2619, -95.8608},
	"us-east1-a":                {33.1960, -80.0131},
	"us-east4-a":                {37.4316, -78.6569},
	"us-east5-a":                {39.0469, -77.4903},
	"us-south1-a":               {32.7767, -96.7970},
	"us-west1-a":                {45.6387, -121.1807},
	"us-west2-a":                {34.0522, -118.2437},
	"us-west3-a":                {43.8041, -111.7798},
	"us-west4-a":                {36.1699, -115.1398},
	"southamerica-east1-a":      {-23.5505, -46.6333},
	"southamerica-west1-a":      {-33.4489, -70.6693},

	"europe-central2-a":  {52.2297, 21.0122},
	"europe-north1-a":    {60.5693, 27.1878},
	"europe-southwest1-a": {40.4168, -3.7038},
	"europe-west1-a":     {50.4501, 3.8196},
	"europe-west2-a":     {51.5074, -0.1278},
	"europe-west3-a":     {50.1109, 8.6821},
	"europe-west4-a":     {52.3676, 4.9041},
	"europe-west6-a":     {47.3769, 8.5417},
	"europe-west8-a":     {45.4642, 9.1900},
	"europe-west9-a":     {48.8566, 2.3522},
	"europe-west10-a":    {52.5200, 13.4050},
	"europe-west12-a":    {45.0781, 7.6761},

	"asia-east1-a":      {24.0518, 120.5161},
	"asia-east2-a":      {22.3193, 114.1694},
	"asia-northeast1-a": {35.6762, 139.6503},
	"asia-northeast2-a": {34.6937, 135.5023},
	"asia-northeast3-a": {37.5665, 126.9780},
	"asia-south1-a":     {19.0760, 72.8777},
	"asia-south2-a":     {28.7041, 77.1025},
	"asia-southeast1-a": {1.3521, 103.8198},
	"asia-southeast2-a": {-6.2088, 106.8456},

	"australia-southeast1-a": {-33.8688, 151.2093},
	"australia-southeast2-a": {-37.8136, 144.9631},

	"me-central1-a": {25.2048, 55.2708},
	"me-west1-a":    {32.0853, 34.7818},
}

// Tier identifies which resolution strategy produced a Resolution.
type Tier int

const (
	TierExact Tier = iota
	TierSubstring
	TierGeolocation
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierSubstring:
		return "substring"
	case TierGeolocation:
		return "geolocation"
	case TierFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of resolving a marketplace geolocation string
// to a standby zone.
type Resolution struct {
	Zone       string
	Tier       Tier
	DistanceKm float64
}

// geolocationMaxDistanceKm is the Tier 2 acceptance threshold. The
// distilled specification for this resolver sets it to 500km, tighter than
// the 10,000km ceiling in the original — a closer standby machine matters
// more for sync/failover latency than maximizing Tier-2 hit rate.
const geolocationMaxDistanceKm = 500.0

// IPLocator resolves an IP address to (lat, lng) coordinates. Production
// wires this to an IP-geolocation API; tests substitute a fixed table.
type IPLocator interface {
	Locate(ctx context.Context, ip string) (lat, lng float64, ok bool)
}

// Resolver implements the three-tier region resolution algorithm.
type Resolver struct {
	locator IPLocator
}

// NewResolver constructs a Resolver. locator may be nil, in which case
// Tier 2 is skipped and resolution falls through to Tier 3.
func NewResolver(locator IPLocator) *Resolver {
	return &Resolver{locator: locator}
}

// Resolve maps geolocation (a marketplace-supplied free-text location, e.g.
// "Quebec, Canada") and, if geolocation doesn't match Tier 1, publicIP (used
// for Tier 2 IP geolocation) onto a standby zone.
func (r *Resolver) Resolve(ctx context.Context, geolocation, publicIP string) Resolution {
	if zone, ok := exactMatch(geolocation); ok {
		return Resolution{Zone: zone, Tier: TierExact}
	}
	if zone, ok := substringMatch(geolocation); ok {
		return Resolution{Zone: zone, Tier: TierSubstring}
	}

	if r.locator != nil && publicIP != "" {
		if lat, lng, ok := r.locator.Locate(ctx, publicIP); ok {
			if zone, dist, ok := closestZone(lat, lng, geolocationMaxDistanceKm); ok {
				return Resolution{Zone: zone, Tier: TierGeolocation, DistanceKm: dist}
			}
		}
	}

	return Resolution{Zone: fallbackZone(geolocation), Tier: TierFallback}
}

func exactMatch(geolocation string) (string, bool) {
	for key, zone := range zoneMap {
		if strings.EqualFold(key, geolocation) {
			return zone, true
		}
	}
	return "", false
}

func substringMatch(geolocation string) (string, bool) {
	lower := strings.ToLower(geolocation)

	// Iterate keys sorted longest-first so a more specific key (e.g.
	// "New York, US") beats a shorter one embedded within it (e.g. "US").
	keys := make([]string, 0, len(zoneMap))
	for k := range zoneMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, key := range keys {
		if strings.Contains(lower, strings.ToLower(key)) {
			return zoneMap[key], true
		}
	}
	return "", false
}

// closestZone finds the zone nearest (lat, lng) via the haversine great-
// circle distance, rejecting any match farther than maxDistanceKm.
func closestZone(lat, lng, maxDistanceKm float64) (string, float64, bool) {
	closestZone := ""
	minDistance := math.Inf(1)

	zones := make([]string, 0, len(zoneCoordinates))
	for z := range zoneCoordinates {
		zones = append(zones, z)
	}
	sort.Strings(zones) // deterministic iteration so ties resolve consistently

	for _, zone := range zones {
		coord := zoneCoordinates[zone]
		d := haversineKm(lat, lng, coord[0], coord[1])
		if d < minDistance {
			minDistance = d
			closestZone = zone
		}
	}

	if minDistance > maxDistanceKm {
		return "", minDistance, false
	}
	return closestZone, minDistance, true
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0

	rlat1, rlng1, rlat2, rlng2 := toRadians(lat1), toRadians(lng1), toRadians(lat2), toRadians(lng2)
	dlat := rlat2 - rlat1
	dlng := rlng2 - rlng1

	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Pow(math.Sin(dlng/2), 2)
	c := 2 * math.Asin(math.Sqrt(a))

	return earthRadiusKm * c
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// fallbackZone is Tier 3: when neither static mapping nor geolocation
// succeeds, route to one of three broad regional defaults by continent
// hint found anywhere in the raw geolocation text, generalizing the
// original's single 'us-central1-b' catch-all into a three-way split so an
// unrecognized European or Asian location doesn't end up paired with a
// North American standby.
func fallbackZone(geolocation string) string {
	lower := strings.ToLower(geolocation)
	switch {
	case strings.Contains(lower, "europe"):
		return "europe-west1-a"
	case strings.Contains(lower, "asia"):
		return "asia-east1-a"
	default:
		return "us-central1-a"
	}
}
