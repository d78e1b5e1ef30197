// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/logging"
)

// GeoResolver scores source addresses by geolocation. It is optional;
// a nil resolver scores everything neutral.
type GeoResolver struct {
	db     *geoip2.Reader
	logger *logging.Logger

	// highRisk are ISO country codes scored at the top of the range.
	highRisk map[string]struct{}
}

// Countries flagged for elevated scrutiny by default. Operators tune
// this per deployment.
var defaultHighRiskCountries = []string{"KP", "IR"}

// NewGeoResolver opens a GeoIP2/GeoLite2 country database. An empty
// path returns a nil resolver, which is valid.
func NewGeoResolver(path string) (*GeoResolver, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "geoip database open failed")
	}
	hr := make(map[string]struct{}, len(defaultHighRiskCountries))
	for _, c := range defaultHighRiskCountries {
		hr[c] = struct{}{}
	}
	return &GeoResolver{
		db:       db,
		logger:   logging.WithComponent("geoip"),
		highRisk: hr,
	}, nil
}

// Close releases the database.
func (g *GeoResolver) Close() error {
	if g == nil {
		return nil
	}
	return g.db.Close()
}

// Risk scores an address in [0,1]. Private and unresolvable addresses
// score neutral-low; flagged countries score high.
func (g *GeoResolver) Risk(addr netip.Addr) float64 {
	if !addr.IsValid() {
		return 0.5
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		return 0.1
	}
	if g == nil {
		return 0.5
	}

	country, err := g.db.Country(net.IP(addr.AsSlice()))
	if err != nil || country.Country.IsoCode == "" {
		return 0.5
	}
	if _, ok := g.highRisk[country.Country.IsoCode]; ok {
		return 0.9
	}
	return 0.3
}
