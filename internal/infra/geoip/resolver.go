package geoip

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnavailable signals that no GeoIP database was configured.
var ErrUnavailable = errors.New("geoip resolver unavailable")

// CountryResolver maps an IP address to an ISO 3166-1 country code.
type CountryResolver interface {
	CountryCode(ip string) (string, error)
}

// Resolver answers country lookups from a local MaxMind GeoIP2 database.
type Resolver struct {
	db *geoip2.Reader
}

// NewResolver opens the database at path. An empty path disables geo
// resolution and yields a nil resolver, not an error.
func NewResolver(path string) (CountryResolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open database: %w", err)
	}
	return &Resolver{db: db}, nil
}

// CountryCode looks up the country for ip. Unknown IPs resolve to the empty
// string without an error.
func (r *Resolver) CountryCode(ip string) (string, error) {
	if r == nil || r.db == nil {
		return "", ErrUnavailable
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	record, err := r.db.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip: lookup country: %w", err)
	}
	if record == nil {
		return "", nil
	}
	return record.Country.IsoCode, nil
}

// Close releases the database reader.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
