// Package geo maps upstream addresses to ISO country codes using a MaxMind
// GeoIP2 or GeoLite2 country database.
package geo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnknown is returned when the database has no country for an address.
var ErrUnknown = errors.New("geo: country unknown")

// DB is an open country database. A nil *DB answers every lookup with an
// empty code.
type DB struct {
	reader *geoip2.Reader
}

// Open opens the .mmdb file at path.
func Open(path string) (*DB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	return &DB{reader: r}, nil
}

// Country returns the ISO 3166-1 alpha-2 code for addr.
func (d *DB) Country(addr netip.Addr) (string, error) {
	if d == nil || d.reader == nil {
		return "", nil
	}
	if !addr.IsValid() {
		return "", errors.New("geo: invalid address")
	}
	rec, err := d.reader.Country(net.IP(addr.Unmap().AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geo: lookup %s: %w", addr, err)
	}
	if rec.Country.IsoCode == "" {
		return "", ErrUnknown
	}
	return rec.Country.IsoCode, nil
}

// Close releases the database.
func (d *DB) Close() error {
	if d == nil || d.reader == nil {
		return nil
	}
	return d.reader.Close()
}
