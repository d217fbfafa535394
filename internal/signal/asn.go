package signal

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oschwald/maxminddb-golang/v2"
)

// ASNResolver maps an address to its network-origin identifier. The
// edge header is always preferred; this resolver only fills the gap
// when the deployment has no edge network in front of it.
type ASNResolver interface {
	// Lookup returns the autonomous-system number (as a decimal
	// string) and organization for an address.
	Lookup(ip string) (asn, org string, err error)
	Close() error
}

type asnRecord struct {
	Number uint32 `maxminddb:"autonomous_system_number"`
	Org    string `maxminddb:"autonomous_system_organization"`
}

type cachedASN struct {
	asn string
	org string
}

type mmdbResolver struct {
	db    *maxminddb.Reader
	cache *expirable.LRU[string, cachedASN]
}

// OpenASNDatabase opens a MaxMind ASN database. Lookups are cached in a
// small expiring LRU because the same addresses recur within a rate
// window.
func OpenASNDatabase(path string) (ASNResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asn database: %w", err)
	}
	return &mmdbResolver{
		db:    db,
		cache: expirable.NewLRU[string, cachedASN](4096, nil, 10*time.Minute),
	}, nil
}

func (r *mmdbResolver) Lookup(ip string) (string, string, error) {
	if hit, ok := r.cache.Get(ip); ok {
		return hit.asn, hit.org, nil
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", "", fmt.Errorf("invalid IP address: %w", err)
	}

	var record asnRecord
	if err := r.db.Lookup(addr).Decode(&record); err != nil {
		return "", "", fmt.Errorf("asn lookup failed: %w", err)
	}

	var asn string
	if record.Number > 0 {
		asn = strconv.FormatUint(uint64(record.Number), 10)
	}
	r.cache.Add(ip, cachedASN{asn: asn, org: record.Org})
	return asn, record.Org, nil
}

func (r *mmdbResolver) Close() error {
	return r.db.Close()
}
