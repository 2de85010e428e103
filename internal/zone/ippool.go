package zone

import (
	"crypto/sha256"
	"encoding/binary"
	"net"

	"github.com/relaymta/relaymta/internal/zoneconfig"
)

// Family selects which address pool to draw from.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// IPPool holds one zone's ordered source-address lists and performs
// deterministic-but-load-spread selection per §4.3.
type IPPool struct {
	v4   []zoneconfig.IPPoolEntry
	v6   []zoneconfig.IPPoolEntry
	salt string
}

func NewIPPool(v4, v6 []zoneconfig.IPPoolEntry, salt string) *IPPool {
	return &IPPool{v4: v4, v6: v6, salt: salt}
}

// Select returns (address, ehloName) for deliveryID and family, excluding
// any entry whose address appears in disabled. If the filtered pool is
// empty it returns the family's unspecified address and poolDisabled=true.
func (p *IPPool) Select(deliveryID string, family Family, disabled []string) (addr, ehlo string, poolDisabled bool) {
	pool := p.v4
	unspecified := "0.0.0.0"
	if family == FamilyIPv6 {
		pool = p.v6
		unspecified = "::"
	}

	filtered := make([]zoneconfig.IPPoolEntry, 0, len(pool))
	for _, e := range pool {
		if isDisabled(e.Address, disabled) {
			continue
		}
		filtered = append(filtered, e)
	}

	if len(filtered) == 0 {
		return unspecified, "", true
	}

	idx := hashIndex(deliveryID+p.salt, len(filtered))
	return filtered[idx].Address, filtered[idx].EHLO, false
}

func isDisabled(addr string, disabled []string) bool {
	for _, d := range disabled {
		if d == addr {
			return true
		}
	}
	return false
}

// hashIndex computes hash(key) mod n using SHA-256, matching §4.3's
// `hash(delivery.id || zoneSalt) mod |filteredPool|` selection rule.
func hashIndex(key string, n int) int {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint64(sum[:8])
	return int(v % uint64(n))
}

// ParseFamily reports which address family an already-resolved IP
// belongs to, used by the Zone Worker once a connector has picked an MX
// address (the chosen source family follows the destination family).
func ParseFamily(ip string) Family {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.To4() == nil {
		return FamilyIPv6
	}
	return FamilyIPv4
}
