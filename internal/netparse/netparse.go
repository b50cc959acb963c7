// Package netparse holds the output-parsing grammar the infrastructure
// adapter relies on: public address extraction, provider inference,
// interface naming, and the static region latency table. Kept separate
// from command execution so the heuristics are testable on their own.
package netparse

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/netip"
	"regexp"
	"strings"
)

// IfaceNameMaxLen is the kernel limit on network interface names
// (IFNAMSIZ minus the trailing NUL).
const IfaceNameMaxLen = 15

var (
	safeTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
	ipv4Pattern      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	routeTablePat    = regexp.MustCompile(`\btable\s+(\S+)\b`)
	routeDevicePat   = regexp.MustCompile(`\bdev\s+(\S+)\b`)
	slugPattern      = regexp.MustCompile(`[^a-z0-9-]`)
)

// EnsureSafeToken rejects values that could escape an argument vector.
func EnsureSafeToken(field, value string) error {
	if !safeTokenPattern.MatchString(value) {
		return fmt.Errorf("unsafe value for %s: %q", field, value)
	}
	return nil
}

// Slug lowercases value and collapses anything outside [a-z0-9-].
func Slug(value string) string {
	return slugPattern.ReplaceAllString(strings.ToLower(value), "-")
}

// ShortCode derives a two-letter region code for naming.
func ShortCode(region string) string {
	var cleaned []rune
	for _, r := range strings.ToLower(region) {
		if r >= 'a' && r <= 'z' {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) < 2 {
		return "xx"
	}
	return string(cleaned[:2])
}

// SafeIfaceName builds prefix+slug(seed) bounded to IfaceNameMaxLen.
// When the derived name would exceed the limit the slug is replaced
// with a content hash of the seed so names stay both bounded and
// collision-resistant.
func SafeIfaceName(prefix, seed string) string {
	candidate := prefix + Slug(seed)
	if len(candidate) <= IfaceNameMaxLen {
		return candidate
	}
	sum := sha1.Sum([]byte(seed))
	digest := hex.EncodeToString(sum[:])
	available := IfaceNameMaxLen - len(prefix)
	if available <= 0 {
		return digest[:IfaceNameMaxLen]
	}
	return prefix + digest[:available]
}

// FirstGlobalIPv4 scans free-form command output for the first IPv4
// literal that is a valid, globally-routable address.
func FirstGlobalIPv4(text string) (string, bool) {
	for _, token := range ipv4Pattern.FindAllString(text, -1) {
		addr, err := netip.ParseAddr(token)
		if err != nil || !addr.Is4() {
			continue
		}
		if isGlobalIPv4(addr) {
			return addr.String(), true
		}
	}
	return "", false
}

// nonGlobalIPv4Prefixes are the reserved ranges the stdlib predicates
// miss: shared address space (CGNAT), the three TEST-NET blocks,
// benchmarking, and the class E reserved block (which also covers
// broadcast).
var nonGlobalIPv4Prefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

func isGlobalIPv4(addr netip.Addr) bool {
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(), addr.IsMulticast(), addr.IsUnspecified():
		return false
	}
	for _, prefix := range nonGlobalIPv4Prefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}

// DerivePublicIP deterministically fabricates a plausible public IPv4
// from a seed; used on simulated/mock paths where no real address
// exists. Identical seeds always yield identical addresses.
func DerivePublicIP(seed string) string {
	h := fnv.New64a()
	h.Write([]byte(seed))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	return fmt.Sprintf("%d.%d.%d.%d",
		23+rng.Intn(201), rng.Intn(256), rng.Intn(256), 1+rng.Intn(254))
}

// DetectProvider infers the tunnel provider from command text when the
// transport did not report one explicitly.
func DetectProvider(commandText string) string {
	joined := strings.ToLower(commandText)
	if strings.Contains(joined, "openvpn") || strings.Contains(joined, "proxy") || strings.Contains(joined, "tun0") {
		return "OpenVPN"
	}
	if strings.Contains(joined, "wg") {
		return "WireGuard"
	}
	return "AutoProvisioned"
}

// regionLatency is a static estimate table; unknown regions get the
// default.
var regionLatency = map[string]int{
	"spain":   45,
	"usa":     120,
	"us":      120,
	"japan":   280,
	"germany": 75,
	"de":      75,
	"france":  65,
	"uk":      70,
}

const defaultLatencyMs = 110

// EstimateLatencyMs looks up the static region latency estimate.
func EstimateLatencyMs(region string) int {
	if ms, ok := regionLatency[strings.ToLower(strings.TrimSpace(region))]; ok {
		return ms
	}
	return defaultLatencyMs
}

// RouteEntry is one routing table/device pair from a security snapshot.
type RouteEntry struct {
	Table string `json:"table"`
	Dev   string `json:"dev"`
}

// ParseNamespaces extracts namespace names from `ip netns list` output.
func ParseNamespaces(output string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, strings.Fields(line)[0])
	}
	return names
}

// ParseRoutingTables reads `ip route` output, preferring the JSON form
// and falling back to line patterns.
func ParseRoutingTables(output string) []RouteEntry {
	var rows []map[string]any
	if err := json.Unmarshal([]byte(output), &rows); err == nil {
		var entries []RouteEntry
		for _, row := range rows {
			dev, ok := row["dev"].(string)
			if !ok || dev == "" {
				continue
			}
			table := "main"
			switch t := row["table"].(type) {
			case string:
				table = t
			case float64:
				table = fmt.Sprintf("%d", int(t))
			}
			entries = append(entries, RouteEntry{Table: table, Dev: dev})
		}
		if len(entries) > 0 {
			return entries
		}
	}

	var entries []RouteEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		devMatch := routeDevicePat.FindStringSubmatch(line)
		if devMatch == nil {
			continue
		}
		table := "main"
		if tableMatch := routeTablePat.FindStringSubmatch(line); tableMatch != nil {
			table = tableMatch[1]
		}
		entries = append(entries, RouteEntry{Table: table, Dev: devMatch[1]})
	}
	return entries
}
