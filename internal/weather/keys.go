package weather

import (
	"fmt"
	"sort"
	"strings"
)

const keyVersion = "v1"

// SectionKey builds the cache key for a single-section request.
func SectionKey(kind SectionKind, tenant, timezone string, units Units, days int) string {
	return fmt.Sprintf("weather:%s:%s:tz:%s:u:%s:days:%d:%s", kind, tenant, timezone, units, days, keyVersion)
}

// BundleKey builds the cache key for a multi-section request. Sections are
// de-duplicated and sorted, so input order never changes the key.
func BundleKey(tenant, timezone string, units Units, days int, sections []string) string {
	return fmt.Sprintf("weather:bundle:%s:tz:%s:u:%s:days:%d:sections:%s:%s",
		tenant, timezone, units, days, strings.Join(canonicalSections(sections), ","), keyVersion)
}

func canonicalSections(sections []string) []string {
	seen := make(map[string]struct{}, len(sections))
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func circuitKey(tenant string, kind SectionKind) string {
	return "weather:circuit:" + tenant + ":" + string(kind)
}
