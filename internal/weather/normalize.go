package weather

var metaKeys = []string{
	"timezone",
	"timezone_abbreviation",
	"utc_offset_seconds",
	"latitude",
	"longitude",
	"elevation",
	"provider",
}

// NormalizeForecast reshapes a raw forecast payload into the canonical
// document. Missing sub-sections become empty objects.
func NormalizeForecast(raw RawPayload) Document {
	return Document{
		"current": subsection(raw, "current"),
		"hourly":  subsection(raw, "hourly"),
		"daily":   subsection(raw, "daily"),
		"meta":    extractMeta(raw),
		"raw":     rawOrEmpty(raw),
	}
}

// NormalizeMarine reshapes a raw marine payload into the canonical document.
func NormalizeMarine(raw RawPayload) Document {
	return Document{
		"hourly": subsection(raw, "hourly"),
		"daily":  subsection(raw, "daily"),
		"meta":   extractMeta(raw),
		"raw":    rawOrEmpty(raw),
	}
}

func normalize(kind SectionKind, raw RawPayload) Document {
	if kind == SectionMarine {
		return NormalizeMarine(raw)
	}
	return NormalizeForecast(raw)
}

func subsection(raw RawPayload, key string) map[string]any {
	if m, ok := raw[key].(map[string]any); ok {
		return m
	}
	if m, ok := raw[key].(RawPayload); ok {
		return map[string]any(m)
	}
	return map[string]any{}
}

func extractMeta(raw RawPayload) map[string]any {
	meta := make(map[string]any, len(metaKeys))
	for _, k := range metaKeys {
		if v, ok := raw[k]; ok && v != nil {
			meta[k] = v
		}
	}
	return meta
}

func rawOrEmpty(raw RawPayload) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	return map[string]any(raw)
}
