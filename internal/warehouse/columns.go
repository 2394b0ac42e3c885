package warehouse

import "strings"

// SponsorColumns picks the sponsor-email columns to query on a table.
// Configured candidates are matched case-insensitively against the
// catalog columns, preserving the catalog's spelling. When none match,
// it falls back to a heuristic: any column whose name contains both
// "sponsor" and "email". The result is de-duplicated, order preserving.
func SponsorColumns(cols []string, candidates []string) []string {
	if len(cols) == 0 {
		return nil
	}

	lower := make(map[string]string, len(cols))
	for _, c := range cols {
		lower[strings.ToLower(c)] = c
	}

	var avail []string
	for _, cand := range candidates {
		if actual, ok := lower[strings.ToLower(strings.TrimSpace(cand))]; ok {
			avail = append(avail, actual)
		}
	}
	if len(avail) > 0 {
		return dedupe(avail)
	}

	for _, c := range cols {
		lc := strings.ToLower(c)
		if strings.Contains(lc, "sponsor") && strings.Contains(lc, "email") {
			avail = append(avail, c)
		}
	}
	return dedupe(avail)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
