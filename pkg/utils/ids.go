package utils

import (
	"regexp"
	"slices"
	"strings"
)

var cveIDPattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)

// ExtractCveIDs returns the distinct CVE identifiers mentioned in texts,
// upper-cased and sorted.
func ExtractCveIDs(texts ...string) []string {
	candidates := map[string]struct{}{}
	for _, text := range texts {
		for _, id := range cveIDPattern.FindAllString(text, -1) {
			candidates[strings.ToUpper(id)] = struct{}{}
		}
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
