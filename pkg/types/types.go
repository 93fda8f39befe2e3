package types

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fatih/color"
)

type Severity int

type SourceID string

// EmitFunc receives each record a feed collector produces.
type EmitFunc func(PartialRecord) error

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var (
	SeverityNames = []string{
		"UNKNOWN",
		"LOW",
		"MEDIUM",
		"HIGH",
		"CRITICAL",
	}
	SeverityColor = []func(a ...interface{}) string{
		color.New(color.FgCyan).SprintFunc(),
		color.New(color.FgBlue).SprintFunc(),
		color.New(color.FgYellow).SprintFunc(),
		color.New(color.FgHiRed).SprintFunc(),
		color.New(color.FgRed).SprintFunc(),
	}
)

// NewSeverity parses a severity name, ignoring case.
func NewSeverity(severity string) (Severity, error) {
	severity = strings.ToUpper(strings.TrimSpace(severity))
	for i, name := range SeverityNames {
		if severity == name {
			return Severity(i), nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity: %s", severity)
}

// SeverityFromScore maps a CVSS v3 base score onto the qualitative scale.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0.0:
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// SeverityRank ranks a severity string: LOW=1, MEDIUM=2, HIGH=3, CRITICAL=4.
// Anything else ranks 0.
func SeverityRank(severity string) int {
	s, err := NewSeverity(severity)
	if err != nil {
		return 0
	}
	return int(s)
}

// SeveritiesAtOrAbove lists the severity names ranked at or above floor.
// It returns nil when floor ranks 0, since every record qualifies.
func SeveritiesAtOrAbove(floor string) []string {
	rank := SeverityRank(floor)
	if rank == 0 {
		return nil
	}
	return slices.Clone(SeverityNames[rank:])
}

func ColorizeSeverity(severity string) string {
	s, err := NewSeverity(severity)
	if err != nil {
		return color.New(color.FgBlue).SprintFunc()(severity)
	}
	return SeverityColor[s](severity)
}

func (s Severity) String() string {
	return SeverityNames[s]
}

// PoC risk labels, lowest priority first.
const (
	PocRiskUnknown           = "unknown"
	PocRiskUnverifiedExploit = "unverified_exploit"
	PocRiskTrusted           = "trusted"
	PocRiskVerifiedExploit   = "verified_exploit"
)

var pocRiskPriorities = map[string]int{
	PocRiskUnknown:           1,
	PocRiskUnverifiedExploit: 2,
	PocRiskTrusted:           3,
	PocRiskVerifiedExploit:   4,
}

// PocRiskPriority returns the priority of a PoC risk label. Unrecognized labels
// rank with an absent label (0).
func PocRiskPriority(label string) int {
	return pocRiskPriorities[label]
}
