package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/samber/oops"

	"github.com/tianlu-intel/tianlu-db/pkg/digest"
	"github.com/tianlu-intel/tianlu-db/pkg/metadata"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

const (
	titleWidth   = 30
	summaryWidth = 150

	// EPSS scores above this get a flag in the digest.
	epssFlagThreshold = 0.1

	noValue = "-"
)

var (
	listHeader   = table.Row{"CVE ID", "SEVERITY", "CVSS", "EPSS", "PUBLISHED", "KEV", "TITLE"}
	statusHeader = table.Row{"SOURCE", "UPDATED", "APPLIED", "PARSE ERRORS", "RECORD ERRORS"}
)

// List renders records as a table.
func List(w io.Writer, records []types.CveRecord) error {
	t := table.NewWriter()
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(listHeader)
	for _, r := range records {
		kev := ""
		if r.IsInKEV {
			kev = "YES"
		}
		t.AppendRow(table.Row{
			r.CveID,
			severity(r.Severity),
			score(r),
			epss(r.EpssScore),
			orNone(date(r.PublishDate)),
			kev,
			truncate(r.Title.Value, titleWidth),
		})
	}
	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return oops.In("report").Wrapf(err, "table write error")
	}
	return nil
}

// Show renders one record in full.
func Show(w io.Writer, r types.CveRecord) error {
	var sb strings.Builder
	field := func(label, value string) {
		fmt.Fprintf(&sb, "%-15s %s\n", label+":", orNone(value))
	}

	field("CVE ID", r.CveID)
	field("Title", r.Title.Value)
	field("Severity", severity(r.Severity))
	field("CVSS v3", formatFloat(r.CvssV3Score, "%.1f"))
	field("CVSS v2", formatFloat(r.CvssV2Score, "%.1f"))
	field("EPSS", epssDetail(r))
	field("Published", r.PublishDate.Value)
	field("Updated", r.UpdateDate.Value)
	field("Attack Vector", r.AttackVector.Value)
	field("Privileges", r.PrivilegesRequired.Value)
	field("Interaction", r.UserInteraction.Value)
	field("Impact (C/I/A)", impact(r))
	field("In KEV", yesNo(r.IsInKEV))
	field("Exploit", yesNo(r.ExploitExists))
	field("PoC Risk", pocRisk(r))
	field("Vendors", strings.Join(r.Vendors, ", "))
	field("Products", strings.Join(r.Products, ", "))
	field("CWE", strings.Join(r.CweIDs, ", "))
	field("Sources", strings.Join(r.Sources, ", "))
	field("Feed Version", r.FeedVersion.Value)

	list(&sb, "PoC Sources", r.PocSources)
	list(&sb, "References", r.References)

	if r.Description.Valid && r.Description.Value != "" {
		fmt.Fprintf(&sb, "\nDescription:\n%s\n", r.Description.Value)
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return oops.In("report").With("cve_id", r.CveID).Wrapf(err, "detail write error")
	}
	return nil
}

// Digest renders a watchlist digest as Markdown.
func Digest(w io.Writer, d digest.Digest) error {
	var sb strings.Builder
	sb.WriteString("# Tianlu Intelligence Digest\n\n")
	fmt.Fprintf(&sb, "**Date**: %s\n", d.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "**Since**: %s (Effective: %s)\n", d.Since, d.EffectiveSince)
	if d.CVEPattern != "" {
		fmt.Fprintf(&sb, "**CVE Filter**: %s\n", d.CVEPattern)
	}

	for _, s := range d.Sections {
		fmt.Fprintf(&sb, "\n## %s\n\n", s.Item.Name)
		if len(s.Records) == 0 {
			sb.WriteString("*No new vulnerabilities found matching criteria.*\n")
			continue
		}
		for _, r := range s.Records {
			digestEntry(&sb, r)
		}
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return oops.In("report").Wrapf(err, "digest write error")
	}
	return nil
}

func digestEntry(sb *strings.Builder, r types.CveRecord) {
	var flags []string
	if r.IsInKEV {
		flags = append(flags, "**[KEV]**")
	}
	if r.ExploitExists {
		flags = append(flags, "**[Exploit]**")
	}
	if r.EpssScore.Valid && r.EpssScore.Value > epssFlagThreshold {
		flags = append(flags, fmt.Sprintf("**[EPSS %s]**", epss(r.EpssScore)))
	}

	head := fmt.Sprintf("- **%s** (%s, CVSS %s)", r.CveID, orNone(r.Severity.Value), score(r))
	if len(flags) > 0 {
		head += " " + strings.Join(flags, " ")
	}
	if r.Title.Value != "" {
		head += " - " + r.Title.Value
	}
	sb.WriteString(head + "\n")

	fmt.Fprintf(sb, "  - Published: %s\n", orNone(date(r.PublishDate)))
	if r.Description.Value != "" {
		fmt.Fprintf(sb, "  - Summary: %s\n", truncate(oneLine(r.Description.Value), summaryWidth))
	}
	if len(r.Sources) > 0 {
		fmt.Fprintf(sb, "  - Sources: %s\n", strings.Join(r.Sources, ", "))
	}
}

func list(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(sb, "  - %s\n", item)
	}
}

func severity(s types.Opt[string]) string {
	if !s.Valid || s.Value == "" {
		return noValue
	}
	return types.ColorizeSeverity(s.Value)
}

// score prefers the CVSS v3 base score over v2.
func score(r types.CveRecord) string {
	if r.CvssV3Score.Valid {
		return fmt.Sprintf("%.1f", r.CvssV3Score.Value)
	}
	if r.CvssV2Score.Valid {
		return fmt.Sprintf("%.1f", r.CvssV2Score.Value)
	}
	return noValue
}

func epss(s types.Opt[float64]) string {
	if !s.Valid {
		return noValue
	}
	return fmt.Sprintf("%.2f%%", s.Value*100)
}

func epssDetail(r types.CveRecord) string {
	if !r.EpssScore.Valid {
		return ""
	}
	if !r.EpssPercentile.Valid {
		return epss(r.EpssScore)
	}
	return fmt.Sprintf("%s (percentile %.4f)", epss(r.EpssScore), r.EpssPercentile.Value)
}

func impact(r types.CveRecord) string {
	if !r.ConfidentialityImpact.Valid && !r.IntegrityImpact.Valid && !r.AvailabilityImpact.Valid {
		return ""
	}
	return strings.Join([]string{
		orNone(r.ConfidentialityImpact.Value),
		orNone(r.IntegrityImpact.Value),
		orNone(r.AvailabilityImpact.Value),
	}, "/")
}

func pocRisk(r types.CveRecord) string {
	label := r.PocRiskLabel.Value
	if !r.PocRepoCount.Valid || r.PocRepoCount.Value == 0 {
		return label
	}
	return fmt.Sprintf("%s (%d repos)", orNone(label), r.PocRepoCount.Value)
}

func formatFloat(f types.Opt[float64], format string) string {
	if !f.Valid {
		return ""
	}
	return fmt.Sprintf(format, f.Value)
}

// date cuts a timestamp down to its date part.
func date(s types.Opt[string]) string {
	if len(s.Value) > 10 {
		return s.Value[:10]
	}
	return s.Value
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return noValue
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

// Status renders the database location, its record count and the last build
// of each source.
func Status(w io.Writer, dbPath string, count int, meta metadata.Metadata) error {
	t := table.NewWriter()
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(statusHeader)

	names := make([]string, 0, len(meta.Sources))
	for name := range meta.Sources {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		s := meta.Sources[name]
		t.AppendRow(table.Row{name, s.UpdatedAt.UTC().Format(time.RFC3339), s.Applied, s.ParseErrors, s.RecordErrors})
	}

	if _, err := fmt.Fprintf(w, "Database: %s\nRecords:  %d\n%s\n", dbPath, count, t.Render()); err != nil {
		return oops.In("report").Wrapf(err, "status write error")
	}
	return nil
}
