package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/samber/oops"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

var Formats = []Format{FormatJSON, FormatCSV}

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{
	"cve_id", "severity", "cvss_v3_score", "epss_score", "publish_date",
	"is_in_kev", "exploit_exists", "vendors", "products", "sources", "title",
}

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", oops.In("export").With("format", s).Errorf("unknown export format: %s", s)
}

// Write renders records in the given format.
func Write(w io.Writer, format Format, records []types.CveRecord) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, records)
	case FormatCSV:
		return writeCSV(w, records)
	}
	return oops.In("export").With("format", format).Errorf("unknown export format: %s", format)
}

func writeJSON(w io.Writer, records []types.CveRecord) error {
	if records == nil {
		records = []types.CveRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return oops.In("export").Wrapf(err, "json encode error")
	}
	return nil
}

func writeCSV(w io.Writer, records []types.CveRecord) error {
	eb := oops.In("export")

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return eb.Wrapf(err, "csv write error")
	}
	for _, r := range records {
		row := []string{
			r.CveID,
			EscapeCell(r.Severity.Value),
			formatFloat(r.CvssV3Score),
			formatFloat(r.EpssScore),
			EscapeCell(r.PublishDate.Value),
			strconv.FormatBool(r.IsInKEV),
			strconv.FormatBool(r.ExploitExists),
			EscapeCell(strings.Join(r.Vendors, ";")),
			EscapeCell(strings.Join(r.Products, ";")),
			EscapeCell(strings.Join(r.Sources, ";")),
			EscapeCell(r.Title.Value),
		}
		if err := cw.Write(row); err != nil {
			return eb.With("cve_id", r.CveID).Wrapf(err, "csv write error")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eb.Wrapf(err, "csv flush error")
	}
	return nil
}

// EscapeCell neutralizes text a spreadsheet would evaluate as a formula.
func EscapeCell(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@':
		return "'" + s
	}
	return s
}

func formatFloat(o types.Opt[float64]) string {
	v, ok := o.Get()
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
