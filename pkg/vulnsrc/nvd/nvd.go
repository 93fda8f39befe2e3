package nvd

import (
	"cmp"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/samber/oops"
	"k8s.io/utils/clock"

	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/utils"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/vulnerability"
)

const (
	nvdDir = "nvd"

	metricTypePrimary = "Primary"
	exploitTag        = "Exploit"
	englishLang       = "en"
)

type Option func(src *VulnSrc)

func WithClock(c clock.Clock) Option {
	return func(src *VulnSrc) {
		src.clock = c
	}
}

type VulnSrc struct {
	clock  clock.Clock
	logger *log.Logger
}

func NewVulnSrc(opts ...Option) VulnSrc {
	src := VulnSrc{
		clock:  clock.RealClock{},
		logger: log.WithPrefix("nvd"),
	}
	for _, o := range opts {
		o(&src)
	}
	return src
}

func (vs VulnSrc) Name() types.SourceID {
	return vulnerability.NVD
}

// Collect emits one record per CVE found under <dir>/nvd.
func (vs VulnSrc) Collect(ctx context.Context, dir string, emit types.EmitFunc) error {
	rootDir := filepath.Join(dir, nvdDir)
	eb := oops.In("nvd").With("root_dir", rootDir)
	feedVersion := vs.clock.Now().UTC().Format(time.RFC3339)

	var count int
	err := utils.FileWalk(rootDir, func(r io.Reader, path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		cves, err := decode(r)
		if err != nil {
			return eb.With("file_path", path).Wrapf(err, "json decode error")
		}
		if len(cves) == 0 {
			vs.logger.Warn("No CVE in file", log.FilePath(path))
			return nil
		}

		for _, cve := range cves {
			rec, err := vs.parse(cve, feedVersion)
			if err != nil {
				return eb.With("cve_id", cve.ID).Wrapf(err, "parse error")
			}
			if err = emit(rec); err != nil {
				return eb.With("cve_id", cve.ID).Wrapf(err, "emit error")
			}
			count++
		}
		return nil
	})
	if err != nil {
		return eb.Wrapf(err, "walk error")
	}

	vs.logger.Info("Collected NVD records", log.Int("records", count))
	return nil
}

// decode accepts an API page or a single CVE object.
func decode(r io.Reader) ([]Cve, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Page
		Cve
	}
	if err = json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}

	if len(doc.Vulnerabilities) > 0 {
		return lo.Map(doc.Vulnerabilities, func(v Vulnerability, _ int) Cve {
			return v.Cve
		}), nil
	}
	if doc.Cve.ID == "" {
		return nil, nil
	}
	return []Cve{doc.Cve}, nil
}

func (vs VulnSrc) parse(cve Cve, feedVersion string) (types.PartialRecord, error) {
	rec := types.PartialRecord{
		CveID:       cve.ID,
		Title:       vulnerability.String(cve.ID),
		Description: vulnerability.String(english(cve.Descriptions)),
		PublishDate: vulnerability.String(utils.NormalizeTimestamp(cve.Published)),
		UpdateDate:  vulnerability.String(utils.NormalizeTimestamp(cve.LastModified)),
		FeedVersion: types.Some(feedVersion),
	}

	vs.applyCvssV3(&rec, cve)
	if m, ok := primary(cve.Metrics.CvssMetricV2); ok && m.CvssData.BaseScore > 0 {
		rec.CvssV2Score = types.Some(m.CvssData.BaseScore)
	}

	rec.CweIDs = vulnerability.StringSet(cweIDs(cve.Weaknesses)...)
	rec.References = vulnerability.StringSet(lo.Map(cve.References, func(ref Reference, _ int) string {
		return ref.URL
	})...)

	vendors, products := cpeNames(cve.Configurations)
	rec.Vendors = vulnerability.StringSet(vendors...)
	rec.Products = vulnerability.StringSet(products...)

	pocSources := exploitSources(cve.References)
	rec.ExploitExists = types.Some(len(pocSources) > 0)
	if len(pocSources) > 0 {
		rec.PocSources = vulnerability.StringSet(pocSources...)
		rec.PocRiskLabel = types.Some(types.PocRiskUnknown)
	}
	if cve.CisaExploitAdd != "" {
		rec.IsInKEV = types.Some(true)
	}

	extra, err := vulnerability.NewExtra(map[string]any{
		"nvd_status": cve.VulnStatus,
	})
	if err != nil {
		return types.PartialRecord{}, err
	}
	rec.Extra = extra

	return rec, nil
}

// applyCvssV3 prefers v3.1 over v3.0. Fields missing from the API data are
// derived from the vector string when it parses.
func (vs VulnSrc) applyCvssV3(rec *types.PartialRecord, cve Cve) {
	m, ok := primary(cve.Metrics.CvssMetricV31)
	if !ok {
		if m, ok = primary(cve.Metrics.CvssMetricV30); !ok {
			return
		}
	}
	data := m.CvssData

	if data.VectorString != "" && (data.BaseScore == 0 || data.AttackVector == "") {
		parsed, err := vulnerability.ParseCvssV3(data.VectorString)
		if err != nil {
			vs.logger.Debug("Unparseable CVSS vector", log.CveID(cve.ID), log.Err(err))
		} else {
			data.BaseScore = cmp.Or(data.BaseScore, parsed.BaseScore)
			data.AttackVector = cmp.Or(data.AttackVector, parsed.AttackVector)
			data.PrivilegesRequired = cmp.Or(data.PrivilegesRequired, parsed.PrivilegesRequired)
			data.UserInteraction = cmp.Or(data.UserInteraction, parsed.UserInteraction)
			data.ConfidentialityImpact = cmp.Or(data.ConfidentialityImpact, parsed.ConfidentialityImpact)
			data.IntegrityImpact = cmp.Or(data.IntegrityImpact, parsed.IntegrityImpact)
			data.AvailabilityImpact = cmp.Or(data.AvailabilityImpact, parsed.AvailabilityImpact)
		}
	}

	if data.BaseScore > 0 {
		rec.CvssV3Score = types.Some(data.BaseScore)
		if data.BaseSeverity == "" {
			data.BaseSeverity = types.SeverityFromScore(data.BaseScore).String()
		}
	}
	rec.Severity = vulnerability.String(strings.ToUpper(data.BaseSeverity))
	rec.AttackVector = vulnerability.String(data.AttackVector)
	rec.PrivilegesRequired = vulnerability.String(data.PrivilegesRequired)
	rec.UserInteraction = vulnerability.String(data.UserInteraction)
	rec.ConfidentialityImpact = vulnerability.String(data.ConfidentialityImpact)
	rec.IntegrityImpact = vulnerability.String(data.IntegrityImpact)
	rec.AvailabilityImpact = vulnerability.String(data.AvailabilityImpact)
}

type metric interface {
	CvssMetricV3 | CvssMetricV2
}

// primary returns the NVD primary metric, or the first one when none is marked primary.
func primary[T metric](metrics []T) (T, bool) {
	var zero T
	if len(metrics) == 0 {
		return zero, false
	}
	for _, m := range metrics {
		if metricType(m) == metricTypePrimary {
			return m, true
		}
	}
	return metrics[0], true
}

func metricType(m any) string {
	switch m := m.(type) {
	case CvssMetricV3:
		return m.Type
	case CvssMetricV2:
		return m.Type
	}
	return ""
}

func english(ls []LangString) string {
	for _, l := range ls {
		if l.Lang == englishLang && l.Value != "" {
			return l.Value
		}
	}
	return ""
}

func cweIDs(weaknesses []Weakness) []string {
	var ids []string
	for _, w := range weaknesses {
		for _, d := range w.Description {
			if d.Lang == englishLang && strings.HasPrefix(d.Value, "CWE-") {
				ids = append(ids, d.Value)
			}
		}
	}
	return ids
}

// cpeNames reads vendor and product out of CPE 2.3 criteria
// (cpe:2.3:part:vendor:product:version:...).
func cpeNames(configs []Configuration) (vendors, products []string) {
	for _, config := range configs {
		for _, node := range config.Nodes {
			for _, match := range node.CpeMatch {
				parts := strings.Split(match.Criteria, ":")
				if len(parts) < 5 {
					continue
				}
				if v := parts[3]; v != "*" && v != "-" {
					vendors = append(vendors, v)
				}
				if p := parts[4]; p != "*" && p != "-" {
					products = append(products, p)
				}
			}
		}
	}
	return vendors, products
}

func exploitSources(refs []Reference) []string {
	var sources []string
	for _, ref := range refs {
		if !lo.Contains(ref.Tags, exploitTag) {
			continue
		}
		url := strings.ToLower(ref.URL)
		switch {
		case strings.Contains(url, "exploit-db"):
			sources = append(sources, vulnerability.PocExploitDB)
		case strings.Contains(url, "github"):
			sources = append(sources, vulnerability.PocGitHub)
		case strings.Contains(url, "packetstorm"):
			sources = append(sources, vulnerability.PocPacketStorm)
		default:
			sources = append(sources, vulnerability.PocOtherNVDRef)
		}
	}
	return sources
}
