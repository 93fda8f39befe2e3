package msrc

import (
	"context"
	"encoding/xml"
	"io"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
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
	msrcDir = "msrc"
	vendor  = "microsoft"

	noteTypeDescription = "Description"
	threatTypeExploit   = "Exploit Status"
	statusKnownAffected = "Known Affected"
	exploitedMarker     = "Exploited:Yes"
)

var htmlTag = regexp.MustCompile(`<[^>]*>`)

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
		logger: log.WithPrefix("msrc"),
	}
	for _, o := range opts {
		o(&src)
	}
	return src
}

func (vs VulnSrc) Name() types.SourceID {
	return vulnerability.MSRC
}

// Collect emits one record per vulnerability in the CVRF documents under <dir>/msrc.
func (vs VulnSrc) Collect(ctx context.Context, dir string, emit types.EmitFunc) error {
	rootDir := filepath.Join(dir, msrcDir)
	eb := oops.In("msrc").Tags("cvrf").With("root_dir", rootDir)
	feedVersion := vs.clock.Now().UTC().Format(time.RFC3339)

	var count int
	err := utils.FileWalk(rootDir, func(r io.Reader, path string) error {
		if !strings.EqualFold(filepath.Ext(path), ".xml") {
			vs.logger.Debug("Skipping file", log.FilePath(path))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var doc Cvrf
		if err := xml.NewDecoder(r).Decode(&doc); err != nil {
			return eb.With("file_path", path).Wrapf(err, "xml decode error")
		}

		products := productNames(doc.ProductTree)
		for _, v := range doc.Vulnerabilities {
			if strings.TrimSpace(v.CVE) == "" {
				vs.logger.Debug("Vulnerability without CVE", log.FilePath(path), log.String("title", v.Title))
				continue
			}
			rec, err := vs.parse(doc.ID, v, products, feedVersion)
			if err != nil {
				return eb.With("cve_id", v.CVE).Wrapf(err, "parse error")
			}
			if err = emit(rec); err != nil {
				return eb.With("cve_id", v.CVE).Wrapf(err, "emit error")
			}
			count++
		}
		return nil
	})
	if err != nil {
		return eb.Wrapf(err, "walk error")
	}

	vs.logger.Info("Collected MSRC records", log.Int("records", count))
	return nil
}

func (vs VulnSrc) parse(docID string, v Vulnerability, products map[string]string, feedVersion string) (types.PartialRecord, error) {
	rec := types.PartialRecord{
		CveID:       strings.TrimSpace(v.CVE),
		Title:       vulnerability.String(v.Title),
		Description: vulnerability.String(description(v.Notes)),
		PublishDate: vulnerability.String(firstRevision(v.Revisions)),
		FeedVersion: types.Some(feedVersion),
		Vendors:     vulnerability.StringSet(vendor),
		References: vulnerability.StringSet(lo.Map(v.References, func(ref Reference, _ int) string {
			return ref.URL
		})...),
	}

	var affected []string
	for _, s := range v.ProductStatuses {
		if s.Type != statusKnownAffected {
			continue
		}
		for _, id := range s.ProductIDs {
			if name, ok := products[id]; ok {
				affected = append(affected, name)
			}
		}
	}
	rec.Products = vulnerability.StringSet(affected...)

	if set, score, ok := maxScoreSet(v.ScoreSets); ok {
		rec.CvssV3Score = types.Some(score)
		rec.Severity = types.Some(types.SeverityFromScore(score).String())
		if cvss, err := vulnerability.ParseCvssV3(set.Vector); err != nil {
			vs.logger.Debug("Unparseable CVSS vector", log.CveID(rec.CveID), log.Err(err))
		} else {
			rec.AttackVector = vulnerability.String(cvss.AttackVector)
			rec.PrivilegesRequired = vulnerability.String(cvss.PrivilegesRequired)
			rec.UserInteraction = vulnerability.String(cvss.UserInteraction)
			rec.ConfidentialityImpact = vulnerability.String(cvss.ConfidentialityImpact)
			rec.IntegrityImpact = vulnerability.String(cvss.IntegrityImpact)
			rec.AvailabilityImpact = vulnerability.String(cvss.AvailabilityImpact)
		}
	}

	status, exploited := exploitStatus(v.Threats)
	rec.ExploitExists = types.Some(exploited)
	if exploited {
		rec.PocRiskLabel = types.Some(types.PocRiskTrusted)
	}

	extra, err := vulnerability.NewExtra(map[string]any{
		"msrc_document":       docID,
		"msrc_exploit_status": status,
	})
	if err != nil {
		return types.PartialRecord{}, err
	}
	rec.Extra = extra

	return rec, nil
}

// productNames maps product IDs to names across the whole branch tree.
func productNames(tree ProductTree) map[string]string {
	names := map[string]string{}
	add := func(fps []FullProductName) {
		for _, fp := range fps {
			names[fp.ProductID] = strings.TrimSpace(fp.Name)
		}
	}

	var walk func([]Branch)
	walk = func(branches []Branch) {
		for _, b := range branches {
			add(b.FullProductNames)
			walk(b.Branches)
		}
	}
	add(tree.FullProductNames)
	walk(tree.Branches)
	return names
}

func description(notes []Note) string {
	for _, n := range notes {
		if n.Type == noteTypeDescription {
			return strings.Join(strings.Fields(htmlTag.ReplaceAllString(n.Text, " ")), " ")
		}
	}
	return ""
}

// maxScoreSet returns the score set with the highest base score. A CVE is
// scored once per affected product.
func maxScoreSet(sets []ScoreSet) (ScoreSet, float64, bool) {
	var (
		best  ScoreSet
		score float64
	)
	for _, s := range sets {
		f, err := strconv.ParseFloat(strings.TrimSpace(s.BaseScore), 64)
		if err != nil {
			continue
		}
		if f > score {
			best, score = s, f
		}
	}
	return best, score, score > 0
}

func firstRevision(revisions []Revision) string {
	dates := lo.FilterMap(revisions, func(r Revision, _ int) (string, bool) {
		d := utils.NormalizeTimestamp(strings.TrimSpace(r.Date))
		return d, d != ""
	})
	if len(dates) == 0 {
		return ""
	}
	return slices.Min(dates)
}

func exploitStatus(threats []Threat) (string, bool) {
	for _, t := range threats {
		if t.Type == threatTypeExploit {
			return t.Description, strings.Contains(t.Description, exploitedMarker)
		}
	}
	return "", false
}
