package kevc

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"k8s.io/utils/clock"

	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/utils"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/vulnerability"
)

const (
	kevcDir    = "kevc"
	DateFormat = "2006-01-02"
)

// Exploitable is one entry of the CISA Known Exploited Vulnerabilities catalog.
type Exploitable struct {
	CveID                      string   `json:"cveID"`
	VendorProject              string   `json:"vendorProject"`
	Product                    string   `json:"product"`
	VulnerabilityName          string   `json:"vulnerabilityName"`
	DateAdded                  Time     `json:"dateAdded"`
	Description                string   `json:"shortDescription"`
	RequiredAction             string   `json:"requiredAction"`
	DueDate                    Time     `json:"dueDate"`
	KnownRansomwareCampaignUse string   `json:"knownRansomwareCampaignUse"`
	Notes                      string   `json:"notes"`
	CWEs                       []string `json:"cwes"`
}

// Catalog is the whole feed as CISA publishes it.
type Catalog struct {
	CatalogVersion  string        `json:"catalogVersion"`
	DateReleased    string        `json:"dateReleased"`
	Vulnerabilities []Exploitable `json:"vulnerabilities"`
}

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
		logger: log.WithPrefix("kev"),
	}
	for _, o := range opts {
		o(&src)
	}
	return src
}

func (vs VulnSrc) Name() types.SourceID {
	return vulnerability.KEV
}

// Collect reads the catalog, or one file per entry, from <dir>/kevc.
func (vs VulnSrc) Collect(ctx context.Context, dir string, emit types.EmitFunc) error {
	rootDir := filepath.Join(dir, kevcDir)
	eb := oops.In("kev").With("root_dir", rootDir)
	feedVersion := vs.clock.Now().UTC().Format(time.RFC3339)

	var count int
	err := utils.FileWalk(rootDir, func(r io.Reader, path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		exploitables, err := decode(r)
		if err != nil {
			return eb.With("file_path", path).Wrapf(err, "json decode error")
		}

		for _, e := range exploitables {
			rec, err := parse(e, feedVersion)
			if err != nil {
				return eb.With("cve_id", e.CveID).Wrapf(err, "parse error")
			}
			if err = emit(rec); err != nil {
				return eb.With("cve_id", e.CveID).Wrapf(err, "emit error")
			}
			count++
		}
		return nil
	})
	if err != nil {
		return eb.Wrapf(err, "walk error")
	}

	vs.logger.Info("Collected Known Exploited Vulnerabilities", log.Int("records", count))
	return nil
}

func decode(r io.Reader) ([]Exploitable, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Catalog
		Exploitable
	}
	if err = json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.Vulnerabilities != nil {
		return doc.Vulnerabilities, nil
	}
	return []Exploitable{doc.Exploitable}, nil
}

func parse(e Exploitable, feedVersion string) (types.PartialRecord, error) {
	rec := types.PartialRecord{
		CveID:         e.CveID,
		Title:         vulnerability.String(e.VulnerabilityName),
		Description:   vulnerability.String(e.Description),
		FeedVersion:   types.Some(feedVersion),
		Vendors:       vulnerability.StringSet(e.VendorProject),
		Products:      vulnerability.StringSet(e.Product),
		CweIDs:        vulnerability.StringSet(e.CWEs...),
		IsInKEV:       types.Some(true),
		ExploitExists: types.Some(true),
		PocRiskLabel:  types.Some(types.PocRiskTrusted),
	}
	if !e.DateAdded.IsZero() {
		rec.PublishDate = types.Some(e.DateAdded.UTC().Format(time.RFC3339))
	}

	var dueDate string
	if !e.DueDate.IsZero() {
		dueDate = e.DueDate.Format(DateFormat)
	}
	extra, err := vulnerability.NewExtra(map[string]any{
		"required_action":               e.RequiredAction,
		"due_date":                      dueDate,
		"known_ransomware_campaign_use": e.KnownRansomwareCampaignUse,
		"notes":                         e.Notes,
	})
	if err != nil {
		return types.PartialRecord{}, err
	}
	rec.Extra = extra

	return rec, nil
}

type Time struct {
	time.Time
}

func (date *Time) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		date.Time = time.Time{}
		return nil
	}

	var err error
	date.Time, err = time.Parse(`"`+DateFormat+`"`, string(b))
	if _, ok := err.(*time.ParseError); !ok {
		return err
	}
	date.Time, err = time.Parse(`"`+time.RFC3339+`"`, string(b))
	return err
}
