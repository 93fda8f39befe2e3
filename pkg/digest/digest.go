package digest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"k8s.io/utils/clock"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
	"github.com/tianlu-intel/tianlu-db/pkg/filter"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/watchlist"
)

const (
	DefaultSince = "7d"
	dateLayout   = "2006-01-02"
)

type Reader interface {
	Select(ctx context.Context, q db.Query) ([]types.StoredRecord, error)
}

// Digest is the result of running every watchlist item.
type Digest struct {
	GeneratedAt time.Time
	// Since is the value as given; EffectiveSince is the resolved bound.
	Since          string
	EffectiveSince string
	CVEPattern     string
	Sections       []Section
}

type Section struct {
	Item    watchlist.Item
	Records []types.CveRecord
}

type Option func(*Generator)

func WithClock(c clock.Clock) Option {
	return func(g *Generator) {
		g.clock = c
	}
}

type Generator struct {
	store  Reader
	clock  clock.Clock
	logger *log.Logger
}

func New(store Reader, opts ...Option) *Generator {
	g := &Generator{
		store:  store,
		clock:  clock.RealClock{},
		logger: log.WithPrefix("digest"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate runs each item's watch query. limit caps every section; 0 means no cap.
func (g *Generator) Generate(ctx context.Context, cfg watchlist.Config, since, cvePattern string, limit int) (Digest, error) {
	now := g.clock.Now()
	d := Digest{
		GeneratedAt:    now,
		Since:          since,
		EffectiveSince: ResolveSince(since, now),
		CVEPattern:     cvePattern,
	}

	for _, item := range cfg.Items {
		eb := oops.In("digest").With("item", item.Name)

		q, err := filter.BuildWatch(item.Watch(d.EffectiveSince, cvePattern, limit))
		if err != nil {
			return Digest{}, eb.Wrapf(err, "watch build error")
		}
		rows, err := g.store.Select(ctx, q)
		if err != nil {
			return Digest{}, eb.Wrapf(err, "watch query error")
		}

		section := Section{Item: item}
		for _, row := range rows {
			rec, errs := row.Decode()
			for _, e := range errs {
				g.logger.Warn("Unreadable column", log.CveID(row.CveID), log.String("field", e.Field), log.Err(e.Err))
			}
			section.Records = append(section.Records, rec)
		}
		g.logger.Debug("Watch item matched", log.String("item", item.Name), log.Int("records", len(section.Records)))
		d.Sections = append(d.Sections, section)
	}
	return d, nil
}

// ResolveSince turns a relative token such as "7d" or "2w" into a date
// relative to now. Any other value is used as given.
func ResolveSince(since string, now time.Time) string {
	since = strings.TrimSpace(since)
	if len(since) < 2 {
		return since
	}

	n, err := strconv.Atoi(since[:len(since)-1])
	if err != nil || n < 0 {
		return since
	}

	switch since[len(since)-1] {
	case 'd':
		return now.AddDate(0, 0, -n).Format(dateLayout)
	case 'w':
		return now.AddDate(0, 0, -7*n).Format(dateLayout)
	}
	return since
}
