package vulnsrc

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
	"github.com/tianlu-intel/tianlu-db/pkg/ingest"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/metadata"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/epss"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/ghpoc"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/kevc"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/msrc"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/nvd"
)

type VulnSrc interface {
	Name() types.SourceID
	Collect(ctx context.Context, dir string, emit types.EmitFunc) error
}

// Options carries the settings of sources that take any.
type Options struct {
	Clock clock.Clock

	// GitHubSince bounds the PoC repository search. Zero means the last week.
	GitHubSince time.Time
}

// UpdateList has the names of all sources, sorted.
var UpdateList = lo.Keys(NewSources(Options{}))

func init() {
	slices.Sort(UpdateList)
}

func NewSources(opts Options) map[string]VulnSrc {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	sources := []VulnSrc{
		nvd.NewVulnSrc(nvd.WithClock(opts.Clock)),
		kevc.NewVulnSrc(kevc.WithClock(opts.Clock)),
		epss.NewVulnSrc(epss.WithClock(opts.Clock)),
		msrc.NewVulnSrc(msrc.WithClock(opts.Clock)),
		ghpoc.NewVulnSrc(ghpoc.WithClock(opts.Clock), ghpoc.WithSince(opts.GitHubSince)),
	}
	return lo.SliceToMap(sources, func(src VulnSrc) (string, VulnSrc) {
		return string(src.Name()), src
	})
}

// NewWriter returns an EmitFunc writing one JSON object per line to w.
func NewWriter(w io.Writer) types.EmitFunc {
	enc := json.NewEncoder(w)
	return func(rec types.PartialRecord) error {
		return enc.Encode(rec)
	}
}

type Ingester interface {
	Run(ctx context.Context, r io.Reader, source string) (ingest.Summary, error)
}

type MetadataClient interface {
	GetOrEmpty() (metadata.Metadata, error)
	Update(meta metadata.Metadata) error
}

type Updater struct {
	ingester  Ingester
	meta      MetadataClient
	updateMap map[string]VulnSrc
	dir       string
	clock     clock.Clock
	logger    *log.Logger
}

type UpdaterOption func(*Updater)

func WithClock(c clock.Clock) UpdaterOption {
	return func(u *Updater) {
		u.clock = c
	}
}

func WithSources(sources map[string]VulnSrc) UpdaterOption {
	return func(u *Updater) {
		u.updateMap = sources
	}
}

// NewUpdater builds sources from the feed files under dir into the store
// behind ingester and records each run in meta.
func NewUpdater(dir string, ingester Ingester, meta MetadataClient, opts ...UpdaterOption) Updater {
	u := Updater{
		ingester: ingester,
		meta:     meta,
		dir:      dir,
		clock:    clock.RealClock{},
		logger:   log.WithPrefix("build"),
	}
	for _, opt := range opts {
		opt(&u)
	}
	if u.updateMap == nil {
		u.updateMap = NewSources(Options{Clock: u.clock})
	}
	return u
}

func (u Updater) Update(ctx context.Context, targets []string) error {
	u.logger.Info("Updating vulnerability database...")

	meta, err := u.meta.GetOrEmpty()
	if err != nil {
		return xerrors.Errorf("failed to load metadata: %w", err)
	}

	for _, name := range targets {
		if _, ok := u.updateMap[name]; !ok {
			return xerrors.Errorf("%s does not supported yet", name)
		}
	}

	// Each source is recorded as soon as its ingestion has committed.
	for _, name := range targets {
		vulnSrc := u.updateMap[name]
		u.logger.Info("Updating source data...", log.Source(name))

		summary, err := u.update(ctx, vulnSrc)
		if err != nil {
			return xerrors.Errorf("error in %s update: %w", name, err)
		}
		meta.Sources[name] = metadata.SourceMeta{
			UpdatedAt:    u.clock.Now().UTC(),
			Applied:      summary.Applied,
			ParseErrors:  summary.ParseErrors,
			RecordErrors: summary.RecordErrors,
		}
		meta.Version = db.SchemaVersion
		if err = u.meta.Update(meta); err != nil {
			return xerrors.Errorf("failed to save metadata: %w", err)
		}
	}
	return nil
}

// update streams the collector's output straight into the ingester.
func (u Updater) update(ctx context.Context, vulnSrc VulnSrc) (ingest.Summary, error) {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := vulnSrc.Collect(ctx, u.dir, NewWriter(pw))
		_ = pw.CloseWithError(err)
		return err
	})

	var summary ingest.Summary
	g.Go(func() error {
		var err error
		summary, err = u.ingester.Run(ctx, pr, string(vulnSrc.Name()))
		// Unblocks the collector if ingestion failed before the input ended.
		_ = pr.CloseWithError(err)
		return err
	})

	err := g.Wait()
	return summary, err
}
