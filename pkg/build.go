package pkg

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/digest"
	"github.com/tianlu-intel/tianlu-db/pkg/errlog"
	"github.com/tianlu-intel/tianlu-db/pkg/ingest"
	"github.com/tianlu-intel/tianlu-db/pkg/metadata"
	"github.com/tianlu-intel/tianlu-db/pkg/report"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc"
)

func build(c *cli.Context) error {
	ctx := context.Background()
	since, err := githubSince(c)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer store.Close()

	errLog, err := errlog.New(c.GlobalString("error-log"))
	if err != nil {
		return xerrors.Errorf("error log open error: %w", err)
	}
	defer errLog.Close()

	targets := lo.Compact(lo.Map(strings.Split(c.String("only-update"), ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))

	p := ingest.New(ingest.FromDB(store), errLog, ingest.WithBatchSize(c.Int("batch-size")))
	meta := metadata.NewClient(filepath.Dir(store.Path()))
	u := vulnsrc.NewUpdater(c.String("dir"), summaryLogger{p}, meta,
		vulnsrc.WithSources(vulnsrc.NewSources(vulnsrc.Options{GitHubSince: since})))
	if err = u.Update(ctx, targets); err != nil {
		return xerrors.Errorf("build error: %w", err)
	}
	return nil
}

func status(c *cli.Context) error {
	ctx := context.Background()
	store, err := openReadStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	meta, err := metadata.NewClient(filepath.Dir(store.Path())).GetOrEmpty()
	if err != nil {
		return xerrors.Errorf("metadata error: %w", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		return xerrors.Errorf("count error: %w", err)
	}

	return report.Status(os.Stdout, store.Path(), count, meta)
}

// summaryLogger logs the summary of every source the updater ingests.
type summaryLogger struct {
	*ingest.Pipeline
}

func (l summaryLogger) Run(ctx context.Context, r io.Reader, source string) (ingest.Summary, error) {
	s, err := l.Pipeline.Run(ctx, r, source)
	logSummary(s)
	return s, err
}

func githubSince(c *cli.Context) (time.Time, error) {
	value := digest.ResolveSince(c.String("github-since"), time.Now())
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, xerrors.Errorf("invalid --github-since %q: %w", c.String("github-since"), err)
	}
	return t, nil
}
