package pkg

import (
	"context"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/digest"
	"github.com/tianlu-intel/tianlu-db/pkg/report"
	"github.com/tianlu-intel/tianlu-db/pkg/watchlist"
)

func digestWatchlist(c *cli.Context) error {
	ctx := context.Background()
	path := c.String("config")
	if path == "" {
		return xerrors.New("--config is required")
	}
	cfg, err := watchlist.Load(path)
	if err != nil {
		return xerrors.Errorf("watchlist error: %w", err)
	}

	store, err := openReadStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	d, err := digest.New(store).Generate(ctx, cfg, c.String("since"), c.String("cve-pattern"), c.Int("limit"))
	if err != nil {
		return xerrors.Errorf("digest error: %w", err)
	}

	out, err := openOutput(c.String("output"))
	if err != nil {
		return err
	}
	defer out.Close()

	return report.Digest(out, d)
}
