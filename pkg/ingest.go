package pkg

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/errlog"
	"github.com/tianlu-intel/tianlu-db/pkg/ingest"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc"
)

func initDB(c *cli.Context) error {
	store, err := openStore(context.Background(), c)
	if err != nil {
		return err
	}
	defer store.Close()

	log.Info("Database initialized", log.FilePath(store.Path()))
	return nil
}

func ingestRecords(c *cli.Context) error {
	ctx := context.Background()
	source := c.String("source")
	if source == "" {
		return xerrors.New("--source is required")
	}

	in, err := openInput(c.String("input"))
	if err != nil {
		return err
	}
	defer in.Close()

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

	p := ingest.New(ingest.FromDB(store), errLog, ingest.WithBatchSize(c.Int("batch-size")))
	summary, err := p.Run(ctx, in, source)
	logSummary(summary)
	if err != nil {
		return xerrors.Errorf("ingest error: %w", err)
	}
	return nil
}

func collect(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return xerrors.New("source name is required")
	}
	since, err := githubSince(c)
	if err != nil {
		return err
	}

	vulnSrc, ok := vulnsrc.NewSources(vulnsrc.Options{GitHubSince: since})[name]
	if !ok {
		return xerrors.Errorf("%s does not supported yet", name)
	}
	if err = vulnSrc.Collect(context.Background(), c.String("dir"), vulnsrc.NewWriter(os.Stdout)); err != nil {
		return xerrors.Errorf("collect error: %w", err)
	}
	return nil
}

func logSummary(s ingest.Summary) {
	log.Info("Ingestion finished",
		log.Source(s.Source),
		log.Int("lines", s.Lines),
		log.Int("applied", s.Applied),
		log.Int("created", s.Created),
		log.Int("updated", s.Updated),
		log.Int("parse_errors", s.ParseErrors),
		log.Int("record_errors", s.RecordErrors),
		log.Int("commits", s.Commits),
	)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("input open error: %w", err)
	}
	return f, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, xerrors.Errorf("output create error: %w", err)
	}
	return f, nil
}
