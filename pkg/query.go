package pkg

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
	"github.com/tianlu-intel/tianlu-db/pkg/export"
	"github.com/tianlu-intel/tianlu-db/pkg/filter"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/report"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

func list(c *cli.Context) error {
	records, err := selectRecords(context.Background(), c, filter.Build(criteria(c)))
	if err != nil {
		return err
	}
	return report.List(os.Stdout, records)
}

func show(c *cli.Context) error {
	ctx := context.Background()
	id := c.Args().First()
	if id == "" {
		return xerrors.New("CVE ID is required")
	}

	store, err := openReadStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	row, err := store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return xerrors.Errorf("%s not found", types.NormalizeCveID(id))
	} else if err != nil {
		return xerrors.Errorf("get error: %w", err)
	}
	return report.Show(os.Stdout, decode(row))
}

func exportRecords(c *cli.Context) error {
	format, err := export.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}
	records, err := selectRecords(context.Background(), c, filter.Build(criteria(c)))
	if err != nil {
		return err
	}

	out, err := openOutput(c.String("output"))
	if err != nil {
		return err
	}
	defer out.Close()

	if err = export.Write(out, format, records); err != nil {
		return xerrors.Errorf("export error: %w", err)
	}
	log.Info("Exported records", log.Int("records", len(records)), log.String("format", string(format)))
	return nil
}

func selectRecords(ctx context.Context, c *cli.Context, q db.Query) ([]types.CveRecord, error) {
	store, err := openReadStore(c)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rows, err := store.Select(ctx, q)
	if err != nil {
		return nil, xerrors.Errorf("select error: %w", err)
	}
	records := make([]types.CveRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, decode(row))
	}
	return records, nil
}

// decode logs columns that cannot be read and renders the rest.
func decode(row types.StoredRecord) types.CveRecord {
	rec, errs := row.Decode()
	for _, e := range errs {
		log.Warn("Unreadable column", log.CveID(row.CveID), log.String("field", e.Field), log.Err(e.Err))
	}
	return rec
}
