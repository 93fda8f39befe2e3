package pkg

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/db"
	"github.com/tianlu-intel/tianlu-db/pkg/digest"
	"github.com/tianlu-intel/tianlu-db/pkg/errlog"
	"github.com/tianlu-intel/tianlu-db/pkg/export"
	"github.com/tianlu-intel/tianlu-db/pkg/filter"
	"github.com/tianlu-intel/tianlu-db/pkg/ingest"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/utils"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc"
)

func NewApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "tianlu-db"
	app.Version = version
	app.Usage = "Tianlu CVE intelligence store"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "db",
			Usage:  "database file path",
			Value:  db.Path(utils.CacheDir()),
			EnvVar: "TIANLU_DB",
		},
		cli.StringFlag{
			Name:   "error-log",
			Usage:  "ingestion error log path",
			Value:  errlog.Path(utils.CacheDir()),
			EnvVar: "TIANLU_ERROR_LOG",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebug(c.GlobalBool("debug"))
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:   "init-db",
			Usage:  "create the database and add missing columns",
			Action: initDB,
		},
		{
			Name:   "ingest",
			Usage:  "ingest JSON lines of partial records",
			Action: ingestRecords,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "source",
					Usage: "feed name recorded in sources (required)",
				},
				cli.StringFlag{
					Name:  "input",
					Usage: "input file path, - for stdin",
					Value: "-",
				},
				batchSizeFlag,
			},
		},
		{
			Name:      "collect",
			Usage:     "convert a feed to JSON lines on stdout",
			ArgsUsage: "source",
			Action:    collect,
			Flags: []cli.Flag{
				dirFlag,
				githubSinceFlag,
			},
		},
		{
			Name:   "build",
			Usage:  "collect and ingest feeds",
			Action: build,
			Flags: []cli.Flag{
				dirFlag,
				cli.StringFlag{
					Name:  "only-update",
					Usage: "update db only specified sources (comma separated)",
					Value: strings.Join(vulnsrc.UpdateList, ","),
				},
				githubSinceFlag,
				batchSizeFlag,
			},
		},
		{
			Name:   "list",
			Usage:  "list records as a table",
			Action: list,
			Flags:  criteriaFlags(50),
		},
		{
			Name:      "show",
			Usage:     "show one record",
			ArgsUsage: "cve_id",
			Action:    show,
		},
		{
			Name:   "export",
			Usage:  "export records",
			Action: exportRecords,
			Flags: append(criteriaFlags(0),
				cli.StringFlag{
					Name:  "format",
					Usage: "json or csv",
					Value: string(export.FormatJSON),
				},
				outputFlag,
			),
		},
		{
			Name:   "digest",
			Usage:  "render the watchlist digest as markdown",
			Action: digestWatchlist,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config",
					Usage: "watchlist file, YAML or TOML (required)",
				},
				cli.StringFlag{
					Name:  "since",
					Usage: "publish date lower bound, a date or a relative token such as 7d",
					Value: digest.DefaultSince,
				},
				cli.StringFlag{
					Name:  "cve-pattern",
					Usage: "CVE ID pattern, e.g. CVE-2024-",
				},
				cli.IntFlag{
					Name:  "limit",
					Usage: "maximum records per item, 0 for no limit",
					Value: 50,
				},
				outputFlag,
			},
		},
		{
			Name:   "status",
			Usage:  "show build metadata and the record count",
			Action: status,
		},
	}

	return app
}

var (
	batchSizeFlag = cli.IntFlag{
		Name:  "batch-size",
		Usage: "records per transaction",
		Value: ingest.DefaultBatchSize,
	}
	dirFlag = cli.StringFlag{
		Name:  "dir",
		Usage: "feed directory",
		Value: utils.CacheDir(),
	}
	githubSinceFlag = cli.StringFlag{
		Name:  "github-since",
		Usage: "search PoC repositories pushed after this date or relative token",
		Value: "7d",
	}
	outputFlag = cli.StringFlag{
		Name:  "output, o",
		Usage: "output file path, - for stdout",
		Value: "-",
	}
)

func criteriaFlags(limit int) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "since", Usage: "publish date lower bound (inclusive)"},
		cli.StringFlag{Name: "until", Usage: "publish date upper bound (inclusive)"},
		cli.StringFlag{Name: "severity", Usage: "exact severity"},
		cli.StringFlag{Name: "keyword", Usage: "substring of title or description"},
		cli.StringFlag{Name: "cwe", Usage: "CWE ID"},
		cli.StringFlag{Name: "attack-vector", Usage: "CVSS v3 attack vector, e.g. NETWORK"},
		cli.StringFlag{Name: "source", Usage: "contributing feed"},
		cli.StringFlag{Name: "vendor", Usage: "vendor substring"},
		cli.StringFlag{Name: "product", Usage: "product substring"},
		cli.BoolFlag{Name: "kev", Usage: "only records in the KEV catalog (--kev=false for the others)"},
		cli.IntFlag{Name: "limit", Usage: "maximum records, 0 for no limit", Value: limit},
	}
}

func criteria(c *cli.Context) filter.Criteria {
	cr := filter.Criteria{
		Since:        c.String("since"),
		Until:        c.String("until"),
		Severity:     c.String("severity"),
		Keyword:      c.String("keyword"),
		CWE:          c.String("cwe"),
		AttackVector: c.String("attack-vector"),
		Source:       c.String("source"),
		Vendor:       c.String("vendor"),
		Product:      c.String("product"),
		Limit:        c.Int("limit"),
	}
	if c.IsSet("kev") {
		cr.InKEV = types.Some(c.Bool("kev"))
	}
	return cr
}

// openReadStore opens an existing database for the read commands.
func openReadStore(c *cli.Context) (*db.Store, error) {
	path := c.GlobalString("db")
	store, err := db.OpenExisting(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Errorf("database %s not found, run init-db first", path)
	} else if err != nil {
		return nil, xerrors.Errorf("db open error: %w", err)
	}
	return store, nil
}

// openStore opens the database and brings its schema up to date.
func openStore(ctx context.Context, c *cli.Context) (*db.Store, error) {
	store, err := db.Open(c.GlobalString("db"))
	if err != nil {
		return nil, xerrors.Errorf("db open error: %w", err)
	}
	if err = store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, xerrors.Errorf("db initialize error: %w", err)
	}
	return store, nil
}
