package epss

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"k8s.io/utils/clock"

	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/utils"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/vulnerability"
)

const (
	epssDir = "epss"

	// FileName is the feed as published by FIRST, optionally gzipped.
	FileName = "epss_scores-current.csv"

	colCVE        = "cve"
	colScore      = "epss"
	colPercentile = "percentile"
)

// Meta is the "#model_version:...,score_date:..." line heading the feed.
type Meta struct {
	ModelVersion string
	ScoreDate    string
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
		logger: log.WithPrefix("epss"),
	}
	for _, o := range opts {
		o(&src)
	}
	return src
}

func (vs VulnSrc) Name() types.SourceID {
	return vulnerability.EPSS
}

// Collect emits the score and percentile of every CVE in <dir>/epss.
func (vs VulnSrc) Collect(ctx context.Context, dir string, emit types.EmitFunc) error {
	rootDir := filepath.Join(dir, epssDir)
	eb := oops.In("epss").With("root_dir", rootDir)
	feedVersion := vs.clock.Now().UTC().Format(time.RFC3339)

	var count int
	err := utils.FileWalk(rootDir, func(r io.Reader, path string) error {
		base := filepath.Base(path)
		if base != FileName && base != FileName+".gz" {
			vs.logger.Debug("Skipping file", log.FilePath(path))
			return nil
		}
		eb := eb.With("file_path", path)

		if strings.HasSuffix(path, ".gz") {
			gr, err := gzip.NewReader(r)
			if err != nil {
				return eb.Wrapf(err, "gzip open error")
			}
			defer gr.Close()
			r = gr
		}

		n, err := vs.read(ctx, r, feedVersion, emit)
		if err != nil {
			return eb.Wrapf(err, "csv read error")
		}
		count += n
		return nil
	})
	if err != nil {
		return eb.Wrapf(err, "walk error")
	}

	vs.logger.Info("Collected EPSS scores", log.Int("records", count))
	return nil
}

func (vs VulnSrc) read(ctx context.Context, r io.Reader, feedVersion string, emit types.EmitFunc) (int, error) {
	br := bufio.NewReader(r)
	meta, err := readMeta(br)
	if err != nil {
		return 0, err
	}
	extra, err := vulnerability.NewExtra(map[string]any{
		"epss_model_version": meta.ModelVersion,
		"epss_score_date":    meta.ScoreDate,
	})
	if err != nil {
		return 0, err
	}

	cr := csv.NewReader(br)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	} else if err != nil {
		return 0, oops.Wrapf(err, "header read error")
	}
	cveIdx, scoreIdx, percentileIdx := slices.Index(header, colCVE), slices.Index(header, colScore), slices.Index(header, colPercentile)
	if cveIdx < 0 || scoreIdx < 0 || percentileIdx < 0 {
		return 0, oops.With("header", header).Errorf("unexpected header")
	}
	width := max(cveIdx, scoreIdx, percentileIdx) + 1

	var count int
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return count, oops.Wrapf(err, "row read error")
		}
		if len(row) < width {
			continue
		}
		if count%10000 == 0 {
			if err = ctx.Err(); err != nil {
				return count, err
			}
		}

		eb := oops.With("cve_id", row[cveIdx])
		score, err := strconv.ParseFloat(strings.TrimSpace(row[scoreIdx]), 64)
		if err != nil {
			return count, eb.Wrapf(err, "score parse error")
		}
		percentile, err := strconv.ParseFloat(strings.TrimSpace(row[percentileIdx]), 64)
		if err != nil {
			return count, eb.Wrapf(err, "percentile parse error")
		}

		rec := types.PartialRecord{
			CveID:          row[cveIdx],
			EpssScore:      types.Some(score),
			EpssPercentile: types.Some(percentile),
			FeedVersion:    types.Some(feedVersion),
			Extra:          extra,
		}
		if err = emit(rec); err != nil {
			return count, eb.Wrapf(err, "emit error")
		}
		count++
	}
	return count, nil
}

// readMeta consumes the leading comment line, if there is one.
func readMeta(br *bufio.Reader) (Meta, error) {
	b, err := br.Peek(1)
	if err != nil || b[0] != '#' {
		return Meta{}, nil
	}
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Meta{}, oops.Wrapf(err, "meta read error")
	}

	var meta Meta
	for _, kv := range strings.Split(strings.TrimSpace(strings.TrimPrefix(line, "#")), ",") {
		k, v, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "model_version":
			meta.ModelVersion = strings.TrimSpace(v)
		case "score_date":
			meta.ScoreDate = strings.TrimSpace(v)
		}
	}
	return meta, nil
}
