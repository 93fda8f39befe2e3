package ghpoc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v28/github"
	"github.com/samber/oops"
	"k8s.io/utils/clock"

	gh "github.com/tianlu-intel/tianlu-db/pkg/github"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/utils"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/vulnerability"
)

const (
	DefaultWindow = 7 * 24 * time.Hour

	queryDateFormat = "2006-01-02"
)

type Searcher interface {
	SearchRepositories(ctx context.Context, query string, fn func(*github.Repository) error) error
}

// Repo is stored under extra.github_repo.
type Repo struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Stars       int    `json:"stars"`
	Forks       int    `json:"forks"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type Option func(src *VulnSrc)

func WithClock(c clock.Clock) Option {
	return func(src *VulnSrc) {
		src.clock = c
	}
}

func WithSearcher(s Searcher) Option {
	return func(src *VulnSrc) {
		src.searcher = s
	}
}

// WithSince limits the search to repositories pushed after t.
func WithSince(t time.Time) Option {
	return func(src *VulnSrc) {
		src.since = t
	}
}

type VulnSrc struct {
	clock    clock.Clock
	searcher Searcher
	since    time.Time
	logger   *log.Logger
}

func NewVulnSrc(opts ...Option) VulnSrc {
	src := VulnSrc{
		clock:  clock.RealClock{},
		logger: log.WithPrefix("ghpoc"),
	}
	for _, o := range opts {
		o(&src)
	}
	return src
}

func (vs VulnSrc) Name() types.SourceID {
	return vulnerability.GitHubPoC
}

// Collect searches GitHub instead of reading dir. Each repository yields one
// record per CVE ID found in its name or description.
func (vs VulnSrc) Collect(ctx context.Context, _ string, emit types.EmitFunc) error {
	now := vs.clock.Now().UTC()
	since := vs.since
	if since.IsZero() {
		since = now.Add(-DefaultWindow)
	}
	query := fmt.Sprintf("CVE pushed:>%s", since.UTC().Format(queryDateFormat))
	eb := oops.In("ghpoc").With("query", query)
	feedVersion := now.Format(time.RFC3339)

	searcher := vs.searcher
	if searcher == nil {
		searcher = gh.NewClient(ctx)
	}

	var repos, count int
	err := searcher.SearchRepositories(ctx, query, func(repo *github.Repository) error {
		repos++
		ids := utils.ExtractCveIDs(repo.GetName(), repo.GetDescription())
		if len(ids) == 0 {
			return nil
		}

		extra, err := repoExtra(repo)
		if err != nil {
			return eb.With("repository", repo.GetFullName()).Wrapf(err, "parse error")
		}
		for _, id := range ids {
			rec := types.PartialRecord{
				CveID:         id,
				FeedVersion:   types.Some(feedVersion),
				PocSources:    vulnerability.StringSet(repo.GetHTMLURL()),
				ExploitExists: types.Some(true),
				PocRiskLabel:  types.Some(types.PocRiskUnverifiedExploit),
				PocRepoCount:  types.Some[int64](1),
				Extra:         extra,
			}
			if err = emit(rec); err != nil {
				return eb.With("cve_id", id).Wrapf(err, "emit error")
			}
			count++
		}
		return nil
	})
	if err != nil {
		return eb.Wrapf(err, "search error")
	}

	vs.logger.Info("Collected GitHub PoC repositories", log.Int("repositories", repos), log.Int("records", count))
	return nil
}

func repoExtra(repo *github.Repository) (types.Extra, error) {
	r := Repo{
		Name:        repo.GetFullName(),
		URL:         repo.GetHTMLURL(),
		Description: repo.GetDescription(),
		Stars:       repo.GetStargazersCount(),
		Forks:       repo.GetForksCount(),
	}
	if pushed := repo.GetPushedAt(); !pushed.IsZero() {
		r.UpdatedAt = pushed.UTC().Format(time.RFC3339)
	}
	return vulnerability.NewExtra(map[string]any{
		"github_repo": r,
	})
}
