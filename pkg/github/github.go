package github

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/google/go-github/v28/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/tianlu-intel/tianlu-db/pkg/log"
)

const (
	perPage = 100

	// DefaultMaxPages is as deep as the search API pages; it stops at 1000 results.
	DefaultMaxPages = 10
)

type SearchInterface interface {
	Repositories(ctx context.Context, query string, opt *github.SearchOptions) (*github.RepositoriesSearchResult, *github.Response, error)
}

type Client struct {
	Search   SearchInterface
	MaxPages int
	logger   *log.Logger
}

// NewClient authenticates with GITHUB_TOKEN when it is set.
func NewClient(ctx context.Context) Client {
	var hc *http.Client
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		hc = oauth2.NewClient(ctx, ts)
	}
	gc := github.NewClient(hc)

	return NewClientWithSearch(gc.Search)
}

func NewClientWithSearch(search SearchInterface) Client {
	return Client{
		Search:   search,
		MaxPages: DefaultMaxPages,
		logger:   log.WithPrefix("github"),
	}
}

// SearchRepositories passes every repository matching query to fn, most
// recently updated first. Hitting the rate limit ends the search early
// without an error.
func (c Client) SearchRepositories(ctx context.Context, query string, fn func(*github.Repository) error) error {
	c.logger.Info("Searching repositories", log.String("query", query))
	for page := 1; page <= c.MaxPages; page++ {
		opts := &github.SearchOptions{
			Sort:  "updated",
			Order: "desc",
			ListOptions: github.ListOptions{
				Page:    page,
				PerPage: perPage,
			},
		}
		result, _, err := c.Search.Repositories(ctx, query, opts)
		if isRateLimit(err) {
			c.logger.Warn("GitHub API rate limit exceeded, set GITHUB_TOKEN to raise it", log.Int("page", page))
			return nil
		} else if err != nil {
			return xerrors.Errorf("failed to search repositories (page %d): %w", page, err)
		}

		for i := range result.Repositories {
			if err = fn(&result.Repositories[i]); err != nil {
				return err
			}
		}
		if len(result.Repositories) < perPage {
			break
		}
	}
	return nil
}

func isRateLimit(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &rateErr) || errors.As(err, &abuseErr)
}
