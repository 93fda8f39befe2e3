package ghpoc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-github/v28/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/ghpoc"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/vulnerability"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrctest"
)

const feedVersion = "2024-06-01T12:00:00Z"

var fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

type MockSearcher struct {
	mock.Mock
}

func (_m *MockSearcher) SearchRepositories(ctx context.Context, query string, fn func(*github.Repository) error) error {
	ret := _m.Called(ctx, query)
	repos, _ := ret.Get(0).([]*github.Repository)
	for _, repo := range repos {
		if err := fn(repo); err != nil {
			return err
		}
	}
	return ret.Error(1)
}

var (
	pushedAt = github.Timestamp{Time: time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)}

	log4shell = &github.Repository{
		Name:            github.String("log4shell-poc"),
		FullName:        github.String("alice/log4shell-poc"),
		HTMLURL:         github.String("https://github.com/alice/log4shell-poc"),
		Description:     github.String("PoC for cve-2021-44228 and CVE-2021-45046"),
		StargazersCount: github.Int(42),
		ForksCount:      github.Int(7),
		PushedAt:        &pushedAt,
	}
	unrelated = &github.Repository{
		Name:     github.String("cve-tracker"),
		FullName: github.String("bob/cve-tracker"),
		HTMLURL:  github.String("https://github.com/bob/cve-tracker"),
	}
	named = &github.Repository{
		Name:     github.String("CVE-2024-0001"),
		FullName: github.String("carol/CVE-2024-0001"),
		HTMLURL:  github.String("https://github.com/carol/CVE-2024-0001"),
	}
)

func TestVulnSrc_Collect(t *testing.T) {
	log4shellExtra := types.Extra{
		"github_repo": json.RawMessage(`{"name":"alice/log4shell-poc","url":"https://github.com/alice/log4shell-poc","description":"PoC for cve-2021-44228 and CVE-2021-45046","stars":42,"forks":7,"updated_at":"2024-05-30T08:00:00Z"}`),
	}
	poc := func(id, url string, extra types.Extra) types.PartialRecord {
		return types.PartialRecord{
			CveID:         id,
			FeedVersion:   types.Some(feedVersion),
			PocSources:    types.Some([]string{url}),
			ExploitExists: types.Some(true),
			PocRiskLabel:  types.Some(types.PocRiskUnverifiedExploit),
			PocRepoCount:  types.Some[int64](1),
			Extra:         extra,
		}
	}

	tests := []struct {
		name      string
		since     time.Time
		wantQuery string
		repos     []*github.Repository
		searchErr error
		want      []types.PartialRecord
		wantErr   string
	}{
		{
			name:      "default window",
			wantQuery: "CVE pushed:>2024-05-25",
			repos:     []*github.Repository{log4shell, unrelated, named},
			want: []types.PartialRecord{
				poc("CVE-2021-44228", "https://github.com/alice/log4shell-poc", log4shellExtra),
				poc("CVE-2021-45046", "https://github.com/alice/log4shell-poc", log4shellExtra),
				poc("CVE-2024-0001", "https://github.com/carol/CVE-2024-0001", types.Extra{
					"github_repo": json.RawMessage(`{"name":"carol/CVE-2024-0001","url":"https://github.com/carol/CVE-2024-0001","description":"","stars":0,"forks":0}`),
				}),
			},
		},
		{
			name:      "explicit since",
			since:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			wantQuery: "CVE pushed:>2024-01-01",
			repos:     []*github.Repository{unrelated},
		},
		{
			name:      "search error",
			wantQuery: "CVE pushed:>2024-05-25",
			searchErr: errors.New("connection reset"),
			wantErr:   "search error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockSearcher)
			m.On("SearchRepositories", mock.Anything, tt.wantQuery).Return(tt.repos, tt.searchErr)

			opts := []ghpoc.Option{ghpoc.WithClock(fakeClock), ghpoc.WithSearcher(m)}
			if !tt.since.IsZero() {
				opts = append(opts, ghpoc.WithSince(tt.since))
			}
			vulnsrctest.TestCollect(t, ghpoc.NewVulnSrc(opts...), vulnsrctest.TestCollectArgs{
				Want:    tt.want,
				WantErr: tt.wantErr,
			})
			m.AssertExpectations(t)
		})
	}
}

func TestVulnSrc_Ingest(t *testing.T) {
	m := new(MockSearcher)
	m.On("SearchRepositories", mock.Anything, mock.Anything).Return([]*github.Repository{log4shell, named}, nil)

	vs := ghpoc.NewVulnSrc(ghpoc.WithClock(fakeClock), ghpoc.WithSearcher(m))
	vulnsrctest.TestIngest(t, vs, vulnsrctest.TestIngestArgs{
		WantValues: []vulnsrctest.WantValues{
			{
				CveID: "CVE-2024-0001",
				Value: types.CveRecord{
					CveID:         "CVE-2024-0001",
					FeedVersion:   types.Some(feedVersion),
					Vendors:       []string{},
					Products:      []string{},
					References:    []string{},
					CweIDs:        []string{},
					PocSources:    []string{"https://github.com/carol/CVE-2024-0001"},
					Sources:       []string{"ghpoc"},
					ExploitExists: true,
					PocRiskLabel:  types.Some(types.PocRiskUnverifiedExploit),
					PocRepoCount:  types.Some[int64](1),
					Extra: types.Extra{
						"github_repo": json.RawMessage(`{"name":"carol/CVE-2024-0001","url":"https://github.com/carol/CVE-2024-0001","description":"","stars":0,"forks":0}`),
					},
				},
			},
		},
		WantCount: 3,
	})
}

func TestVulnSrc_Name(t *testing.T) {
	vs := ghpoc.NewVulnSrc()
	assert.Equal(t, vulnerability.GitHubPoC, vs.Name())
}
