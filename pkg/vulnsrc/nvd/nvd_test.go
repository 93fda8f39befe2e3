package nvd_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/nvd"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/vulnerability"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrctest"
)

const feedVersion = "2024-06-01T12:00:00Z"

var fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

func TestVulnSrc_Collect(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		want    []types.PartialRecord
		wantErr string
	}{
		{
			name: "happy path",
			dir:  filepath.Join("testdata", "happy"),
			want: []types.PartialRecord{
				{
					CveID:                 "CVE-2023-0004",
					Title:                 types.Some("CVE-2023-0004"),
					Description:           types.Some("Beta portal information disclosure."),
					Severity:              types.Some("MEDIUM"),
					CvssV3Score:           types.Some(5.0),
					PublishDate:           types.Some("2023-03-01T00:00:00Z"),
					UpdateDate:            types.Some("2023-03-02T00:00:00Z"),
					AttackVector:          types.Some("LOCAL"),
					PrivilegesRequired:    types.Some("LOW"),
					UserInteraction:       types.Some("REQUIRED"),
					ConfidentialityImpact: types.Some("HIGH"),
					IntegrityImpact:       types.Some("NONE"),
					AvailabilityImpact:    types.Some("NONE"),
					FeedVersion:           types.Some(feedVersion),
					ExploitExists:         types.Some(false),
					Extra:                 types.Extra{"nvd_status": json.RawMessage(`"Modified"`)},
				},
				{
					CveID:         "CVE-2023-0005",
					Title:         types.Some("CVE-2023-0005"),
					Description:   types.Some("Gamma daemon crash."),
					PublishDate:   types.Some("2023-04-01T00:00:00Z"),
					UpdateDate:    types.Some("2023-04-01T00:00:00Z"),
					FeedVersion:   types.Some(feedVersion),
					ExploitExists: types.Some(false),
					Extra:         types.Extra{"nvd_status": json.RawMessage(`"Awaiting Analysis"`)},
				},
				{
					CveID:                 "CVE-2024-0001",
					Title:                 types.Some("CVE-2024-0001"),
					Description:           types.Some("Acme Router allows remote code execution via the diagnostics page."),
					Severity:              types.Some("CRITICAL"),
					CvssV2Score:           types.Some(7.5),
					CvssV3Score:           types.Some(9.8),
					PublishDate:           types.Some("2024-01-10T08:15:30Z"),
					UpdateDate:            types.Some("2024-02-01T10:00:00Z"),
					AttackVector:          types.Some("NETWORK"),
					PrivilegesRequired:    types.Some("NONE"),
					UserInteraction:       types.Some("NONE"),
					ConfidentialityImpact: types.Some("HIGH"),
					IntegrityImpact:       types.Some("HIGH"),
					AvailabilityImpact:    types.Some("HIGH"),
					FeedVersion:           types.Some(feedVersion),
					Vendors:               types.Some([]string{"acme"}),
					Products:              types.Some([]string{"router", "router_firmware"}),
					References: types.Some([]string{
						"https://acme.example/advisory",
						"https://github.com/someone/CVE-2024-0001",
						"https://www.exploit-db.com/exploits/51000",
					}),
					CweIDs:        types.Some([]string{"CWE-78"}),
					PocSources:    types.Some([]string{vulnerability.PocExploitDB, vulnerability.PocGitHub}),
					IsInKEV:       types.Some(true),
					ExploitExists: types.Some(true),
					PocRiskLabel:  types.Some(types.PocRiskUnknown),
					Extra:         types.Extra{"nvd_status": json.RawMessage(`"Analyzed"`)},
				},
			},
		},
		{
			name:    "sad path",
			dir:     filepath.Join("testdata", "sad"),
			wantErr: "json decode error",
		},
		{
			name:    "no such directory",
			dir:     filepath.Join("testdata", "missing"),
			wantErr: "walk dir error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := nvd.NewVulnSrc(nvd.WithClock(fakeClock))
			vulnsrctest.TestCollect(t, vs, vulnsrctest.TestCollectArgs{
				Dir:     tt.dir,
				Want:    tt.want,
				WantErr: tt.wantErr,
			})
		})
	}
}

func TestVulnSrc_Ingest(t *testing.T) {
	vs := nvd.NewVulnSrc(nvd.WithClock(fakeClock))
	vulnsrctest.TestIngest(t, vs, vulnsrctest.TestIngestArgs{
		Dir:      filepath.Join("testdata", "happy"),
		Fixtures: []string{filepath.Join("testdata", "fixtures", "kev.yaml")},
		WantValues: []vulnsrctest.WantValues{
			{
				CveID: "CVE-2023-0005",
				Value: types.CveRecord{
					CveID:       "CVE-2023-0005",
					Title:       types.Some("CVE-2023-0005"),
					Description: types.Some("Gamma daemon crash."),
					PublishDate: types.Some("2023-04-01T00:00:00Z"),
					UpdateDate:  types.Some("2023-04-01T00:00:00Z"),
					FeedVersion: types.Some(feedVersion),
					Vendors:     []string{},
					Products:    []string{},
					References:  []string{},
					CweIDs:      []string{},
					PocSources:  []string{},
					Sources:     []string{"nvd"},
					Extra:       types.Extra{"nvd_status": json.RawMessage(`"Awaiting Analysis"`)},
				},
			},
			{
				// Stored from a KEV run before; NVD data is layered on top.
				CveID: "CVE-2024-0001",
				Value: types.CveRecord{
					CveID:                 "CVE-2024-0001",
					Title:                 types.Some("CVE-2024-0001"),
					Description:           types.Some("Acme Router allows remote code execution via the diagnostics page."),
					Severity:              types.Some("CRITICAL"),
					CvssV2Score:           types.Some(7.5),
					CvssV3Score:           types.Some(9.8),
					PublishDate:           types.Some("2024-01-10T08:15:30Z"),
					UpdateDate:            types.Some("2024-02-01T10:00:00Z"),
					AttackVector:          types.Some("NETWORK"),
					PrivilegesRequired:    types.Some("NONE"),
					UserInteraction:       types.Some("NONE"),
					ConfidentialityImpact: types.Some("HIGH"),
					IntegrityImpact:       types.Some("HIGH"),
					AvailabilityImpact:    types.Some("HIGH"),
					FeedVersion:           types.Some(feedVersion),
					Vendors:               []string{"acme"},
					Products:              []string{"router", "router_firmware"},
					References: []string{
						"https://acme.example/advisory",
						"https://github.com/someone/CVE-2024-0001",
						"https://www.exploit-db.com/exploits/51000",
					},
					CweIDs:        []string{"CWE-78"},
					PocSources:    []string{vulnerability.PocExploitDB, vulnerability.PocGitHub},
					Sources:       []string{"kev", "nvd"},
					IsInKEV:       true,
					ExploitExists: true,
					PocRiskLabel:  types.Some(types.PocRiskTrusted),
					Extra: types.Extra{
						"nvd_status":      json.RawMessage(`"Analyzed"`),
						"required_action": json.RawMessage(`"Apply updates per vendor instructions."`),
					},
				},
			},
		},
		WantCount: 3,
	})
}

func TestVulnSrc_Name(t *testing.T) {
	vs := nvd.NewVulnSrc()
	assert.Equal(t, vulnerability.NVD, vs.Name())
}
