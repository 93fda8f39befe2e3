package msrc_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
	"github.com/tianlu-intel/tianlu-db/pkg/vulnsrc/msrc"
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
					CveID:       "CVE-2024-30080",
					Title:       types.Some("Microsoft Message Queuing (MSMQ) Remote Code Execution Vulnerability"),
					Description: types.Some("An attacker could send a specially crafted malicious MSMQ packet to an MSMQ server."),
					Severity:    types.Some("CRITICAL"),
					CvssV3Score: types.Some(9.8),
					PublishDate: types.Some("2024-06-11T07:00:00Z"),
					FeedVersion: types.Some(feedVersion),
					Vendors:     types.Some([]string{"microsoft"}),
					Products: types.Some([]string{
						"Windows 11 Version 23H2 for x64-based Systems",
						"Windows Server 2008 R2 for x64-based Systems Service Pack 1",
						"Windows Server 2022",
					}),
					References:            types.Some([]string{"https://msrc.microsoft.com/update-guide/vulnerability/CVE-2024-30080"}),
					AttackVector:          types.Some("NETWORK"),
					PrivilegesRequired:    types.Some("NONE"),
					UserInteraction:       types.Some("NONE"),
					ConfidentialityImpact: types.Some("HIGH"),
					IntegrityImpact:       types.Some("HIGH"),
					AvailabilityImpact:    types.Some("HIGH"),
					ExploitExists:         types.Some(false),
					Extra: types.Extra{
						"msrc_document":       json.RawMessage(`"2024-Jun"`),
						"msrc_exploit_status": json.RawMessage(`"Publicly Disclosed:No;Exploited:No;Latest Software Release:Exploitation More Likely"`),
					},
				},
				{
					CveID:                 "CVE-2024-30101",
					Title:                 types.Some("Microsoft Office Remote Code Execution Vulnerability"),
					Description:           types.Some("Opening a crafted document executes code."),
					Severity:              types.Some("HIGH"),
					CvssV3Score:           types.Some(7.5),
					PublishDate:           types.Some("2024-06-11T07:00:00Z"),
					FeedVersion:           types.Some(feedVersion),
					Vendors:               types.Some([]string{"microsoft"}),
					Products:              types.Some([]string{"Microsoft Office 2019 for 64-bit editions"}),
					AttackVector:          types.Some("LOCAL"),
					PrivilegesRequired:    types.Some("NONE"),
					UserInteraction:       types.Some("REQUIRED"),
					ConfidentialityImpact: types.Some("HIGH"),
					IntegrityImpact:       types.Some("HIGH"),
					AvailabilityImpact:    types.Some("HIGH"),
					ExploitExists:         types.Some(true),
					PocRiskLabel:          types.Some(types.PocRiskTrusted),
					Extra: types.Extra{
						"msrc_document":       json.RawMessage(`"2024-Jun"`),
						"msrc_exploit_status": json.RawMessage(`"Publicly Disclosed:No;Exploited:Yes;Latest Software Release:Exploitation Detected"`),
					},
				},
			},
		},
		{
			name:    "sad path",
			dir:     filepath.Join("testdata", "sad"),
			wantErr: "xml decode error",
		},
		{
			name:    "no such directory",
			dir:     filepath.Join("testdata", "missing"),
			wantErr: "walk error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := msrc.NewVulnSrc(msrc.WithClock(fakeClock))
			vulnsrctest.TestCollect(t, vs, vulnsrctest.TestCollectArgs{
				Dir:     tt.dir,
				Want:    tt.want,
				WantErr: tt.wantErr,
			})
		})
	}
}

func TestVulnSrc_Ingest(t *testing.T) {
	vs := msrc.NewVulnSrc(msrc.WithClock(fakeClock))
	vulnsrctest.TestIngest(t, vs, vulnsrctest.TestIngestArgs{
		Dir: filepath.Join("testdata", "happy"),
		WantValues: []vulnsrctest.WantValues{
			{
				CveID: "CVE-2024-30101",
				Value: types.CveRecord{
					CveID:                 "CVE-2024-30101",
					Title:                 types.Some("Microsoft Office Remote Code Execution Vulnerability"),
					Description:           types.Some("Opening a crafted document executes code."),
					Severity:              types.Some("HIGH"),
					CvssV3Score:           types.Some(7.5),
					PublishDate:           types.Some("2024-06-11T07:00:00Z"),
					AttackVector:          types.Some("LOCAL"),
					PrivilegesRequired:    types.Some("NONE"),
					UserInteraction:       types.Some("REQUIRED"),
					ConfidentialityImpact: types.Some("HIGH"),
					IntegrityImpact:       types.Some("HIGH"),
					AvailabilityImpact:    types.Some("HIGH"),
					FeedVersion:           types.Some(feedVersion),
					Vendors:               []string{"microsoft"},
					Products:              []string{"Microsoft Office 2019 for 64-bit editions"},
					References:            []string{},
					CweIDs:                []string{},
					PocSources:            []string{},
					Sources:               []string{"msrc"},
					ExploitExists:         true,
					PocRiskLabel:          types.Some(types.PocRiskTrusted),
					Extra: types.Extra{
						"msrc_document":       json.RawMessage(`"2024-Jun"`),
						"msrc_exploit_status": json.RawMessage(`"Publicly Disclosed:No;Exploited:Yes;Latest Software Release:Exploitation Detected"`),
					},
				},
			},
		},
		WantCount: 2,
	})
}

func TestVulnSrc_Name(t *testing.T) {
	vs := msrc.NewVulnSrc()
	assert.Equal(t, vulnerability.MSRC, vs.Name())
}
