package types

import (
	"encoding/json"
	"strings"
)

// Extra is the source-specific metadata bag. Values are kept as raw JSON.
type Extra map[string]json.RawMessage

// CveRecord is the consolidated state of one CVE.
type CveRecord struct {
	CveID string `json:"cve_id"`

	Title                 Opt[string]  `json:"title,omitzero"`
	Description           Opt[string]  `json:"description,omitzero"`
	Severity              Opt[string]  `json:"severity,omitzero"`
	CvssV2Score           Opt[float64] `json:"cvss_v2_score,omitzero"`
	CvssV3Score           Opt[float64] `json:"cvss_v3_score,omitzero"`
	PublishDate           Opt[string]  `json:"publish_date,omitzero"`
	UpdateDate            Opt[string]  `json:"update_date,omitzero"`
	AttackVector          Opt[string]  `json:"attack_vector,omitzero"`
	PrivilegesRequired    Opt[string]  `json:"privileges_required,omitzero"`
	UserInteraction       Opt[string]  `json:"user_interaction,omitzero"`
	ConfidentialityImpact Opt[string]  `json:"confidentiality_impact,omitzero"`
	IntegrityImpact       Opt[string]  `json:"integrity_impact,omitzero"`
	AvailabilityImpact    Opt[string]  `json:"availability_impact,omitzero"`
	FeedVersion           Opt[string]  `json:"feed_version,omitzero"`
	EpssScore             Opt[float64] `json:"epss_score,omitzero"`
	EpssPercentile        Opt[float64] `json:"epss_percentile,omitzero"`

	Vendors    []string `json:"vendors"`
	Products   []string `json:"products"`
	References []string `json:"references"`
	CweIDs     []string `json:"cwe_ids"`
	PocSources []string `json:"poc_sources"`
	Sources    []string `json:"sources"`

	IsInKEV       bool `json:"is_in_kev"`
	ExploitExists bool `json:"exploit_exists"`

	PocRiskLabel Opt[string] `json:"poc_risk_label,omitzero"`
	PocRepoCount Opt[int64]  `json:"poc_repo_count,omitzero"`

	Extra Extra `json:"extra,omitempty"`
}

// PartialRecord is one candidate record from a feed. Any field may be absent.
type PartialRecord struct {
	CveID string `json:"cve_id"`

	Title                 Opt[string]  `json:"title,omitzero"`
	Description           Opt[string]  `json:"description,omitzero"`
	Severity              Opt[string]  `json:"severity,omitzero"`
	CvssV2Score           Opt[float64] `json:"cvss_v2_score,omitzero"`
	CvssV3Score           Opt[float64] `json:"cvss_v3_score,omitzero"`
	PublishDate           Opt[string]  `json:"publish_date,omitzero"`
	UpdateDate            Opt[string]  `json:"update_date,omitzero"`
	AttackVector          Opt[string]  `json:"attack_vector,omitzero"`
	PrivilegesRequired    Opt[string]  `json:"privileges_required,omitzero"`
	UserInteraction       Opt[string]  `json:"user_interaction,omitzero"`
	ConfidentialityImpact Opt[string]  `json:"confidentiality_impact,omitzero"`
	IntegrityImpact       Opt[string]  `json:"integrity_impact,omitzero"`
	AvailabilityImpact    Opt[string]  `json:"availability_impact,omitzero"`
	FeedVersion           Opt[string]  `json:"feed_version,omitzero"`
	EpssScore             Opt[float64] `json:"epss_score,omitzero"`
	EpssPercentile        Opt[float64] `json:"epss_percentile,omitzero"`

	Vendors    Opt[[]string] `json:"vendors,omitzero"`
	Products   Opt[[]string] `json:"products,omitzero"`
	References Opt[[]string] `json:"references,omitzero"`
	CweIDs     Opt[[]string] `json:"cwe_ids,omitzero"`
	PocSources Opt[[]string] `json:"poc_sources,omitzero"`

	IsInKEV       Opt[bool] `json:"is_in_kev,omitzero"`
	ExploitExists Opt[bool] `json:"exploit_exists,omitzero"`

	PocRiskLabel Opt[string] `json:"poc_risk_label,omitzero"`
	PocRepoCount Opt[int64]  `json:"poc_repo_count,omitzero"`

	Extra Extra `json:"extra,omitempty"`
}

var partialFields = map[string]struct{}{}

func init() {
	for _, f := range []string{
		"cve_id", "title", "description", "severity", "cvss_v2_score", "cvss_v3_score",
		"publish_date", "update_date", "attack_vector", "privileges_required", "user_interaction",
		"confidentiality_impact", "integrity_impact", "availability_impact", "feed_version",
		"epss_score", "epss_percentile", "vendors", "products", "references", "cwe_ids",
		"poc_sources", "is_in_kev", "exploit_exists", "poc_risk_label", "poc_repo_count", "extra",
	} {
		partialFields[f] = struct{}{}
	}
}

// UnmarshalJSON decodes a feed line. Top-level keys that are not record fields
// are carried verbatim into Extra; the explicit "extra" object wins on collision.
func (p *PartialRecord) UnmarshalJSON(b []byte) error {
	type alias PartialRecord
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	extra := Extra{}
	for k, v := range raw {
		if _, ok := partialFields[strings.ToLower(k)]; !ok {
			extra[k] = v
		}
	}
	for k, v := range a.Extra {
		extra[k] = v
	}
	a.Extra = nil
	if len(extra) > 0 {
		a.Extra = extra
	}

	*p = PartialRecord(a)
	return nil
}

// NormalizeCveID trims and upper-cases an identifier so that feeds spelling it
// differently land on the same record.
func NormalizeCveID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
