// Package merge consolidates partial CVE records from many feeds into one record
// per identifier.
//
// Scalars are overwritten when the incoming record supplies them, so for those
// fields the later-ingested feed wins. Sets, sources, the KEV/exploit flags, the
// PoC repository count and the PoC risk label only ever grow, which makes them
// independent of ingestion order.
package merge

import (
	"github.com/samber/oops"

	"github.com/tianlu-intel/tianlu-db/pkg/set"
	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

// Warning reports a stored field that was unreadable and was merged as empty.
type Warning struct {
	CveID string
	Field string
	Err   error
}

func (w Warning) Error() string {
	return w.CveID + ": " + w.Field + ": " + w.Err.Error()
}

// Apply merges incoming into existing and returns the new record state.
// A nil existing yields a fresh record seeded from incoming.
func Apply(existing *types.CveRecord, incoming types.PartialRecord, source string) types.CveRecord {
	cur := types.CveRecord{CveID: types.NormalizeCveID(incoming.CveID)}
	if existing != nil {
		cur = *existing
	}

	return types.CveRecord{
		CveID: cur.CveID,

		Title:                 incoming.Title.Or(cur.Title),
		Description:           incoming.Description.Or(cur.Description),
		Severity:              incoming.Severity.Or(cur.Severity),
		CvssV2Score:           incoming.CvssV2Score.Or(cur.CvssV2Score),
		CvssV3Score:           incoming.CvssV3Score.Or(cur.CvssV3Score),
		PublishDate:           incoming.PublishDate.Or(cur.PublishDate),
		UpdateDate:            incoming.UpdateDate.Or(cur.UpdateDate),
		AttackVector:          incoming.AttackVector.Or(cur.AttackVector),
		PrivilegesRequired:    incoming.PrivilegesRequired.Or(cur.PrivilegesRequired),
		UserInteraction:       incoming.UserInteraction.Or(cur.UserInteraction),
		ConfidentialityImpact: incoming.ConfidentialityImpact.Or(cur.ConfidentialityImpact),
		IntegrityImpact:       incoming.IntegrityImpact.Or(cur.IntegrityImpact),
		AvailabilityImpact:    incoming.AvailabilityImpact.Or(cur.AvailabilityImpact),
		FeedVersion:           incoming.FeedVersion.Or(cur.FeedVersion),
		EpssScore:             incoming.EpssScore.Or(cur.EpssScore),
		EpssPercentile:        incoming.EpssPercentile.Or(cur.EpssPercentile),

		Vendors:    set.Union(cur.Vendors, incoming.Vendors.Value),
		Products:   set.Union(cur.Products, incoming.Products.Value),
		References: set.Union(cur.References, incoming.References.Value),
		CweIDs:     set.Union(cur.CweIDs, incoming.CweIDs.Value),
		PocSources: set.Union(cur.PocSources, incoming.PocSources.Value),
		Sources:    set.Union(cur.Sources, []string{source}),

		IsInKEV:       cur.IsInKEV || incoming.IsInKEV.OrElse(false),
		ExploitExists: cur.ExploitExists || incoming.ExploitExists.OrElse(false),

		PocRiskLabel: higherRiskLabel(cur.PocRiskLabel, incoming.PocRiskLabel),
		PocRepoCount: maxCount(cur.PocRepoCount, incoming.PocRepoCount),

		Extra: mergeExtra(cur.Extra, incoming.Extra),
	}
}

// Merge is Apply over the stored column form. Columns of existing that fail to
// decode are merged as empty and returned as warnings.
func Merge(existing *types.StoredRecord, incoming types.PartialRecord, source string) (types.StoredRecord, []Warning, error) {
	var (
		cur      *types.CveRecord
		warnings []Warning
	)
	if existing != nil {
		rec, errs := existing.Decode()
		for _, e := range errs {
			warnings = append(warnings, Warning{CveID: existing.CveID, Field: e.Field, Err: e.Err})
		}
		cur = &rec
	}

	merged := Apply(cur, incoming, source)
	stored, err := merged.Encode()
	if err != nil {
		return types.StoredRecord{}, warnings, oops.In("merge").With("cve_id", merged.CveID).With("source", source).
			Wrapf(err, "record encode error")
	}
	return stored, warnings, nil
}

// higherRiskLabel keeps the label with the higher priority; ties keep the
// existing label. An unranked label is only taken when nothing is stored.
func higherRiskLabel(existing, incoming types.Opt[string]) types.Opt[string] {
	if !incoming.Valid {
		return existing
	}
	if !existing.Valid {
		return incoming
	}
	if types.PocRiskPriority(incoming.Value) > types.PocRiskPriority(existing.Value) {
		return incoming
	}
	return existing
}

func maxCount(existing, incoming types.Opt[int64]) types.Opt[int64] {
	if !incoming.Valid {
		return existing
	}
	if !existing.Valid || incoming.Value > existing.Value {
		return incoming
	}
	return existing
}
