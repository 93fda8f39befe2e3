package types

import (
	"database/sql"
	"encoding/json"
	"slices"

	"github.com/samber/oops"
)

// StoredRecord is the column form of a CveRecord. Set-valued fields and the
// extra bag are serialized JSON.
type StoredRecord struct {
	CveID string `db:"cve_id"`

	Title                 sql.Null[string]  `db:"title"`
	Description           sql.Null[string]  `db:"description"`
	Severity              sql.Null[string]  `db:"severity"`
	CvssV2Score           sql.Null[float64] `db:"cvss_v2_score"`
	CvssV3Score           sql.Null[float64] `db:"cvss_v3_score"`
	PublishDate           sql.Null[string]  `db:"publish_date"`
	UpdateDate            sql.Null[string]  `db:"update_date"`
	AttackVector          sql.Null[string]  `db:"attack_vector"`
	PrivilegesRequired    sql.Null[string]  `db:"privileges_required"`
	UserInteraction       sql.Null[string]  `db:"user_interaction"`
	ConfidentialityImpact sql.Null[string]  `db:"confidentiality_impact"`
	IntegrityImpact       sql.Null[string]  `db:"integrity_impact"`
	AvailabilityImpact    sql.Null[string]  `db:"availability_impact"`
	FeedVersion           sql.Null[string]  `db:"feed_version"`
	EpssScore             sql.Null[float64] `db:"epss_score"`
	EpssPercentile        sql.Null[float64] `db:"epss_percentile"`

	Vendors    sql.Null[string] `db:"vendors"`
	Products   sql.Null[string] `db:"products"`
	References sql.Null[string] `db:"references"`
	CweIDs     sql.Null[string] `db:"cwe_ids"`
	PocSources sql.Null[string] `db:"poc_sources"`
	Sources    sql.Null[string] `db:"sources"`

	IsInKEV       sql.Null[bool] `db:"is_in_kev"`
	ExploitExists sql.Null[bool] `db:"exploit_exists"`

	PocRiskLabel sql.Null[string] `db:"poc_risk_label"`
	PocRepoCount sql.Null[int64]  `db:"poc_repo_count"`

	Extra   sql.Null[string] `db:"extra"`
	RawData sql.Null[string] `db:"raw_data"` // legacy bag column, read only when extra is NULL
}

// FieldError describes a stored column that could not be decoded.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

// Decode converts the column form into a CveRecord. A serialized column that fails
// to decode is treated as empty and reported; decoding never aborts.
func (s StoredRecord) Decode() (CveRecord, []FieldError) {
	var errs []FieldError
	set := func(field string, col sql.Null[string]) []string {
		v, err := decodeSet(col)
		if err != nil {
			errs = append(errs, FieldError{Field: field, Err: err})
		}
		return v
	}

	rec := CveRecord{
		CveID:                 s.CveID,
		Title:                 OptOf(s.Title),
		Description:           OptOf(s.Description),
		Severity:              OptOf(s.Severity),
		CvssV2Score:           OptOf(s.CvssV2Score),
		CvssV3Score:           OptOf(s.CvssV3Score),
		PublishDate:           OptOf(s.PublishDate),
		UpdateDate:            OptOf(s.UpdateDate),
		AttackVector:          OptOf(s.AttackVector),
		PrivilegesRequired:    OptOf(s.PrivilegesRequired),
		UserInteraction:       OptOf(s.UserInteraction),
		ConfidentialityImpact: OptOf(s.ConfidentialityImpact),
		IntegrityImpact:       OptOf(s.IntegrityImpact),
		AvailabilityImpact:    OptOf(s.AvailabilityImpact),
		FeedVersion:           OptOf(s.FeedVersion),
		EpssScore:             OptOf(s.EpssScore),
		EpssPercentile:        OptOf(s.EpssPercentile),
		Vendors:               set("vendors", s.Vendors),
		Products:              set("products", s.Products),
		References:            set("references", s.References),
		CweIDs:                set("cwe_ids", s.CweIDs),
		PocSources:            set("poc_sources", s.PocSources),
		Sources:               set("sources", s.Sources),
		IsInKEV:               s.IsInKEV.Valid && s.IsInKEV.V,
		ExploitExists:         s.ExploitExists.Valid && s.ExploitExists.V,
		PocRiskLabel:          OptOf(s.PocRiskLabel),
		PocRepoCount:          OptOf(s.PocRepoCount),
	}

	bag, field := s.Extra, "extra"
	if !bag.Valid {
		bag, field = s.RawData, "raw_data"
	}
	extra, err := decodeExtra(bag)
	if err != nil {
		errs = append(errs, FieldError{Field: field, Err: err})
	}
	rec.Extra = extra

	return rec, errs
}

// Encode converts a CveRecord into its column form. Sets are stored sorted.
func (r CveRecord) Encode() (StoredRecord, error) {
	eb := oops.In("types").With("cve_id", r.CveID)

	s := StoredRecord{
		CveID:                 r.CveID,
		Title:                 NullOf(r.Title),
		Description:           NullOf(r.Description),
		Severity:              NullOf(r.Severity),
		CvssV2Score:           NullOf(r.CvssV2Score),
		CvssV3Score:           NullOf(r.CvssV3Score),
		PublishDate:           NullOf(r.PublishDate),
		UpdateDate:            NullOf(r.UpdateDate),
		AttackVector:          NullOf(r.AttackVector),
		PrivilegesRequired:    NullOf(r.PrivilegesRequired),
		UserInteraction:       NullOf(r.UserInteraction),
		ConfidentialityImpact: NullOf(r.ConfidentialityImpact),
		IntegrityImpact:       NullOf(r.IntegrityImpact),
		AvailabilityImpact:    NullOf(r.AvailabilityImpact),
		FeedVersion:           NullOf(r.FeedVersion),
		EpssScore:             NullOf(r.EpssScore),
		EpssPercentile:        NullOf(r.EpssPercentile),
		IsInKEV:               sql.Null[bool]{V: r.IsInKEV, Valid: true},
		ExploitExists:         sql.Null[bool]{V: r.ExploitExists, Valid: true},
		PocRiskLabel:          NullOf(r.PocRiskLabel),
		PocRepoCount:          NullOf(r.PocRepoCount),
	}

	sets := []struct {
		field  string
		values []string
		dst    *sql.Null[string]
	}{
		{"vendors", r.Vendors, &s.Vendors},
		{"products", r.Products, &s.Products},
		{"references", r.References, &s.References},
		{"cwe_ids", r.CweIDs, &s.CweIDs},
		{"poc_sources", r.PocSources, &s.PocSources},
		{"sources", r.Sources, &s.Sources},
	}
	for _, f := range sets {
		v, err := encodeSet(f.values)
		if err != nil {
			return StoredRecord{}, eb.With("field", f.field).Wrapf(err, "set encode error")
		}
		*f.dst = v
	}

	extra, err := EncodeExtra(r.Extra)
	if err != nil {
		return StoredRecord{}, eb.With("field", "extra").Wrapf(err, "extra encode error")
	}
	s.Extra = sql.Null[string]{V: extra, Valid: true}

	return s, nil
}

// EncodeExtra serializes the bag; a nil bag encodes as an empty object.
func EncodeExtra(e Extra) (string, error) {
	if e == nil {
		e = Extra{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSet(col sql.Null[string]) ([]string, error) {
	if !col.Valid || col.V == "" {
		return []string{}, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(col.V), &v); err != nil {
		return []string{}, err
	}
	if v == nil {
		v = []string{}
	}
	return v, nil
}

func encodeSet(values []string) (sql.Null[string], error) {
	v := slices.Clone(values)
	if v == nil {
		v = []string{}
	}
	slices.Sort(v)
	v = slices.Compact(v)

	b, err := json.Marshal(v)
	if err != nil {
		return sql.Null[string]{}, err
	}
	return sql.Null[string]{V: string(b), Valid: true}, nil
}

func decodeExtra(col sql.Null[string]) (Extra, error) {
	if !col.Valid || col.V == "" || col.V == "null" {
		return Extra{}, nil
	}
	var e Extra
	if err := json.Unmarshal([]byte(col.V), &e); err != nil {
		return Extra{}, err
	}
	if e == nil {
		e = Extra{}
	}
	return e, nil
}
