package vulnerability

import (
	"strings"

	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	"github.com/samber/oops"
)

// CvssV3 is the base part of a CVSS v3 vector, spelled the way NVD spells it.
type CvssV3 struct {
	BaseScore             float64
	AttackVector          string
	PrivilegesRequired    string
	UserInteraction       string
	ConfidentialityImpact string
	IntegrityImpact       string
	AvailabilityImpact    string
}

var (
	attackVectors = map[string]string{
		"N": "NETWORK",
		"A": "ADJACENT_NETWORK",
		"L": "LOCAL",
		"P": "PHYSICAL",
	}
	levels = map[string]string{
		"N": "NONE",
		"L": "LOW",
		"H": "HIGH",
	}
	interactions = map[string]string{
		"N": "NONE",
		"R": "REQUIRED",
	}
)

type vector interface {
	Get(abv string) (string, error)
	BaseScore() float64
}

// ParseCvssV3 parses a "CVSS:3.0/..." or "CVSS:3.1/..." vector.
func ParseCvssV3(s string) (CvssV3, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/")
	eb := oops.With("vector", s)

	var (
		v   vector
		err error
	)
	switch {
	case strings.HasPrefix(s, "CVSS:3.0/"):
		v, err = gocvss30.ParseVector(s)
	case strings.HasPrefix(s, "CVSS:3.1/"):
		v, err = gocvss31.ParseVector(s)
	default:
		return CvssV3{}, eb.Errorf("unsupported CVSS version")
	}
	if err != nil {
		return CvssV3{}, eb.Wrapf(err, "cvss parse error")
	}

	metric := func(abv string, names map[string]string) string {
		value, err := v.Get(abv)
		if err != nil {
			return ""
		}
		return names[value]
	}

	return CvssV3{
		BaseScore:             v.BaseScore(),
		AttackVector:          metric("AV", attackVectors),
		PrivilegesRequired:    metric("PR", levels),
		UserInteraction:       metric("UI", interactions),
		ConfidentialityImpact: metric("C", levels),
		IntegrityImpact:       metric("I", levels),
		AvailabilityImpact:    metric("A", levels),
	}, nil
}
