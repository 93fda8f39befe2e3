package msrc

import "encoding/xml"

// Cvrf is the subset of an MSRC CVRF 1.1 monthly document the collector reads.
type Cvrf struct {
	XMLName         xml.Name        `xml:"cvrfdoc"`
	DocumentTitle   string          `xml:"DocumentTitle"`
	ID              string          `xml:"DocumentTracking>Identification>ID"`
	ProductTree     ProductTree     `xml:"ProductTree"`
	Vulnerabilities []Vulnerability `xml:"Vulnerability"`
}

type ProductTree struct {
	Branches         []Branch          `xml:"Branch"`
	FullProductNames []FullProductName `xml:"FullProductName"`
}

type Branch struct {
	Type             string            `xml:"Type,attr"`
	Name             string            `xml:"Name,attr"`
	Branches         []Branch          `xml:"Branch"`
	FullProductNames []FullProductName `xml:"FullProductName"`
}

type FullProductName struct {
	ProductID string `xml:"ProductID,attr"`
	Name      string `xml:",chardata"`
}

type Vulnerability struct {
	Title           string      `xml:"Title"`
	Notes           []Note      `xml:"Notes>Note"`
	CVE             string      `xml:"CVE"`
	ProductStatuses []Status    `xml:"ProductStatuses>Status"`
	Threats         []Threat    `xml:"Threats>Threat"`
	ScoreSets       []ScoreSet  `xml:"CVSSScoreSets>ScoreSet"`
	References      []Reference `xml:"References>Reference"`
	Revisions       []Revision  `xml:"RevisionHistory>Revision"`
}

type Note struct {
	Title string `xml:"Title,attr"`
	Type  string `xml:"Type,attr"`
	Text  string `xml:",chardata"`
}

type Status struct {
	Type       string   `xml:"Type,attr"`
	ProductIDs []string `xml:"ProductID"`
}

type Threat struct {
	Type        string `xml:"Type,attr"`
	Description string `xml:"Description"`
}

type ScoreSet struct {
	BaseScore  string   `xml:"BaseScore"`
	Vector     string   `xml:"Vector"`
	ProductIDs []string `xml:"ProductID"`
}

type Reference struct {
	Type        string `xml:"Type,attr"`
	URL         string `xml:"URL"`
	Description string `xml:"Description"`
}

type Revision struct {
	Number string `xml:"Number"`
	Date   string `xml:"Date"`
}
