package vulnerability

import "github.com/tianlu-intel/tianlu-db/pkg/types"

const (
	NVD       types.SourceID = "nvd"
	KEV       types.SourceID = "kev"
	EPSS      types.SourceID = "epss"
	MSRC      types.SourceID = "msrc"
	GitHubPoC types.SourceID = "ghpoc"
)

// PoC source labels derived from exploit references.
const (
	PocExploitDB   = "exploit-db"
	PocGitHub      = "github"
	PocPacketStorm = "packetstorm"
	PocOtherNVDRef = "other_nvd_ref"
)
