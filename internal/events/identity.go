package events

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// defaultBranch is assumed when the quality scanner omits the branch name,
// which it does for the project's default branch.
const defaultBranch = "main"

// PipelineIdentityKey returns the identity key for a pipeline-sourced
// failure: the source-assigned pipeline run id, globally unique per project.
func PipelineIdentityKey(pipelineID string) string {
	return pipelineID
}

// QualityIdentityKey returns the identity key for a quality-gate failure.
// Quality scans carry no pipeline run id, so (projectKey, branch) is the
// best stable correlation available; the pair is hashed into an opaque key.
func QualityIdentityKey(projectKey, branch string) string {
	if branch == "" {
		branch = defaultBranch
	}
	h := xxhash.New()
	_, _ = h.WriteString(projectKey)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(branch)
	return "qg:" + strconv.FormatUint(h.Sum64(), 16)
}
