package events

// PipelinePayload is the subset of the GitLab pipeline webhook body that
// classification and session resolution need.
type PipelinePayload struct {
	ObjectKind       string             `json:"object_kind"`
	ObjectAttributes PipelineAttributes `json:"object_attributes"`
	Project          PipelineProject    `json:"project"`
	Builds           []Build            `json:"builds"`
}

// PipelineAttributes describes the pipeline run itself.
type PipelineAttributes struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Ref    string `json:"ref"`
	SHA    string `json:"sha"`
	URL    string `json:"url"`
}

// PipelineProject identifies the project the pipeline ran in.
type PipelineProject struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Build is one job within a pipeline.
type Build struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at"`
}

// QualityPayload is the subset of the SonarQube webhook body that
// classification and session resolution need.
type QualityPayload struct {
	Project     QualityProject `json:"project"`
	QualityGate QualityGate    `json:"qualityGate"`
	Branch      QualityBranch  `json:"branch"`
}

// QualityProject identifies the scanned project.
type QualityProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// QualityGate carries the gate verdict and its failed conditions.
type QualityGate struct {
	Status     string             `json:"status"`
	Conditions []QualityCondition `json:"conditions"`
}

// QualityCondition is a single quality gate condition result.
type QualityCondition struct {
	Metric string `json:"metric"`
	Status string `json:"status"`
}

// QualityBranch names the analyzed branch. SonarQube omits it for the
// default branch.
type QualityBranch struct {
	Name string `json:"name"`
}
