// pkg/schema/events.go
package schema

type ProcessingStage string

const (
	StageAccepted    ProcessingStage = "accepted"
	StageTranscoding ProcessingStage = "transcoding"
	StageConverting  ProcessingStage = "converting"
	StageWritten     ProcessingStage = "written"
	StageFailed      ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

type JobLifecycleEvent struct {
	JobID           string          `json:"job_id"`
	File            string          `json:"file"`
	StartBlock      uint64          `json:"start_block"`
	EndBlock        uint64          `json:"end_block"`
	Stage           ProcessingStage `json:"stage"`
	ProcessingStart int64           `json:"processing_start,omitempty"`
	ProcessingEnd   int64           `json:"processing_end,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	FailureType     FailureType     `json:"failure_type,omitempty"`
	HappenedAt      int64           `json:"happened_at"`
}

// ProofConverted is published once per job, on success or failure.
type ProofConverted struct {
	ID               string              `json:"id"`
	SourcePath       string              `json:"source_path"`
	OriginalFile     string              `json:"original_file"`
	OutputPath       string              `json:"output_path,omitempty"`
	ObjectKey        string              `json:"object_key,omitempty"`
	MirrorError      string              `json:"mirror_error,omitempty"`
	StartBlock       uint64              `json:"start_block"`
	EndBlock         uint64              `json:"end_block"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	Lifecycle        []JobLifecycleEvent `json:"lifecycle,omitempty"`
	Error            string              `json:"error,omitempty"`
	ErrorKind        string              `json:"error_kind,omitempty"`
	FailureType      FailureType         `json:"failure_type,omitempty"`
	HappenedAt       int64               `json:"happened_at"`
}
