// internal/process/job.go
package process

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/proof-converter/internal/artifact"
	"github.com/tendant/proof-converter/pkg/schema"
)

// JobState represents the lifecycle state of a conversion job.
type JobState string

const (
	JobStateDiscovered  JobState = "discovered"
	JobStateAccepted    JobState = "accepted"
	JobStateTranscoding JobState = "transcoding"
	JobStateConverting  JobState = "converting"
	JobStateWritten     JobState = "written"
	JobStateFailed      JobState = "failed"
)

var transitions = map[JobState][]JobState{
	JobStateDiscovered:  {JobStateAccepted},
	JobStateAccepted:    {JobStateTranscoding, JobStateFailed},
	JobStateTranscoding: {JobStateConverting, JobStateFailed},
	JobStateConverting:  {JobStateWritten, JobStateFailed},
}

var stageOf = map[JobState]schema.ProcessingStage{
	JobStateAccepted:    schema.StageAccepted,
	JobStateTranscoding: schema.StageTranscoding,
	JobStateConverting:  schema.StageConverting,
	JobStateWritten:     schema.StageWritten,
	JobStateFailed:      schema.StageFailed,
}

// Job tracks one artifact through the pipeline. A Job is owned by a single
// goroutine and is not safe for concurrent use.
type Job struct {
	ID        string
	Ref       artifact.Ref
	Path      string
	State     JobState
	Error     error
	StartedAt time.Time
	Lifecycle []schema.JobLifecycleEvent
}

func NewJob(ref artifact.Ref, path string) *Job {
	return &Job{
		ID:    uuid.NewString(),
		Ref:   ref,
		Path:  path,
		State: JobStateDiscovered,
	}
}

// Terminal reports whether the job has reached written or failed.
func (j *Job) Terminal() bool {
	return j.State == JobStateWritten || j.State == JobStateFailed
}

// Advance moves the job to the next state and records a lifecycle event.
func (j *Job) Advance(to JobState) error {
	if !allowed(j.State, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.State, to)
	}
	if to == JobStateAccepted {
		j.StartedAt = time.Now()
	}
	j.State = to
	j.record(nil)
	return nil
}

// Fail marks the job failed. It is a no-op for jobs that are already terminal
// or were never accepted.
func (j *Job) Fail(err error) {
	if !allowed(j.State, JobStateFailed) {
		return
	}
	j.State = JobStateFailed
	j.Error = err
	j.record(err)
}

// Duration is the time since the job was accepted.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	return time.Since(j.StartedAt)
}

// LastEvent returns the most recent lifecycle event.
func (j *Job) LastEvent() (schema.JobLifecycleEvent, bool) {
	if len(j.Lifecycle) == 0 {
		return schema.JobLifecycleEvent{}, false
	}
	return j.Lifecycle[len(j.Lifecycle)-1], true
}

func (j *Job) record(err error) {
	event := schema.JobLifecycleEvent{
		JobID:      j.ID,
		File:       j.Ref.Name,
		StartBlock: j.Ref.Start,
		EndBlock:   j.Ref.End,
		Stage:      stageOf[j.State],
		HappenedAt: time.Now().Unix(),
	}
	if !j.StartedAt.IsZero() {
		event.ProcessingStart = j.StartedAt.UnixMilli()
	}
	if j.Terminal() {
		event.ProcessingEnd = time.Now().UnixMilli()
	}
	if err != nil {
		event.Error = err.Error()
		event.ErrorKind = string(KindOf(err))
		event.FailureType = Classify(err)
	}
	j.Lifecycle = append(j.Lifecycle, event)
}

func allowed(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
