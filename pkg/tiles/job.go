package tiles

import (
	"context"
	"time"

	"github.com/ourdigitalworld/zipit/pkg/manifest"
	"github.com/ourdigitalworld/zipit/pkg/zipdir"
)

// Outcome is the terminal state of a Job.
type Outcome string

const (
	OutcomeTile      Outcome = "tile"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Delivered reports whether the outcome carries bytes for the viewer.
func (o Outcome) Delivered() bool {
	return o == OutcomeTile || o == OutcomeFallback
}

// Result is what a Job resolves to.
type Result struct {
	Outcome Outcome
	Bytes   []byte

	// Spec and Location are set once the pipeline got that far.
	Spec     manifest.Spec
	Location zipdir.Location

	// Err is the cause of a fallback, failure or cancellation.
	Err error
}

// Job is one in-flight tile request. Each job has its own cancellation
// handle; cancelling it does not affect other jobs or shared fetches.
type Job struct {
	ID      string
	Path    string
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Cancel aborts the job. It has no effect once the job has finished.
func (j *Job) Cancel() { j.cancel() }

// Done is closed when the job has a result.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its result.
func (j *Job) Wait() Result {
	<-j.done
	return j.result
}
