package job

import (
	"context"
	"iter"

	"github.com/tkspuk/netpulse-sdk/model"
)

// Kind tells a single-device Job from a multi-device Group.
type Kind uint8

const (
	KindSingle Kind = iota
	KindGroup
)

func (k Kind) String() string {
	if k == KindGroup {
		return "group"
	}
	return "single"
}

// Handle is what a submission returns: a *Job for one device, a *Group for a
// bulk submission.
//
// Methods taking a context block until every job is terminal before
// answering. Status, IsDone, Progress and Results never block and report the
// last fetched snapshot.
type Handle interface {
	Kind() Kind
	IDs() []string
	Status() model.Status
	IsDone() bool
	Progress() model.JobProgress
	Results() model.Results
	Jobs() []*Job
	SubmissionFailures() []model.SubmissionFailure

	Refresh(ctx context.Context) error
	Wait(ctx context.Context, opts ...WaitOption) error
	Cancel(ctx context.Context) error
	Stream(ctx context.Context, opts ...WaitOption) iter.Seq2[model.Result, error]

	Succeeded(ctx context.Context) (model.Results, error)
	Failed(ctx context.Context) (model.Results, error)
	TrulySucceeded(ctx context.Context) (model.Results, error)
	DeviceErrors(ctx context.Context) (model.Results, error)
	AllOK(ctx context.Context) (bool, error)
	ToJSON(ctx context.Context) (string, error)
	Summary(ctx context.Context) (string, error)
	Err(ctx context.Context) error
}

var (
	_ Handle = (*Job)(nil)
	_ Handle = (*Group)(nil)
)
