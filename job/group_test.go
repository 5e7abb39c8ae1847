package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkspuk/netpulse-sdk/model"
)

func statusPayload(id, status string) string {
	return fmt.Sprintf(`{"id":%q,"status":%q}`, id, status)
}

func finishedPayload(id string, outputs ...string) string {
	items := ""
	for i, o := range outputs {
		if i > 0 {
			items += ","
		}
		items += fmt.Sprintf(`{"command":"cmd%d","stdout":%q}`, i+1, o)
	}
	return fmt.Sprintf(`{"id":%q,"status":"finished","result":{"type":1,"retval":[%s]}}`, id, items)
}

func newTestGroup(t *testing.T, jobs ...*Job) *Group {
	t.Helper()
	g, err := NewGroup(jobs, nil, WithGroupLogger(zerolog.Nop()))
	require.NoError(t, err)
	return g
}

func TestNewGroupRequiresJobs(t *testing.T) {
	_, err := NewGroup(nil, []model.SubmissionFailure{{Host: "r9"}})
	require.ErrorIs(t, err, ErrEmptyGroup)
}

func TestGroupStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     model.Status
	}{
		{"all finished", []string{"finished", "finished"}, model.StatusFinished},
		{"finished and failed", []string{"finished", "failed"}, model.StatusPartialFailed},
		{"failed dominates running", []string{"started", "failed", "queued"}, model.StatusPartialFailed},
		{"running", []string{"finished", "queued"}, model.StatusRunning},
		{"all canceled", []string{"canceled", "canceled"}, model.StatusMixed},
		{"deferred", []string{"deferred", "finished"}, model.StatusMixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newScriptedTransport()
			var jobs []*Job
			for i, s := range tt.statuses {
				jobs = append(jobs, newTestJob(t, tr, statusPayload(fmt.Sprintf("j%d", i), s), fmt.Sprintf("r%d", i)))
			}
			assert.Equal(t, tt.want, newTestGroup(t, jobs...).Status())
		})
	}
}

func TestGroupProgressSumsMembers(t *testing.T) {
	tr := newScriptedTransport()
	jobs := []*Job{
		newTestJob(t, tr, statusPayload("j1", "finished"), "r1", "a", "b"),
		newTestJob(t, tr, statusPayload("j2", "failed"), "r2", "a"),
		newTestJob(t, tr, statusPayload("j3", "started"), "r3", "a", "b", "c"),
		newTestJob(t, tr, statusPayload("j4", "queued"), "r4"),
	}
	g := newTestGroup(t, jobs...)

	total := 0
	for _, j := range jobs {
		total += j.Progress().Total
	}
	p := g.Progress()
	assert.Equal(t, total, p.Total)
	assert.Equal(t, model.JobProgress{Total: 7, Completed: 2, Failed: 1, Running: 4}, p)
}

func TestGroupRefreshIsolatesFailures(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", finishedPayload("j1", "ok"))
	tr.getErr["j2"] = errors.New("connection reset")
	g := newTestGroup(t,
		newTestJob(t, tr, statusPayload("j1", "queued"), "r1"),
		newTestJob(t, tr, statusPayload("j2", "queued"), "r2"),
	)

	err := g.Refresh(context.Background())
	require.ErrorContains(t, err, "connection reset")
	assert.Equal(t, model.StatusFinished, g.Jobs()[0].Status())
	assert.Equal(t, model.StatusQueued, g.Jobs()[1].Status())
}

func TestGroupResultsCache(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", finishedPayload("j1", "first"), finishedPayload("j1", "second"))
	g := newTestGroup(t, newTestJob(t, tr, statusPayload("j1", "queued"), "r1"))

	assert.Empty(t, g.Results())
	require.NoError(t, g.Refresh(context.Background()))
	assert.Equal(t, "first", g.Results()[0].Stdout)
	assert.Equal(t, "first", g.Results()[0].Stdout)

	g.Results()[0].Metadata["host"] = "mutated"
	assert.NotContains(t, g.Results()[0].Metadata, "host")

	// A refresh invalidates the cache.
	require.NoError(t, g.Refresh(context.Background()))
	assert.Equal(t, "second", g.Results()[0].Stdout)
}

func TestGroupStreamYieldsEachResultOnce(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", finishedPayload("j1", "a1", "a2"))
	tr.script("j2", statusPayload("j2", "started"), statusPayload("j2", "started"), finishedPayload("j2", "b1", "b2"))
	tr.script("j3", statusPayload("j3", "started"), `{"id":"j3","status":"failed","result":{"type":2,"error":{"type":"connection","message":"refused"}}}`)
	g := newTestGroup(t,
		newTestJob(t, tr, statusPayload("j1", "queued"), "r1"),
		newTestJob(t, tr, statusPayload("j2", "queued"), "r2"),
		newTestJob(t, tr, statusPayload("j3", "queued"), "r3", "show ver", "show ver"),
	)

	type key struct{ job, cmd string }
	counts := make(map[key]int)
	var order []string
	for r, err := range g.Stream(context.Background(), WithPollInterval(fast)) {
		require.NoError(t, err)
		counts[key{r.JobID, r.Command}]++
		order = append(order, r.JobID)
	}

	want := make(map[key]int)
	for _, r := range g.Results() {
		want[key{r.JobID, r.Command}]++
	}
	assert.Equal(t, want, counts)
	assert.Len(t, order, 6)
	assert.Equal(t, 2, counts[key{"j3", "show ver"}])
	assert.Equal(t, "j1", order[0])
	assert.Equal(t, "j2", order[len(order)-1])
}

func TestGroupStreamStopsEarly(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", finishedPayload("j1", "a", "b", "c"))
	g := newTestGroup(t, newTestJob(t, tr, statusPayload("j1", "queued"), "r1"))

	n := 0
	for range g.Stream(context.Background(), WithPollInterval(fast)) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestGroupStreamTimeout(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", statusPayload("j1", "started"))
	g := newTestGroup(t, newTestJob(t, tr, statusPayload("j1", "queued"), "r1"))

	var lastErr error
	for _, err := range g.Stream(context.Background(), WithPollInterval(fast), WithTimeout(30*time.Millisecond)) {
		lastErr = err
	}
	require.ErrorIs(t, lastErr, ErrWaitTimeout)
}

func TestGroupWaitAndViews(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", finishedPayload("j1", "up", ""))
	tr.script("j2", statusPayload("j2", "started"), `{"id":"j2","status":"failed","result":{"type":2,"retval":{"cmd1":"auth failed"}}}`)
	g, err := NewGroup(
		[]*Job{
			newTestJob(t, tr, statusPayload("j1", "queued"), "r1", "cmd1", "cmd2"),
			newTestJob(t, tr, statusPayload("j2", "queued"), "r2", "cmd1"),
		},
		[]model.SubmissionFailure{{Host: "r3", Reason: "unreachable"}},
		WithGroupLogger(zerolog.Nop()),
		WithConcurrency(1),
	)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx, WithPollInterval(fast)))
	assert.Equal(t, model.StatusPartialFailed, g.Status())
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"r1", "r2"}, g.Devices())
	assert.Equal(t, []model.SubmissionFailure{{Host: "r3", Reason: "unreachable"}}, g.SubmissionFailures())

	stdout, err := g.Stdout(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r1": "up", "r2": ""}, stdout)

	stderr, err := g.Stderr(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auth failed", stderr["r2"])

	byCmd, err := g.StdoutByCommand(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cmd1": "up", "cmd2": ""}, byCmd["r1"])

	failed, err := g.FailedCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"r2": {"cmd1"}}, failed)

	r2, err := g.ForDevice(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, r2, 1)
	assert.False(t, r2[0].OK)

	ok, err := g.AllOK(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	text, err := g.Text(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "=== Device: r1 (Job: j1) ===\n--- cmd1 ---\nup\n--- cmd2 ---\n(no output)")

	summary, err := g.Summary(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "JobGroup: 2 device(s), status=partial_failed")
	assert.Contains(t, summary, "not submitted: r3 (unreachable)")

	require.ErrorIs(t, g.Err(ctx), ErrJobFailed)
	assert.Equal(t, "JobGroup(devices=[r1, r2], jobs=2, status=partial_failed)", g.String())
}

func TestGroupCancelContinuesOnNonQueued(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j2", statusPayload("j2", "canceled"))
	g := newTestGroup(t,
		newTestJob(t, tr, statusPayload("j1", "started"), "r1"),
		newTestJob(t, tr, statusPayload("j2", "queued"), "r2"),
	)
	require.NoError(t, g.Cancel(context.Background()))
	assert.Equal(t, []string{"j2"}, tr.deletes)
	assert.Equal(t, model.StatusCanceled, g.Jobs()[1].Status())
}

func TestHandleKinds(t *testing.T) {
	tr := newScriptedTransport()
	j := newTestJob(t, tr, statusPayload("j1", "queued"), "r1")
	var h Handle = j
	assert.Equal(t, KindSingle, h.Kind())
	assert.Nil(t, h.SubmissionFailures())

	h = newTestGroup(t, j)
	assert.Equal(t, KindGroup, h.Kind())
	assert.Equal(t, []string{"j1"}, h.IDs())
}
