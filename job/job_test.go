package job

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkspuk/netpulse-sdk/model"
)

// scriptedTransport serves successive payloads per job ID; the last payload
// repeats once the script is exhausted.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]string
	gets    map[string]int
	deletes []string
	getErr  map[string]error
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		scripts: make(map[string][]string),
		gets:    make(map[string]int),
		getErr:  make(map[string]error),
	}
}

func (s *scriptedTransport) script(id string, payloads ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = append(s.scripts[id], payloads...)
}

func (s *scriptedTransport) Get(_ context.Context, path string, _ url.Values, out any) error {
	id := strings.TrimPrefix(path, "/jobs/")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[id]; err != nil {
		return err
	}
	payloads := s.scripts[id]
	if len(payloads) == 0 {
		return errors.New("no such job")
	}
	n := s.gets[id]
	s.gets[id]++
	if n >= len(payloads) {
		n = len(payloads) - 1
	}
	return json.Unmarshal([]byte(payloads[n]), out)
}

func (s *scriptedTransport) Delete(_ context.Context, path string, _ url.Values, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, strings.TrimPrefix(path, "/jobs/"))
	return nil
}

func (s *scriptedTransport) getCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[id]
}

func payload(t *testing.T, raw string) model.JobPayload {
	t.Helper()
	p, err := model.DecodeJobPayload([]byte(raw))
	require.NoError(t, err)
	return p
}

func newTestJob(t *testing.T, tr Transport, raw, device string, commands ...string) *Job {
	t.Helper()
	return New(tr, payload(t, raw), device, commands, WithLogger(zerolog.Nop()))
}

const fast = time.Millisecond

func TestJobResultsNormalization(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		commands []string
		want     model.Results
	}{
		{
			name:     "structured list",
			raw:      `{"id":"j1","status":"finished","result":{"type":1,"retval":[{"command":"show version","stdout":"X","exit_status":0}]}}`,
			commands: []string{"show version"},
			want: model.Results{{
				JobID: "j1", DeviceID: "r1", DeviceName: "r1", Command: "show version",
				Stdout: "X", OK: true, Metadata: map[string]any{},
			}},
		},
		{
			name:     "structured downgrades on exit status and stderr",
			raw:      `{"id":"j1","status":"finished","duration":0.5,"result":{"type":1,"retval":[{"stdout":"a","exit_status":1},{"command":"ls","stderr":"denied","metadata":{"host":"10.0.0.9"}}]}}`,
			commands: []string{"cat /etc/hosts", "ls"},
			want: model.Results{
				{JobID: "j1", DeviceID: "r1", DeviceName: "r1", Command: "cat /etc/hosts", Stdout: "a", ExitStatus: 1, DurationMS: 500, Metadata: map[string]any{}},
				{JobID: "j1", DeviceID: "10.0.0.9", DeviceName: "10.0.0.9", Command: "ls", Stderr: "denied", DurationMS: 500, Metadata: map[string]any{"host": "10.0.0.9"}},
			},
		},
		{
			name:     "mapping on failure moves output to stderr",
			raw:      `{"id":"j2","status":"failed","result":{"type":2,"retval":{"show version":"output"}}}`,
			commands: []string{"show version"},
			want: model.Results{{
				JobID: "j2", DeviceID: "r1", DeviceName: "r1", Command: "show version",
				Stderr: "output", OK: false, Metadata: map[string]any{},
			}},
		},
		{
			name:     "mapping on success",
			raw:      `{"id":"j2","status":"finished","result":{"type":1,"retval":{"b":"2","a":"1"}}}`,
			commands: []string{"a", "b"},
			want: model.Results{
				{JobID: "j2", DeviceID: "r1", DeviceName: "r1", Command: "b", Stdout: "2", OK: true, Metadata: map[string]any{}},
				{JobID: "j2", DeviceID: "r1", DeviceName: "r1", Command: "a", Stdout: "1", OK: true, Metadata: map[string]any{}},
			},
		},
		{
			name:     "positional with placeholder labels",
			raw:      `{"id":"j3","status":"finished","result":{"type":1,"retval":["one","two"]}}`,
			commands: []string{"first"},
			want: model.Results{
				{JobID: "j3", DeviceID: "r1", DeviceName: "r1", Command: "first", Stdout: "one", OK: true, Metadata: map[string]any{}},
				{JobID: "j3", DeviceID: "r1", DeviceName: "r1", Command: "command_2", Stdout: "two", OK: true, Metadata: map[string]any{}},
			},
		},
		{
			name:     "single string",
			raw:      `{"id":"j4","status":"finished","result":{"type":1,"retval":"hello"}}`,
			commands: []string{"echo hello"},
			want: model.Results{{
				JobID: "j4", DeviceID: "r1", DeviceName: "r1", Command: "echo hello",
				Stdout: "hello", OK: true, Metadata: map[string]any{},
			}},
		},
		{
			name:     "empty retval on success",
			raw:      `{"id":"j5","status":"finished","result":{"type":1,"retval":null}}`,
			commands: []string{"a", "b"},
			want: model.Results{
				{JobID: "j5", DeviceID: "r1", DeviceName: "r1", Command: "a", Stderr: "job returned no output", OK: true, Metadata: map[string]any{}},
				{JobID: "j5", DeviceID: "r1", DeviceName: "r1", Command: "b", Stderr: "job returned no output", OK: true, Metadata: map[string]any{}},
			},
		},
		{
			name: "failed without result uses unknown placeholder",
			raw:  `{"id":"j6","status":"canceled"}`,
			want: model.Results{{
				JobID: "j6", DeviceID: "r1", DeviceName: "r1", Command: "unknown",
				Stderr: "job canceled with empty result", Metadata: map[string]any{},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJob(t, newScriptedTransport(), tt.raw, "r1", tt.commands...)
			require.Equal(t, tt.want, j.Results())
		})
	}
}

func TestJobResultsErrorConversion(t *testing.T) {
	j := newTestJob(t, newScriptedTransport(),
		`{"id":"j7","status":"failed","result":{"type":2,"error":{"type":"Timeout","message":"Pattern not detected: 'R1#'"}}}`,
		"r1", "show run")

	rs := j.Results()
	require.Len(t, rs, 1)
	require.NotNil(t, rs[0].Error)
	assert.Equal(t, "Timeout", rs[0].Error.Type)
	assert.True(t, rs[0].Error.Retryable)
	assert.Contains(t, rs[0].Error.Message, "read_timeout")
	assert.Contains(t, rs[0].Error.Message, "Pattern not detected: 'R1#'")
	assert.Equal(t, rs[0].Error.Message, rs[0].Stderr)
	assert.False(t, rs[0].OK)
}

func TestJobResultsNeverEmptyWhenTerminal(t *testing.T) {
	for _, status := range []string{"finished", "failed", "canceled"} {
		for _, retval := range []string{`null`, `[]`, `{}`, `""`} {
			raw := `{"id":"j","status":"` + status + `","result":{"type":1,"retval":` + retval + `}}`
			j := newTestJob(t, newScriptedTransport(), raw, "r1")
			assert.NotEmpty(t, j.Results(), raw)
		}
	}
}

func TestJobResultsEmptyWhileRunning(t *testing.T) {
	j := newTestJob(t, newScriptedTransport(), `{"id":"j","status":"started","result":{"type":1,"retval":"partial"}}`, "r1", "cmd")
	assert.NotNil(t, j.Results())
	assert.Empty(t, j.Results())
}

func TestJobProgress(t *testing.T) {
	tests := []struct {
		status string
		cmds   []string
		want   model.JobProgress
	}{
		{"queued", []string{"a", "b"}, model.JobProgress{Total: 2, Running: 2}},
		{"started", nil, model.JobProgress{Total: 1, Running: 1}},
		{"finished", []string{"a", "b", "c"}, model.JobProgress{Total: 3, Completed: 3}},
		{"failed", []string{"a"}, model.JobProgress{Total: 1, Failed: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			j := newTestJob(t, newScriptedTransport(), `{"id":"j","status":"`+tt.status+`"}`, "r1", tt.cmds...)
			assert.Equal(t, tt.want, j.Progress())
		})
	}
}

func TestJobWaitPollsUntilDone(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1",
		`{"id":"j1","status":"started"}`,
		`{"code":200,"data":{"id":"j1","status":"finished","result":{"type":1,"retval":"done"}}}`,
	)
	j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1", "cmd")

	var progress []model.JobProgress
	err := j.Wait(context.Background(), WithPollInterval(fast), WithProgress(func(p model.JobProgress) {
		progress = append(progress, p)
	}))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, j.Status())
	assert.Equal(t, 2, tr.getCount("j1"))
	require.Len(t, progress, 3)
	assert.Equal(t, 100.0, progress[2].Percentage())

	ok, err := j.AllOK(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobWaitTimeout(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", `{"id":"j1","status":"started"}`)
	j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1", "cmd")

	start := time.Now()
	err := j.Wait(context.Background(), WithTimeout(50*time.Millisecond), WithPollInterval(10*time.Second))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.NotErrorIs(t, err, ErrJobFailed)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"j1"}, te.JobIDs)
}

func TestJobWaitContextCanceled(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", `{"id":"j1","status":"started"}`)
	j := newTestJob(t, tr, `{"id":"j1","status":"started"}`, "r1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := j.Wait(ctx, WithPollInterval(time.Hour))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobRefreshErrors(t *testing.T) {
	t.Run("transport error keeps snapshot", func(t *testing.T) {
		tr := newScriptedTransport()
		tr.getErr["j1"] = errors.New("connection refused")
		j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1")
		err := j.Refresh(context.Background())
		require.ErrorContains(t, err, "connection refused")
		assert.Equal(t, model.StatusQueued, j.Status())
	})

	t.Run("malformed payload", func(t *testing.T) {
		tr := newScriptedTransport()
		tr.script("j1", `{"status":"finished"}`)
		j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1")
		err := j.Refresh(context.Background())
		require.ErrorIs(t, err, model.ErrMalformedPayload)
	})
}

func TestJobCancel(t *testing.T) {
	t.Run("finished job is a no-op", func(t *testing.T) {
		tr := newScriptedTransport()
		j := newTestJob(t, tr, `{"id":"j1","status":"finished","result":{"type":1,"retval":"x"}}`, "r1")
		require.NoError(t, j.Cancel(context.Background()))
		assert.Equal(t, model.StatusFinished, j.Status())
		assert.Empty(t, tr.deletes)
	})

	t.Run("queued job is deleted and refreshed", func(t *testing.T) {
		tr := newScriptedTransport()
		tr.script("j1", `{"id":"j1","status":"canceled"}`)
		j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1")
		require.NoError(t, j.Cancel(context.Background()))
		assert.Equal(t, []string{"j1"}, tr.deletes)
		assert.Equal(t, model.StatusCanceled, j.Status())
	})
}

func TestJobViews(t *testing.T) {
	raw := `{"id":"abcdef123456","status":"finished","duration":2,"result":{"type":1,"retval":[` +
		`{"command":"show version","stdout":"IOS 15"},` +
		`{"command":"show clock","stdout":""},` +
		`{"command":"conf t","stdout":"% Invalid input detected"},` +
		`{"command":"show bogus","stderr":"boom","exit_status":1}]}}`
	j := newTestJob(t, newScriptedTransport(), raw, "r1")
	ctx := context.Background()

	succeeded, err := j.Succeeded(ctx)
	require.NoError(t, err)
	assert.Len(t, succeeded, 3)

	failed, err := j.Failed(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	truly, err := j.TrulySucceeded(ctx)
	require.NoError(t, err)
	assert.Len(t, truly, 2)

	devErrs, err := j.DeviceErrors(ctx)
	require.NoError(t, err)
	require.Len(t, devErrs, 1)
	assert.Equal(t, "conf t", devErrs[0].Command)

	stdout, err := j.Stdout(ctx)
	require.NoError(t, err)
	assert.Equal(t, "IOS 15\n% Invalid input detected", stdout)

	byCmd, err := j.StdoutByCommand(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", byCmd["show clock"])

	cmds, err := j.FailedCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"show bogus"}, cmds)

	found, err := j.Find(ctx, "show")
	require.NoError(t, err)
	assert.Len(t, found, 3)

	m, err := j.ToMap(ctx)
	require.NoError(t, err)
	assert.Len(t, m["r1"], 4)

	summary, err := j.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Job(abcdef12...) r1 [✗ 1/4 FAILED] 4 cmd(s) in 2.0s", summary)

	err = j.Err(ctx)
	require.ErrorIs(t, err, ErrJobFailed)
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, map[string][]string{"r1": {"show bogus"}}, fe.FailedCommands)

	js, err := j.ToJSON(ctx)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(js), &decoded))
	assert.Len(t, decoded, 4)
}

func TestJobStream(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", `{"id":"j1","status":"finished","result":{"type":1,"retval":["a","b"]}}`)
	j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1", "x", "y")

	var got []string
	for r, err := range j.Stream(context.Background(), WithPollInterval(fast)) {
		require.NoError(t, err)
		got = append(got, r.Command+"="+r.Stdout)
	}
	assert.Equal(t, []string{"x=a", "y=b"}, got)
}

func TestJobRefreshToleratesLooseOutputFields(t *testing.T) {
	tr := newScriptedTransport()
	tr.script("j1", `{"id":"j1","status":"finished","result":{"type":1,"retval":[{"command":"uptime","stdout":"up","exit_status":"0","metadata":"n/a"},{"command":"df","exit_status":1.0}]}}`)
	j := newTestJob(t, tr, `{"id":"j1","status":"queued"}`, "r1", "uptime", "df")

	require.NoError(t, j.Wait(context.Background(), WithPollInterval(fast)))
	rs := j.Results()
	require.Len(t, rs, 2)
	assert.True(t, rs[0].OK)
	assert.Equal(t, map[string]any{"value": "n/a"}, rs[0].Metadata)
	assert.False(t, rs[1].OK)
	assert.Equal(t, 1, rs[1].ExitStatus)
}

func TestJobResultsAreCopies(t *testing.T) {
	j := newTestJob(t, newScriptedTransport(),
		`{"id":"j1","status":"finished","result":{"type":1,"retval":[{"command":"a","stdout":"x","metadata":{"host":"r1","tags":["core"]},"parsed":{"k":"v"}}]}}`,
		"r1", "a")

	rs := j.Results()
	rs[0].Metadata["host"] = "mutated"
	rs[0].Metadata["tags"].([]any)[0] = "edge"
	rs[0].Parsed.(map[string]any)["k"] = "changed"

	again := j.Results()
	assert.Equal(t, "r1", again[0].Metadata["host"])
	assert.Equal(t, []any{"core"}, again[0].Metadata["tags"])
	assert.Equal(t, map[string]any{"k": "v"}, again[0].Parsed)
}

func TestJobFallsBackToPayloadEchoes(t *testing.T) {
	j := New(newScriptedTransport(), payload(t, `{"id":"j1","status":"queued","connection_args":{"host":"10.1.1.1"},"command":"show ip int brief"}`), "", nil)
	assert.Equal(t, "10.1.1.1", j.DeviceName())
	assert.Equal(t, []string{"show ip int brief"}, j.Commands())

	anon := New(newScriptedTransport(), payload(t, `{"id":"j2","status":"queued"}`), "", nil)
	assert.Equal(t, "unknown", anon.DeviceName())
}

func TestBackoffInterval(t *testing.T) {
	d := DefaultPollInterval
	var seen []time.Duration
	for range 8 {
		d = nextInterval(d)
		seen = append(seen, d)
	}
	assert.Equal(t, 750*time.Millisecond, seen[0])
	assert.Equal(t, 1125*time.Millisecond, seen[1])
	assert.Equal(t, maxPollInterval, seen[len(seen)-1])
}
