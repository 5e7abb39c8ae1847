package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkspuk/netpulse-sdk/model"
)

var sampleResults = model.Results{
	{
		JobID: "j1", DeviceName: "core-1", DeviceID: "10.0.0.1", Command: "show ip int brief",
		Stdout: "GigabitEthernet0/1 up up", OK: true, DurationMS: 1200,
		Metadata: map[string]any{"host": "10.0.0.1"},
		Parsed:   []any{map[string]any{"intf": "Gi0/1", "status": "up"}},
	},
	{
		JobID: "j1", DeviceName: "core-1", DeviceID: "10.0.0.1", Command: "show bogus",
		Stdout: "% Invalid input detected at '^' marker.", OK: true, DurationMS: 1200,
	},
	{
		JobID: "j2", DeviceName: "edge-1", DeviceID: "10.0.0.2", Command: "show ip int brief",
		Stderr: "connection refused", OK: false, ExitStatus: 1,
		Error: &model.Error{Type: "ConnectionError", Message: "connection refused"},
	},
}

func TestFilterApply(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{`ok`, []string{"core-1/show ip int brief", "core-1/show bogus"}},
		{`!ok`, []string{"edge-1/show ip int brief"}},
		{`is_success`, []string{"core-1/show ip int brief"}},
		{`has_device_error && ok`, []string{"core-1/show bogus"}},
		{`stdout.contains("Gigabit")`, []string{"core-1/show ip int brief"}},
		{`device_name.startsWith("edge-") || exit_status != 0`, []string{"edge-1/show ip int brief"}},
		{`error_type == "ConnectionError"`, []string{"edge-1/show ip int brief"}},
		{`duration_ms > 1000 && command.endsWith("brief")`, []string{"core-1/show ip int brief"}},
		{`"host" in metadata && metadata.host == "10.0.0.1"`, []string{"core-1/show ip int brief"}},
		{`parsed != null && parsed[0].status == "up"`, []string{"core-1/show ip int brief"}},
		{`device_id == "10.0.0.9"`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := New(tt.expr)
			require.NoError(t, err)

			got, err := f.Apply(sampleResults)
			require.NoError(t, err)
			var names []string
			for _, r := range got {
				names = append(names, r.DeviceName+"/"+r.Command)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestFilterCompileErrors(t *testing.T) {
	for _, expr := range []string{``, `ok &&`, `unknown_var == 1`, `stdout`, `exit_status + 1`} {
		_, err := New(expr)
		assert.Error(t, err, expr)
	}
}

func TestFilterRuntimeError(t *testing.T) {
	f, err := New(`parsed.missing == "x"`)
	require.NoError(t, err)

	_, err = f.Apply(sampleResults)
	require.ErrorContains(t, err, "failed to evaluate filter")
}
