package job

// This file turns a terminal job payload into the canonical result list.
// Every retval shape the server has used is resolved here, once per snapshot.

import (
	"fmt"
	"strings"

	"github.com/tkspuk/netpulse-sdk/model"
)

const promptDetectionHint = "Device prompt detection failed. " +
	"This usually happens when the device responds slowly or its hostname changed. " +
	"Try increasing read_timeout and delay_factor in driver_args. " +
	"Original error: %s"

func normalize(p model.JobPayload, deviceName string, commands []string) model.Results {
	var (
		retval  model.Retval
		jobErr  *model.JobError
		success bool
	)
	if p.Result != nil {
		retval = p.Result.Retval
		jobErr = p.Result.Error
		success = p.Result.Type == model.ResultTypeSuccessful
	}
	ok := p.Status == model.StatusFinished && success
	resultErr := convertError(jobErr)

	base := func(command string) model.Result {
		return model.Result{
			JobID:      p.ID,
			DeviceID:   deviceName,
			DeviceName: deviceName,
			Command:    command,
			OK:         ok,
			DurationMS: p.DurationMS(),
			Metadata:   map[string]any{},
			Error:      resultErr,
		}
	}
	label := func(idx int) string {
		if idx < len(commands) {
			return commands[idx]
		}
		return fmt.Sprintf("command_%d", idx+1)
	}
	// Unlabelled formats do not separate streams, so the raw output goes to
	// stderr when the job failed.
	unlabelled := func(command, output string) model.Result {
		r := base(command)
		if ok {
			r.Stdout = output
		} else {
			r.Stderr = output
		}
		return r
	}

	var results model.Results
	switch retval.Kind {
	case model.RetvalStructured:
		for _, out := range retval.Structured {
			command := out.Command
			if command == "" {
				command = label(out.Index)
			}
			r := base(command)
			if host, _ := out.Metadata["host"].(string); host != "" {
				r.DeviceID, r.DeviceName = host, host
			}
			r.Stdout = out.Stdout
			r.Stderr = out.Stderr
			r.ExitStatus = out.ExitStatus
			r.DownloadURL = out.DownloadURL
			r.Metadata = out.Metadata
			r.Parsed = out.Parsed
			if out.ExitStatus != 0 || out.Stderr != "" {
				r.OK = false
			}
			results = append(results, r)
		}
	case model.RetvalMapping:
		for _, e := range retval.Mapping {
			results = append(results, unlabelled(e.Command, e.Output))
		}
	case model.RetvalPositional:
		for idx, output := range retval.Positional {
			results = append(results, unlabelled(label(idx), output))
		}
	case model.RetvalText:
		command := label(0)
		if len(commands) > 1 {
			command = strings.Join(commands, "; ")
		}
		results = append(results, unlabelled(command, retval.Text))
	}

	if len(results) > 0 {
		return results
	}

	// A terminal job always reports at least one result.
	message := "job returned no output"
	switch {
	case resultErr != nil:
		message = resultErr.Message
	case !ok:
		message = fmt.Sprintf("job %s with empty result", p.Status)
	}
	placeholders := commands
	if len(placeholders) == 0 {
		placeholders = []string{"unknown"}
	}
	for _, command := range placeholders {
		r := base(command)
		r.Stderr = message
		results = append(results, r)
	}
	return results
}

func convertError(e *model.JobError) *model.Error {
	if e == nil {
		return nil
	}
	errType := e.Type
	if errType == "" {
		errType = "unknown"
	}
	message := e.Message
	if message == "" {
		message = "Unknown error"
	}
	if strings.Contains(strings.ToLower(message), "pattern") {
		message = fmt.Sprintf(promptDetectionHint, message)
	}
	return &model.Error{
		Type:      errType,
		Message:   message,
		Retryable: model.IsRetryableErrorType(errType),
	}
}
