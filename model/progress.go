package model

// JobProgress is a snapshot of execution counts for a job or a group.
type JobProgress struct {
	// Total execution units (devices × commands)
	Total int `json:"total"`
	// Units that finished successfully
	Completed int `json:"completed"`
	// Units that failed
	Failed int `json:"failed"`
	// Units still queued or running
	Running int `json:"running"`
}

// Percentage returns the completed share of Total, or 0 when Total is 0.
func (p JobProgress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Add sums each counter independently.
func (p JobProgress) Add(o JobProgress) JobProgress {
	return JobProgress{
		Total:     p.Total + o.Total,
		Completed: p.Completed + o.Completed,
		Failed:    p.Failed + o.Failed,
		Running:   p.Running + o.Running,
	}
}
