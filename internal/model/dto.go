package model

import "time"

// SubmitTaskRequest is the request body for all task submission routes.
// Fields that do not apply to the chosen kind are simply not bound to the
// workflow; required-per-kind checks happen in the queue manager.
type SubmitTaskRequest struct {
	Prompt          string  `json:"prompt" validate:"omitempty,max=4000"`
	NegativePrompt  string  `json:"negativePrompt" validate:"omitempty,max=4000"`
	Width           int     `json:"width" validate:"omitempty,min=64,max=4096"`
	Height          int     `json:"height" validate:"omitempty,min=64,max=4096"`
	Steps           int     `json:"steps" validate:"omitempty,min=1,max=150"`
	CfgScale        float64 `json:"cfgScale" validate:"omitempty,min=0,max=30"`
	DenoiseStrength float64 `json:"denoiseStrength" validate:"omitempty,min=0,max=1"`
	BatchSize       int     `json:"batchSize" validate:"omitempty,min=1,max=8"`
	Seed            *int64  `json:"seed"`
	SourceImagePath string  `json:"sourceImagePath" validate:"omitempty,max=1024"`
}

// Params flattens the request into the role map consumed by the binder.
// Zero values mean "not supplied" and are left out.
func (r *SubmitTaskRequest) Params() map[string]any {
	p := make(map[string]any)
	if r.Prompt != "" {
		p[ParamPrompt] = r.Prompt
	}
	if r.NegativePrompt != "" {
		p[ParamNegativePrompt] = r.NegativePrompt
	}
	if r.Width > 0 {
		p[ParamWidth] = r.Width
	}
	if r.Height > 0 {
		p[ParamHeight] = r.Height
	}
	if r.Steps > 0 {
		p[ParamSteps] = r.Steps
	}
	if r.CfgScale > 0 {
		p[ParamCfgScale] = r.CfgScale
	}
	if r.DenoiseStrength > 0 {
		p[ParamDenoiseStrength] = r.DenoiseStrength
	}
	if r.BatchSize > 0 {
		p[ParamBatchSize] = r.BatchSize
	}
	if r.Seed != nil {
		p[ParamSeed] = *r.Seed
	}
	if r.SourceImagePath != "" {
		p[ParamSourceImagePath] = r.SourceImagePath
	}
	return p
}

// SubmitTaskResponse acknowledges an accepted task.
type SubmitTaskResponse struct {
	TaskID        string     `json:"taskId"`
	Kind          TaskKind   `json:"kind"`
	Status        TaskStatus `json:"status"`
	QueuePosition int        `json:"queuePosition"`
	EstimatedWait float64    `json:"estimatedWaitSeconds"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CancelTaskResponse acknowledges a cancel request.
type CancelTaskResponse struct {
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
}

// QueueStats describes the current queue load.
type QueueStats struct {
	Queued           int                  `json:"queued"`
	Running          int                  `json:"running"`
	Workers          int                  `json:"workers"`
	QueuedByKind     map[TaskKind]int     `json:"queuedByKind"`
	AverageDurations map[TaskKind]float64 `json:"averageDurationSeconds"`
	TotalTracked     int                  `json:"totalTracked"`
}
