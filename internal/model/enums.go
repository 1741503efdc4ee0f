package model

// Task kinds
type TaskKind string

const (
	KindText2Img     TaskKind = "text2img"
	KindImg2Img      TaskKind = "img2img"
	KindText2Video   TaskKind = "text2video"
	KindImg2Video    TaskKind = "img2video"
	KindSceneVariant TaskKind = "scene-variant"
)

var ValidTaskKinds = []TaskKind{
	KindText2Img, KindImg2Img, KindText2Video, KindImg2Video, KindSceneVariant,
}

// ParseTaskKind maps a route/request value onto a known task kind.
func ParseTaskKind(s string) (TaskKind, bool) {
	for _, k := range ValidTaskKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Task status
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further status transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Parameter roles understood by the workflow binder. Submitted params use
// these keys; unknown keys pass through to the binder and are ignored there.
const (
	ParamPrompt          = "prompt"
	ParamNegativePrompt  = "negative_prompt"
	ParamWidth           = "width"
	ParamHeight          = "height"
	ParamSteps           = "steps"
	ParamCfgScale        = "cfg_scale"
	ParamDenoiseStrength = "denoise_strength"
	ParamBatchSize       = "batch_size"
	ParamSeed            = "seed"
	ParamSourceImagePath = "source_image_path"
)
