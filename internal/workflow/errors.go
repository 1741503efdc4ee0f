package workflow

import "errors"

var (
	// ErrTemplateNotFound means the named workflow file does not exist.
	ErrTemplateNotFound = errors.New("workflow template not found")

	// ErrTemplateParse means the file exists but is not a valid graph document.
	ErrTemplateParse = errors.New("workflow template parse error")
)
