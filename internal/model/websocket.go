package model

// WebSocket message types
type WSMessageType string

const (
	WSMessageTypeStatus   WSMessageType = "status"
	WSMessageTypeComplete WSMessageType = "complete"
	WSMessageTypeError    WSMessageType = "error"
	WSMessageTypePing     WSMessageType = "ping"
	WSMessageTypePong     WSMessageType = "pong"
)

// WSMessage is the generic envelope for client messages (ping/pong).
type WSMessage struct {
	Type WSMessageType `json:"type"`
}

// WSStatusMessage notifies subscribers of a task status transition.
type WSStatusMessage struct {
	Type     WSMessageType `json:"type"`
	TaskID   string        `json:"taskId"`
	Status   TaskStatus    `json:"status"`
	Attempts int           `json:"attempts"`
	Message  string        `json:"message,omitempty"`
}

// WSCompleteMessage carries the final snapshot of a succeeded task.
type WSCompleteMessage struct {
	Type   WSMessageType `json:"type"`
	TaskID string        `json:"taskId"`
	Task   *Task         `json:"task"`
}

// WSErrorMessage reports a terminal failure.
type WSErrorMessage struct {
	Type   WSMessageType `json:"type"`
	TaskID string        `json:"taskId"`
	Error  WSError       `json:"error"`
}

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
