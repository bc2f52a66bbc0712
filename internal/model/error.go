package model

// AppError is the JSON error payload returned by the local control API.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	ServerID   string `json:"serverId,omitempty"`
	URL        string `json:"url,omitempty"`
	NativeCode int    `json:"nativeCode,omitempty"` // 0 means "not set"
	Hint       string `json:"hint,omitempty"`
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}
