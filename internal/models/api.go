package models

// APIStatus represents the status field of an API response envelope.
type APIStatus string

const (
	// APIStatusOK indicates the request succeeded.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates the request failed.
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for every admin endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and
// optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
