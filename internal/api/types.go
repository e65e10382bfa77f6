package api

// ErrorResponse is the JSON error shape for plain HTTP endpoints. Errors on
// an established websocket use the in-band error message instead.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
