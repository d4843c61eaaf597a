package handlers

// ErrorResponse is returned for every rejected request
type ErrorResponse struct {
	Error string `json:"error" example:"Missing cameraId"`
}

// MessageResponse carries the result message of a fleet operation
type MessageResponse struct {
	Message string `json:"message" example:"Successfully connected device: cam-1"`
}
