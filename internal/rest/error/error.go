package error

// ApiError is the body of every non-2xx response.
type ApiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}
