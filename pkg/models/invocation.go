package models

// Invocation result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// InvocationResult captures one execution of a manifest. HTTPCode doubles
// as the process exit status for stdio invocations; it is nil when the
// invocation never reached its target.
type InvocationResult struct {
	Status       string `json:"status"`
	HTTPCode     *int   `json:"http_code,omitempty"`
	ResponseBody string `json:"response_body"`
	LatencyMS    int64  `json:"latency_ms"`
	Error        string `json:"error,omitempty"`
}

// Succeeded reports whether the invocation completed cleanly.
func (r *InvocationResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}
