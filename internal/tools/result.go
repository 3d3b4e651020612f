package tools

// Result is the unified return type from tool execution.
type Result struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`                       // content sent back to the LLM
	Display string `json:"display_preference,omitempty"` // rendering hint for clients
	Err     error  `json:"-"`                            // internal error (not serialized)
}

func NewResult(content string) *Result {
	return &Result{Success: true, Result: content}
}

func ErrorResult(message string) *Result {
	return &Result{Success: false, Result: message}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithDisplay(pref string) *Result {
	r.Display = pref
	return r
}
