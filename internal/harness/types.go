package harness

// TraceEvent records the view after one scenario step.
type TraceEvent struct {
	Step     int      `json:"step"`
	Source   string   `json:"source"`
	Kind     string   `json:"kind,omitempty"`
	ID       string   `json:"id,omitempty"`
	Stale    bool     `json:"stale,omitempty"`
	Error    string   `json:"error,omitempty"`
	Owner    string   `json:"owner"`
	Active   bool     `json:"active"`
	State    string   `json:"state"`
	IDs      []string `json:"ids"`
	Warnings []string `json:"warnings"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Last returns the most recent trace event, or nil before the first step.
func (r *Result) Last() *TraceEvent {
	if len(r.Trace) == 0 {
		return nil
	}
	return &r.Trace[len(r.Trace)-1]
}
