package stage

// Health reports whether one pipeline stage can currently do work.
type Health struct {
	Stage  string `json:"stage"`
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Healthy marks a stage ready.
func Healthy(name string) Health {
	return Health{Stage: name, Ready: true}
}

// Unhealthy marks a stage not ready and records why.
func Unhealthy(name, reason string) Health {
	return Health{Stage: name, Ready: false, Reason: reason}
}
