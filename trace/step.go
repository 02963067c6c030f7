package trace

// Step is one completed VM step.
type Step struct {
	Counter   uint64 `json:"counter"`
	Module    string `json:"module"`
	Function  string `json:"function"`
	Node      int    `json:"node"`
	Op        string `json:"op"`
	Depth     int    `json:"depth"`
	CallDepth int    `json:"callDepth"`
	HeapSize  uint64 `json:"heapSize"`
	// chunks of the current module's heap touched since the last checkpoint
	WindowChunks []uint64 `json:"windowChunks,omitempty"`
	Finished     bool     `json:"finished,omitempty"`
	Trap         string   `json:"trap,omitempty"`
}

// Writer receives steps. JSONLTraceWriter is the only implementation
// shipped here; tests use in-memory recorders.
type Writer interface {
	WriteStep(step *Step) error
}
