package detection

// Event is a detector hit for one task.
type Event struct {
	Type    string // loop, stagnation, spiral
	TaskID  string
	Message string
	Details map[string]interface{}
}
