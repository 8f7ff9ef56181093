package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing fields (context level)
// Propagated through a monitoring cycle or a sweep
// ============================================

const (
	// FieldRequestID is the ops API request ID (UUID)
	FieldRequestID = "request_id"

	// FieldCycleID identifies one monitoring cycle or sweep run
	FieldCycleID = "cycle_id"

	// FieldJobID is the dispatched job / JobRecord ID
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSource is the data source identifier
	FieldSource = "source"

	// FieldStage is the pipeline stage (scrape, process, train)
	FieldStage = "stage"

	// FieldQueue is the job queue name
	FieldQueue = "queue"

	// FieldTable is the state repository table
	FieldTable = "table"
)

// ============================================
// Metric fields (Entry level)
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldFailures is the number of failed units in a cycle
	FieldFailures = "failures"
)
