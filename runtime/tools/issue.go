package tools

// FieldIssue represents a single validation issue for an argument payload.
// Constraint values follow a fixed vocabulary: missing_field,
// invalid_field_type, invalid_enum_value, invalid_format, invalid_range,
// invalid_length.
type FieldIssue struct {
	Field      string
	Constraint string
	// Optional extras for richer diagnostics; not all validators populate them.
	Allowed []string
	Format  string
}
