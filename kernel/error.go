package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// variables that point to an Error value so that callers can compare them by
// identity and no allocation takes place on the failure path.
type Error struct {
	// The subsystem where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error prefixed by the subsystem that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
