// Package fault attaches error kinds to causes.
//
// Every package declares its own sentinel errors in errors.go. When an
// operation fails, the underlying cause is wrapped together with the
// sentinel so that callers can branch on the kind with errors.Is while the
// message still carries the original detail. Wrapped causes record a stack
// trace, which is printed when debug logging is enabled.
//
// A handful of cross-cutting kinds decide the process exit code:
//
//	ErrConfig       2  invalid or unreadable configuration
//	ErrEnvironment  3  missing external tool or unreachable daemon
//	anything else   1
//
// Example usage:
//
//	if err := os.MkdirAll(dir, 0755); err != nil {
//	    return fault.Wrap(ErrFileSystemOperation, err)
//	}
//
//	return fault.Wrapf(ErrBuild, "stage %q: %w", name, err)
package fault
