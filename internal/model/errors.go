package model

import "fmt"

// BuildError reports that the build procedure for Key failed. It is recorded
// on the bundle and returned to every caller that joined the build.
type BuildError struct {
	Key   BundleKey
	Cause error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Key, e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// StoreError reports a failed persistence operation.
type StoreError struct {
	Op  string
	Key BundleKey
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
