package dictionary

import "fmt"

// LoadError reports a dictionary directory that is missing, unreadable or
// holds no usable tables.
type LoadError struct {
	Dir string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load dictionary %q: %v", e.Dir, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ParseError reports a table whose contents are not a flat string to string
// mapping.
type ParseError struct {
	Table Generation
	Path  string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse dictionary table %q (%s): %v", e.Table, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
