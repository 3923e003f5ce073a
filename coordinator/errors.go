package coordinator

import (
	"fmt"

	"github.com/maxpert/ldapnotify/watch"
)

// PassError is a failed ingestion pass that left its source unconsumed.
// The source stays pending and is retried.
type PassError struct {
	Source watch.SourceKind
	Err    error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("%s pass failed: %v", e.Source, e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

// FatalError stops ingestion. Continuing could reuse transaction ids or lose
// committed input, so it must reach the operator.
type FatalError struct {
	Source watch.SourceKind
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("ingestion stopped during %s pass: %v", e.Source, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
