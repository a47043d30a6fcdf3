package lnutils

import (
	"github.com/davecgh/go-spew/spew"
)

// LogClosure defers building a log message until the logger formats it, so
// nothing is computed for lines below the active level.
type LogClosure func() string

// String builds the message.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure wraps c as a fmt.Stringer for lazy logging.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure lazily dumps a with spew. It is meant for trace logs of
// events and transitions.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}
