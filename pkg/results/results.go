package results

// Code is the outcome of a step or build. Codes are ordered so that a rollup
// can keep the worst outcome seen so far.
type Code int

const (
	Success Code = iota
	Warnings
	Failure
	Exception
	Retry
)

var names = map[Code]string{
	Success:   "success",
	Warnings:  "warnings",
	Failure:   "failure",
	Exception: "exception",
	Retry:     "retry",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "unknown"
}

// Worst returns the more severe of two codes.
func Worst(a, b Code) Code {
	if b > a {
		return b
	}
	return a
}

// FromExitCode maps a process exit status to a result code. Exit 0 is success,
// anything else (including the -1 used for signal kills) is a failure.
func FromExitCode(rc int) Code {
	if rc == 0 {
		return Success
	}
	return Failure
}
