package executor

import "fmt"

// LoadOutcome classifies the result of Session.Load. The set of variants is
// closed: every implementation lives in this file.
type LoadOutcome interface {
	// String returns a stable snake_case name, suitable as a metric label.
	String() string
	loadOutcome()
}

type (
	// Loaded means the script compiled and is ready to execute.
	Loaded struct{}
	// AccessDenied means the script file could not be opened for lack of
	// permission.
	AccessDenied struct{}
	// OutOfMemory means the memory ceiling was hit while loading.
	OutOfMemory struct{}
	// NotFound means SCRIPT_FILENAME does not name a regular file.
	NotFound struct{}
	// SyntaxError carries the compiler's message.
	SyntaxError struct{ Message string }
	// UnsupportedBytecode means the file holds precompiled code.
	UnsupportedBytecode struct{}
	// MissingScriptPath means SCRIPT_FILENAME was absent or empty.
	MissingScriptPath struct{}
	// MissingScriptName means SCRIPT_NAME was absent or empty.
	MissingScriptName struct{}
	// UnknownFailure covers everything else. Err is for logs only.
	UnknownFailure struct{ Err error }
)

func (Loaded) loadOutcome()              {}
func (AccessDenied) loadOutcome()        {}
func (OutOfMemory) loadOutcome()         {}
func (NotFound) loadOutcome()            {}
func (SyntaxError) loadOutcome()         {}
func (UnsupportedBytecode) loadOutcome() {}
func (MissingScriptPath) loadOutcome()   {}
func (MissingScriptName) loadOutcome()   {}
func (UnknownFailure) loadOutcome()      {}

func (Loaded) String() string              { return "ok" }
func (AccessDenied) String() string        { return "access_denied" }
func (OutOfMemory) String() string         { return "out_of_memory" }
func (NotFound) String() string            { return "not_found" }
func (SyntaxError) String() string         { return "syntax_error" }
func (UnsupportedBytecode) String() string { return "unsupported_bytecode" }
func (MissingScriptPath) String() string   { return "missing_script_path" }
func (MissingScriptName) String() string   { return "missing_script_name" }
func (UnknownFailure) String() string      { return "unknown_failure" }

// ScriptError is a runtime failure raised by Session.Execute. Message is
// empty when the thrown value carried no usable message.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	if e.Message == "" {
		return "script error"
	}
	return fmt.Sprintf("script error: %s", e.Message)
}
