package executor

// Language adapts a scripting language to the embedded interpreter.
type Language interface {
	// Name returns a unique identifier for this language (e.g. "javascript").
	Name() string

	// Stdlib returns the runtime evaluated once per session before the
	// request is installed. It must consume the __host_call bridge and
	// define the entry points the session drives.
	Stdlib() string

	// SandboxPrelude returns code evaluated after Stdlib when the sandbox
	// is enabled. It removes every capability that reaches the host.
	SandboxPrelude() string

	// WrapCode prepares script source for compilation.
	WrapCode(code string) string

	// IsBytecode reports whether a script file holds precompiled code.
	IsBytecode(src []byte) bool
}
