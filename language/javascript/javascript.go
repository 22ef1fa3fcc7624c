// Package javascript adapts QuickJS-flavoured JavaScript to the executor.
package javascript

import (
	"bytes"
	_ "embed"
	"strings"
)

//go:embed stdlib.js
var stdlib string

// sandboxPrelude strips everything that reaches outside the interpreter.
const sandboxPrelude = `(function () {
  var g = globalThis;
  ["std", "os", "scriptArgs", "readFile", "fileExists", "getenv", "hostCall"].forEach(function (name) {
    delete g[name];
  });
})();`

// JavaScript implements the executor.Language interface.
type JavaScript struct{}

// New returns a JavaScript language adapter.
func New() *JavaScript {
	return &JavaScript{}
}

// Name returns "javascript".
func (j *JavaScript) Name() string {
	return "javascript"
}

// Stdlib returns the script runtime evaluated at session start.
func (j *JavaScript) Stdlib() string {
	return stdlib
}

// SandboxPrelude returns code that removes host capabilities.
func (j *JavaScript) SandboxPrelude() string {
	return sandboxPrelude
}

// WrapCode blanks out a leading #! line so scripts can be executable files.
// The newline is kept so reported line numbers stay accurate.
func (j *JavaScript) WrapCode(code string) string {
	code = strings.TrimPrefix(code, "\uFEFF")
	if !strings.HasPrefix(code, "#!") {
		return code
	}
	if i := strings.IndexByte(code, '\n'); i >= 0 {
		return code[i:]
	}
	return ""
}

// IsBytecode reports whether src looks like compiled output rather than
// source text: QuickJS bytecode, WebAssembly, or any other binary blob.
func (j *JavaScript) IsBytecode(src []byte) bool {
	if len(src) == 0 {
		return false
	}
	if c := src[0]; (c < 0x20 && c != '\t' && c != '\n' && c != '\r' && c != '\f') || c == 0x7f {
		return true
	}
	head := src
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.IndexByte(head, 0) >= 0
}
