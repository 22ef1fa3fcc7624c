// Package hostfunc provides the Go functions that scripts can call.
//
// Scripts have no implicit access to anything outside their interpreter.
// Every capability is a named [Func] in a [Registry]; the executor installs a
// fresh registry per session and routes the script's host calls through it.
//
// # Response
//
// [Output] adapts a [Response] into the write, header, commit and committed
// functions, and enforces the per-request output ceiling:
//
//	out := hostfunc.NewOutput(resp)
//	out.SetLimit(64 << 10)
//	out.Register(registry)
//
// # Filesystem
//
// [FS] is a read-only view of one directory tree, normally the directory the
// script lives in. Paths cannot leave the root:
//
//	fs := hostfunc.NewFS(filepath.Dir(scriptPath))
//	fs.Register(registry)
//
// FS and [Getenv] are only installed when the sandbox is disabled.
package hostfunc
