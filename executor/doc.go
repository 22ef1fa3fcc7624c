// Package executor runs one script per request inside an embedded QuickJS
// interpreter with memory, CPU and output ceilings.
//
// # Overview
//
// An [Executor] is built once at startup and shared by all workers. Each
// request gets its own [Session], a fresh interpreter that is never reused.
// A session is driven in a fixed order:
//
//	s, err := exec.NewSession(executor.WithSandbox(true))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Parse(req, resp); err != nil { ... }
//	s.EnableLimits(executor.Quotas{Memory: 16 << 20, Output: 64 << 10, CPU: time.Second})
//	switch outcome := s.Load(ctx).(type) {
//	case executor.Loaded:
//	    err = s.Execute(ctx)
//	case executor.SyntaxError:
//	    ...
//	}
//
// Quotas are enabled after Parse, so reading the request body is not
// charged against them.
//
// # Load outcomes
//
// [Session.Load] returns exactly one [LoadOutcome]: [Loaded], [AccessDenied],
// [OutOfMemory], [NotFound], [SyntaxError], [UnsupportedBytecode],
// [MissingScriptPath], [MissingScriptName] or [UnknownFailure].
//
// # Capabilities
//
// Scripts always get write, print, header, commit, committed, console and a
// frozen request object. With the sandbox disabled they also get readFile,
// fileExists (rooted at the script's directory), getenv and hostCall, which
// reaches any function in the Executor's base [hostfunc.Registry].
//
// # Language Interface
//
// The interpreter is QuickJS; a [Language] supplies the runtime glue. See
// [github.com/caffeineduck/jsfcgi/language/javascript].
package executor
