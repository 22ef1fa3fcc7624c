// Package server is the worker pool and the per-request lifecycle.
//
// Every worker repeats the same steps: derive quotas, create a session,
// accept a request, parse it into the session, enable the quotas, load the
// script, execute it, answer, finish the request and close the session.
// Each outcome maps to exactly one response:
//
//	outcome                    status  body
//	ok, committed by script    -       unchanged
//	ok, nothing committed      200     empty
//	execute failure            500     the failure message, or "unspecified script error"
//	access denied              403     "access denied"
//	out of memory              500     "not enough memory"
//	not found                  404     "no such file or directory"
//	syntax error               500     the syntax error message
//	unsupported bytecode       403     "compiled bytecode not supported"
//	missing script path        500     "script path not provided"
//	missing script name        500     "script name not provided"
//	unknown failure            500     "failed to handle the request"
//
// Workers share only the settings, the transport and the sandbox factory.
package server
