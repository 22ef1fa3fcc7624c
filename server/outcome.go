package server

import (
	"errors"
	"net/http"

	"github.com/caffeineduck/jsfcgi/executor"
)

// Response bodies for failures that carry no message of their own.
const (
	MsgUnspecifiedScriptError = "unspecified script error"
	MsgAccessDenied           = "access denied"
	MsgNotEnoughMemory        = "not enough memory"
	MsgNotFound               = "no such file or directory"
	MsgUnsupportedBytecode    = "compiled bytecode not supported"
	MsgMissingScriptPath      = "script path not provided"
	MsgMissingScriptName      = "script name not provided"
	MsgUnknownFailure         = "failed to handle the request"
)

// Reply is a status and body the server sends on the script's behalf.
type Reply struct {
	Status int
	Body   string
}

var unknownFailure = Reply{http.StatusInternalServerError, MsgUnknownFailure}

// LoadReply maps a load outcome to its reply. It reports false for
// [executor.Loaded], which has no reply of its own.
func LoadReply(o executor.LoadOutcome) (Reply, bool) {
	switch o := o.(type) {
	case executor.Loaded:
		return Reply{}, false
	case executor.AccessDenied:
		return Reply{http.StatusForbidden, MsgAccessDenied}, true
	case executor.OutOfMemory:
		return Reply{http.StatusInternalServerError, MsgNotEnoughMemory}, true
	case executor.NotFound:
		return Reply{http.StatusNotFound, MsgNotFound}, true
	case executor.SyntaxError:
		return Reply{http.StatusInternalServerError, o.Message}, true
	case executor.UnsupportedBytecode:
		return Reply{http.StatusForbidden, MsgUnsupportedBytecode}, true
	case executor.MissingScriptPath:
		return Reply{http.StatusInternalServerError, MsgMissingScriptPath}, true
	case executor.MissingScriptName:
		return Reply{http.StatusInternalServerError, MsgMissingScriptName}, true
	default:
		return unknownFailure, true
	}
}

// ExecuteReply maps the result of Execute to its reply. A successful run
// answers 200 only when the script committed nothing itself.
func ExecuteReply(err error, committed bool) (Reply, bool) {
	if err == nil {
		if committed {
			return Reply{}, false
		}
		return Reply{Status: http.StatusOK}, true
	}
	var se *executor.ScriptError
	if errors.As(err, &se) && se.Message != "" {
		return Reply{http.StatusInternalServerError, se.Message}, true
	}
	return Reply{http.StatusInternalServerError, MsgUnspecifiedScriptError}, true
}

// send commits the reply status and appends its body. On a committed
// response only the body is added.
func (r Reply) send(rc *RequestContext) error {
	if err := rc.Commit(r.Status); err != nil {
		return err
	}
	if r.Body == "" {
		return nil
	}
	_, err := rc.WriteString(r.Body)
	return err
}
