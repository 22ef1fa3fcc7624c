package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caffeineduck/jsfcgi/hostfunc"
)

// bridgeName is the global the stdlib consumes to reach the host.
const bridgeName = "__host_call"

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// bridge dispatches host calls from the interpreter to the registry.
// Arguments and results cross the boundary as JSON text.
type bridge struct {
	registry *hostfunc.Registry
	ctx      context.Context
}

func newBridge(registry *hostfunc.Registry) *bridge {
	return &bridge{registry: registry, ctx: context.Background()}
}

// call is registered with the interpreter as __host_call(fn, argsJSON).
func (b *bridge) call(fn, argsJSON string) string {
	req := callRequest{Fn: fn}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
			return encodeResponse(callResponse{Error: "invalid call format"})
		}
	}
	return encodeResponse(b.handle(req))
}

func (b *bridge) handle(req callRequest) (resp callResponse) {
	fn, ok := b.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	defer func() {
		if r := recover(); r != nil {
			resp = callResponse{Error: fmt.Sprintf("host function %s panicked: %v", req.Fn, r)}
		}
	}()

	if req.Args == nil {
		req.Args = map[string]any{}
	}
	result, err := fn(b.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func encodeResponse(resp callResponse) string {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	return string(data)
}
