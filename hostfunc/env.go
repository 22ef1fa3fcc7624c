package hostfunc

import (
	"context"
	"errors"
	"os"
)

// Getenv exposes the server's process environment. It is only registered
// for sessions running with the sandbox disabled.
func Getenv(ctx context.Context, args map[string]any) (any, error) {
	name, ok := args["name"].(string)
	if !ok || name == "" {
		return nil, errors.New("name required")
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, nil
	}
	return value, nil
}
