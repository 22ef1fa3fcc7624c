package executor

import (
	"github.com/caffeineduck/jsfcgi/hostfunc"
	"github.com/go-logr/logr"
)

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	lang   Language
	logger logr.Logger
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{logger: logr.Discard()}
}

// WithLanguage sets the scripting language. Required.
func WithLanguage(lang Language) ExecutorOption {
	return func(c *executorConfig) {
		c.lang = lang
	}
}

// WithLogger sets the logger used for session diagnostics and script
// console output.
func WithLogger(logger logr.Logger) ExecutorOption {
	return func(c *executorConfig) {
		c.logger = logger
	}
}

// SessionOption configures a single session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	sandbox     bool
	contentType string
	fsOptions   []hostfunc.FSOption
	logger      logr.Logger
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		sandbox:     true,
		contentType: "text/plain",
	}
}

// WithSandbox enables or disables the sandbox. With the sandbox disabled
// scripts may read files next to themselves and the server environment.
func WithSandbox(enabled bool) SessionOption {
	return func(c *sessionConfig) {
		c.sandbox = enabled
	}
}

// WithDefaultContentType sets the content type of responses whose script
// does not set one.
func WithDefaultContentType(contentType string) SessionOption {
	return func(c *sessionConfig) {
		if contentType != "" {
			c.contentType = contentType
		}
	}
}

// WithFSMaxFileSize caps readFile for unsandboxed sessions.
func WithFSMaxFileSize(size int64) SessionOption {
	return func(c *sessionConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxFileSize(size))
	}
}

// WithSessionLogger sets the logger for this session only, typically one
// carrying request identifiers.
func WithSessionLogger(logger logr.Logger) SessionOption {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}
