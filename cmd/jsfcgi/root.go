package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caffeineduck/jsfcgi/config"
	"github.com/caffeineduck/jsfcgi/executor"
	"github.com/caffeineduck/jsfcgi/hostfunc"
	"github.com/caffeineduck/jsfcgi/internal/logging"
	"github.com/caffeineduck/jsfcgi/language/javascript"
)

// app holds what the subcommands share: the viper instance behind the
// configuration flags and the logging flags.
type app struct {
	v       *viper.Viper
	logOpts logging.Options
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	cmd := &cobra.Command{
		Use:   "jsfcgi",
		Short: "FastCGI server running JavaScript in QuickJS sandboxes",
		Long: `jsfcgi - a FastCGI application server for JavaScript.

For every request the web server forwards, jsfcgi runs the script named by
SCRIPT_FILENAME in a fresh QuickJS interpreter with memory, CPU and output
ceilings, and turns the outcome into exactly one HTTP response.

Settings come from flags, JSFCGI_* environment variables and a jsfcgi.yaml,
.toml or .json file in /etc or the working directory.`,
		Example: `  # Four workers on a unix socket
  jsfcgi --listen /run/jsfcgi.sock --threads 4

  # Larger scripts, one second of CPU, metrics on :9100
  JSFCGI_MEM_MAX=64MiB jsfcgi --cpu-sec 1 --cpu-usec 0 --metrics-listen :9100`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          a.runServe,
	}

	cobra.CheckErr(config.BindFlags(a.v, cmd.PersistentFlags()))
	cmd.PersistentFlags().IntVar(&a.logOpts.Verbosity, "log-level", logging.DEFAULT,
		fmt.Sprintf("log verbosity: %d default, %d verbose, %d debug, %d trace", logging.DEFAULT, logging.VERBOSE, logging.DEBUG, logging.TRACE))
	cmd.PersistentFlags().BoolVar(&a.logOpts.Development, "log-development", false, "human readable log output")

	cmd.AddCommand(
		newCheckCommand(a),
		newRunCommand(a),
		newRequestCommand(a),
		newVersionCommand(),
	)
	return cmd
}

func (a *app) logger() (logr.Logger, func(), error) {
	return logging.New(a.logOpts)
}

func (a *app) settings() (config.Settings, string, error) {
	return config.Load(a.v)
}

func (a *app) newExecutor(log logr.Logger) (*executor.Executor, error) {
	exec, err := executor.New(hostfunc.NewRegistry(),
		executor.WithLanguage(javascript.New()),
		executor.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("start executor: %w", err)
	}
	return exec, nil
}

// sessionOptions are the executor options every session shares. A file the
// script reads is capped at the memory ceiling, since it could not fit in
// the interpreter anyway.
func sessionOptions(settings config.Settings) []executor.SessionOption {
	var opts []executor.SessionOption
	if settings.MemMax > 0 {
		opts = append(opts, executor.WithFSMaxFileSize(int64(settings.MemMax)))
	}
	return opts
}

// requestFlags are the CGI variables a request built on the command line
// carries, shared by run and request.
type requestFlags struct {
	method string
	query  string
	body   string
	params []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.method, "method", "X", "GET", "REQUEST_METHOD")
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "QUERY_STRING")
	cmd.Flags().StringVarP(&f.body, "body", "d", "", "request body; @file reads it from a file")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "extra CGI variable KEY=VALUE (repeatable)")
}

// build returns the CGI variables and body for script, as a web server
// would send them for a request to /<base name of script>.
func (f *requestFlags) build(script string) (map[string]string, []byte, error) {
	abs, err := filepath.Abs(script)
	if err != nil {
		return nil, nil, err
	}
	name := "/" + filepath.Base(abs)
	uri := name
	if f.query != "" {
		uri += "?" + f.query
	}

	var body []byte
	if path, ok := strings.CutPrefix(f.body, "@"); ok {
		if body, err = os.ReadFile(path); err != nil {
			return nil, nil, fmt.Errorf("read body: %w", err)
		}
	} else {
		body = []byte(f.body)
	}

	params := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SCRIPT_FILENAME":   abs,
		"SCRIPT_NAME":       name,
		"REQUEST_METHOD":    f.method,
		"REQUEST_URI":       uri,
		"QUERY_STRING":      f.query,
		"DOCUMENT_ROOT":     filepath.Dir(abs),
	}
	if len(body) > 0 {
		params["CONTENT_LENGTH"] = strconv.Itoa(len(body))
	}
	for _, kv := range f.params {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, nil, fmt.Errorf("invalid --param %q (expected KEY=VALUE)", kv)
		}
		params[k] = v
	}
	return params, body, nil
}
