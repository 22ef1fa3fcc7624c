package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/jsfcgi/server"
)

// localRequest feeds a request built from flags through the same lifecycle
// a FastCGI request takes.
type localRequest struct {
	params map[string]string
	body   []byte
	out    io.Writer
}

func (r *localRequest) Params() map[string]string { return r.params }
func (r *localRequest) Body() io.Reader           { return bytes.NewReader(r.body) }
func (r *localRequest) Stdout() io.Writer         { return r.out }
func (r *localRequest) Finish() error             { return nil }

func newRunCommand(a *app) *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run one request locally and print the CGI response",
		Long: `Run handles a single request for script without a web server, applying
the configured sandbox and quotas, and writes the CGI response (status line,
headers and body) to stdout.`,
		Example: `  jsfcgi run hello.js
  jsfcgi run api.js -X POST -d '{"n":1}' -p CONTENT_TYPE=application/json
  jsfcgi run --sandbox=false page.js -q 'id=7'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, flush, err := a.logger()
			if err != nil {
				return err
			}
			defer flush()

			settings, _, err := a.settings()
			if err != nil {
				return err
			}
			params, body, err := flags.build(args[0])
			if err != nil {
				return err
			}
			exec, err := a.newExecutor(log.WithName("executor"))
			if err != nil {
				return err
			}
			defer exec.Close()

			srv, err := server.New(settings, server.NewExecutorSandbox(exec, sessionOptions(settings)...), server.WithLogger(log.WithName("server")))
			if err != nil {
				return err
			}

			status := srv.ServeRequest(cmd.Context(), &localRequest{
				params: params,
				body:   body,
				out:    cmd.OutOrStdout(),
			})
			if status >= 400 {
				return fmt.Errorf("request failed with status %d", status)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
