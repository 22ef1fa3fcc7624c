package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/jsfcgi/fcgi"
)

func newRequestCommand(a *app) *cobra.Command {
	var (
		flags   requestFlags
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <script>",
		Short: "Send one request to a running server",
		Long: `Request connects to the server at --listen over FastCGI, asks it to run
script and prints the raw CGI response. Anything the server wrote to its
error stream goes to stderr.`,
		Example: `  jsfcgi request --listen /run/jsfcgi.sock /srv/www/hello.js
  jsfcgi request --listen 127.0.0.1:9000 form.js -X POST -d @form.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := a.settings()
			if err != nil {
				return err
			}
			params, body, err := flags.build(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			c, err := fcgi.Dial(ctx, settings.Listen)
			if err != nil {
				return err
			}
			defer c.Close()
			if deadline, ok := ctx.Deadline(); ok {
				if err := c.SetDeadline(deadline); err != nil {
					return err
				}
			}

			resp, err := c.Do(params, body)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}
			cmd.ErrOrStderr().Write(resp.Stderr)
			cmd.OutOrStdout().Write(resp.Stdout)
			if !resp.Complete() {
				return fmt.Errorf("request not completed: protocol status %d", resp.ProtocolStatus)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long (0 waits forever)")
	return cmd
}
