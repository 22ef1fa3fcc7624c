package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/jsfcgi/executor"
	"github.com/caffeineduck/jsfcgi/server"
)

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <script>...",
		Short: "Load scripts without running them",
		Long: `Check loads each script the way a request would, without executing it,
and prints the response a request for it would get if loading fails.`,
		Example: `  jsfcgi check www/*.js`,
		Args:    cobra.MinimumNArgs(1),
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
			exec, err := a.newExecutor(log.WithName("executor"))
			if err != nil {
				return err
			}
			defer exec.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				opts := append(sessionOptions(settings),
					executor.WithSandbox(settings.Sandbox),
					executor.WithDefaultContentType(settings.ContentType),
					executor.WithSessionLogger(log.WithValues("script", path)),
				)
				outcome, err := exec.Check(cmd.Context(), path, opts...)
				if err != nil {
					return fmt.Errorf("check %s: %w", path, err)
				}
				reply, failure := server.LoadReply(outcome)
				if !failure {
					fmt.Fprintf(out, "%s: %s\n", path, outcome)
					continue
				}
				failed++
				fmt.Fprintf(out, "%s: %s (%d %s)\n", path, outcome, reply.Status, reply.Body)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scripts failed to load", failed, len(args))
			}
			return nil
		},
	}
}
