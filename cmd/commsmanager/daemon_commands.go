package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bmh/internal/daemonrun"
	"bmh/internal/ipc"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Run the comms manager daemon in the foreground",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonrun.Run(cmd.Context(), daemonrun.Options{
				ConfigPath:  ctx.configFlagValue(),
				LogLevel:    logLevel,
				Development: development,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, DAC transmit and line tap status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				newStatusView(cmd.OutOrStdout(), time.Now()).render(resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func newReloadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the configuration file now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Reload()
				if err != nil {
					return fmt.Errorf("reload rejected: %w", err)
				}
				if resp.Changed {
					fmt.Fprintln(cmd.OutOrStdout(), "Configuration reloaded")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Configuration unchanged")
				}
				return nil
			})
		},
	}
}
