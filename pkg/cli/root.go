// Package cli is the command line of the back office.
package cli

import (
	"github.com/spf13/cobra"
	configx "github.com/tanpawarit/cognitive-backoffice/pkg/config"
	logx "github.com/tanpawarit/cognitive-backoffice/pkg/logger"
)

const Version = "0.1.0"

func NewRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "backoffice",
		Short: "Cognitive back-office orchestrator",
		Long: `Routes institutional requests to department agents, pauses sensitive
actions for human approval and keeps an auditable brain log of every run.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configx.SetEnvFile(envFile)
			logCfg, err := configx.New[logx.Config]("LOG")
			if err != nil {
				return err
			}
			logx.Init(*logCfg)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file (default ./.env when present)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewApproveCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewCancelCommand())
	cmd.AddCommand(NewAuditCommand())

	return cmd
}

func Execute() error {
	return NewRootCommand().Execute()
}
