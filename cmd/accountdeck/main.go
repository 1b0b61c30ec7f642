package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("accountdeck command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "accountdeck",
		Short:         "Host many signed-in web accounts side by side",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newBootstrapCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newAccountsCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newBackupsCmd())
	for _, action := range simpleActions {
		root.AddCommand(newSimpleActionCmd(action.name, action.short))
	}
	root.AddCommand(newRecoverCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newVersionCmd())

	return root
}
