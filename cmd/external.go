package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"browser-bench/internal/logging"
	"browser-bench/internal/study"

	"github.com/spf13/cobra"
)

// newExternalCmd runs one of the study's configured commands with the study
// directory appended as its last argument.
func newExternalCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <study-dir>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := study.Load(args[0])
			if err != nil {
				return err
			}
			argv := st.AnalyseCommand
			if name == "report" {
				argv = st.ReportCommand
			}
			if len(argv) == 0 {
				return fmt.Errorf("study has no %s_command", name)
			}
			return runExternal(argv, st.Dir)
		},
	}
}

func runExternal(argv []string, studyDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := append(append([]string(nil), argv[1:]...), studyDir)
	c := exec.CommandContext(ctx, argv[0], args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = studyDir

	logging.GetLogger().WithField("command", c.String()).Info("Running external command")
	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
