package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"browser-bench/internal/collect"
	"browser-bench/internal/engine"
	"browser-bench/internal/logging"
	"browser-bench/internal/study"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCollectCmd() *cobra.Command {
	var failFast bool
	cmd := &cobra.Command{
		Use:   "collect <study-dir>",
		Short: "Collect every incomplete sample of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(args[0], failFast)
		},
	}
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failed sample or cpu config")
	return cmd
}

func runCollect(studyDir string, failFast bool) error {
	logger := logging.GetLogger()

	st, content, err := study.LoadWithContent(studyDir)
	if err != nil {
		return err
	}
	if st.LogLevel != "" && logLevel == "" {
		if err := logging.SetLogLevel(st.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	env, err := engine.LoadEnv()
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	driver, err := collect.New(collect.Options{
		Study:    st,
		Content:  content,
		Env:      env,
		FailFast: failFast,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.WithField("signal", sig.String()).Warn("Received signal, finishing current run and releasing isolation")
			cancel()
		case <-ctx.Done():
		}
	}()

	printBanner(st, driver.SessionID())

	summary, err := driver.Run(ctx)
	if summary != nil {
		for key, p := range summary.Configs {
			logger.WithFields(logrus.Fields{
				"cpu_config": key,
				"completed":  p.Completed,
				"skipped":    p.Skipped,
				"failed":     p.Failed,
			}).Info("Summary")
		}
	}
	if err != nil {
		lines := []string{"COLLECT FAILED, session " + driver.SessionID()}
		lines = append(lines, strings.Split(err.Error(), "\n")...)
		lines = append(lines, "Completed samples are kept; rerun collect to resume.")
		banner(ansiRed, lines...)
	}
	return err
}

// printBanner warns loudly that the host is about to be reconfigured.
func printBanner(st *study.Study, sessionID string) {
	configs := make([]string, 0, len(st.CPUConfigs))
	for _, c := range st.CPUConfigList() {
		configs = append(configs, c.Key+"="+study.FormatCPUSpec(c.CPUs))
	}
	banner(ansiYellow,
		"browser-bench collect, session "+sessionID,
		"Study: "+st.Dir,
		"CPU configs: "+strings.Join(configs, " "),
		"ASLR, boost, governors, SMT siblings and cpusets will be changed",
		"and restored when the session ends. Do not use this machine meanwhile.",
	)
}

const (
	ansiYellow = "\x1b[1;33m"
	ansiRed    = "\x1b[1;31m"
)

func banner(color string, lines ...string) {
	out := os.Stderr
	tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	rule := strings.Repeat("=", 72)
	if tty {
		fmt.Fprint(out, color)
	}
	fmt.Fprintln(out, rule)
	for _, l := range lines {
		fmt.Fprintln(out, "  "+l)
	}
	fmt.Fprintln(out, rule)
	if tty {
		fmt.Fprint(out, "\x1b[0m")
	}
}
