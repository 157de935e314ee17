package cmd

import (
	"context"

	"browser-bench/internal/isolation"
	"browser-bench/internal/study"

	"github.com/spf13/cobra"
)

func newReleaseCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "release [study-dir]",
		Short: "Restore host defaults after an interrupted session",
		Long:  "Re-enables ASLR and boost, onlines every CPU, resets governors and widens every cpuset to all present CPUs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := isolation.DefaultOptions()
			if len(args) == 1 {
				st, err := study.Load(args[0])
				if err != nil {
					return err
				}
				opts = isolation.OptionsFromConfig(st.Isolation)
			}
			if group != "" {
				opts.GroupName = group
			}
			return isolation.NewController(opts).Release(context.Background(), nil)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Reserved cgroup name (default browser-bench)")
	return cmd
}
