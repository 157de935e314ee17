package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"browser-bench/internal/host"
	"browser-bench/internal/study"

	"github.com/spf13/cobra"
)

func newTopologyCmd() *cobra.Command {
	var sysRoot, procRoot string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Show physical cores and their logical CPUs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := host.LoadTopology(sysRoot)
			if err != nil {
				return err
			}
			info := host.Describe(procRoot, sysRoot)
			fmt.Fprintf(os.Stdout, "%s, %d logical cpus, %d cores, %d sockets\n\n",
				info.CPUModel, info.LogicalCPUs, info.PhysicalCores, info.Sockets)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tCORE\tCPUS")
			for _, core := range topo.Cores() {
				fmt.Fprintf(w, "%d\t%d\t%s\n", core.Package, core.Core, study.FormatCPUSpec(topo.SiblingsOf(core)))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&sysRoot, "sys-root", "/sys", "sysfs mount point")
	cmd.Flags().StringVar(&procRoot, "proc-root", "/proc", "procfs mount point")
	return cmd
}
