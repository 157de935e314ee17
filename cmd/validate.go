package cmd

import (
	"browser-bench/internal/host"
	"browser-bench/internal/isolation"
	"browser-bench/internal/logging"
	"browser-bench/internal/study"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var checkHost bool
	cmd := &cobra.Command{
		Use:   "validate <study-dir>",
		Short: "Validate a study file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateStudy(args[0], checkHost)
		},
	}
	cmd.Flags().BoolVar(&checkHost, "host", false, "Also check every cpu config against this host's topology")
	return cmd
}

func validateStudy(studyDir string, checkHost bool) error {
	logger := logging.GetLogger()

	st, err := study.Load(studyDir)
	if err != nil {
		logger.WithField("study_dir", studyDir).WithError(err).Error("Study validation failed")
		return err
	}
	checksum, err := study.Checksum(st)
	if err != nil {
		return err
	}

	if checkHost {
		opts := isolation.OptionsFromConfig(st.Isolation)
		topo, err := host.LoadTopology(opts.SysRoot)
		if err != nil {
			return err
		}
		for _, c := range st.CPUConfigList() {
			if err := topo.ValidateOnePerCore(c.CPUs); err != nil {
				logger.WithField("cpu_config", c.Key).WithError(err).Error("CPU config does not fit this host")
				return err
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"study_dir":   st.Dir,
		"checksum":    checksum,
		"cpu_configs": len(st.CPUConfigs),
		"sites":       len(st.Sites),
		"engines":     len(st.Engines),
	}).Info("Study is valid")
	return nil
}
