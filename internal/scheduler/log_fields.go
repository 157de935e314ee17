package scheduler

import (
	"browser-bench/internal/sample"

	"github.com/sirupsen/logrus"
)

func sampleLogFields(cpuKey, siteKey, engineKey string) logrus.Fields {
	return logrus.Fields{
		"cpu_config": cpuKey,
		"site":       siteKey,
		"engine":     engineKey,
		"sample":     sampleLabel(cpuKey, siteKey, engineKey),
	}
}

func sampleLabel(cpuKey, siteKey, engineKey string) string {
	return cpuKey + "/" + siteKey + sample.Joiner + engineKey
}
