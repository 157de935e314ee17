package study

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

type checksumPayload struct {
	SampleSize int              `json:"sample_size"`
	CPUConfigs []checksumCPU    `json:"cpu_configs"`
	Sites      []checksumSite   `json:"sites"`
	Engines    []checksumEngine `json:"engines"`
}

type checksumCPU struct {
	Key  string `json:"key"`
	CPUs string `json:"cpus"`
}

type checksumSite struct {
	Key       string              `json:"key"`
	URL       string              `json:"url"`
	OpenTimeS float64             `json:"open_time_s,omitempty"`
	UserAgent string              `json:"user_agent,omitempty"`
	Screen    []int               `json:"screen,omitempty"`
	Waits     map[string]int      `json:"waits,omitempty"`
	ExtraArgs map[string][]string `json:"extra_args,omitempty"`
}

type checksumEngine struct {
	Key  string     `json:"key"`
	Kind EngineKind `json:"kind"`
	Path string     `json:"path"`
}

// Checksum returns a short, stable identifier of the study's sample matrix.
// It is the first 6 hex characters of the MD5 of a canonical JSON form, so
// key order in the study file does not matter.
func Checksum(st *Study) (string, error) {
	if st == nil {
		return "", nil
	}

	payload := checksumPayload{SampleSize: st.SampleSize}
	for _, c := range st.CPUConfigList() {
		payload.CPUConfigs = append(payload.CPUConfigs, checksumCPU{Key: c.Key, CPUs: FormatCPUSpec(c.CPUs)})
	}
	for _, s := range st.SiteList() {
		payload.Sites = append(payload.Sites, checksumSite{
			Key:       s.Key,
			URL:       s.URL,
			OpenTimeS: s.OpenTime.Seconds(),
			UserAgent: s.UserAgent,
			Screen:    s.ScreenSize,
			Waits:     s.WaitConditions,
			ExtraArgs: s.ExtraArgs,
		})
	}
	for _, e := range st.EngineList() {
		payload.Engines = append(payload.Engines, checksumEngine{Key: e.Key, Kind: e.Kind, Path: e.Path})
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])[:6], nil
}
