package study

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"browser-bench/internal/logging"
	"browser-bench/internal/sample"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidStudy is returned for study files that parse but cannot be run.
var ErrInvalidStudy = errors.New("invalid study")

// Study file names, in lookup order.
var StudyFiles = []string{"study.yaml", "study.yml", "study.toml"}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load finds and parses the study file inside studyDir.
func Load(studyDir string) (*Study, error) {
	st, _, err := LoadWithContent(studyDir)
	return st, err
}

// LoadWithContent also returns the raw study file for records.
func LoadWithContent(studyDir string) (*Study, string, error) {
	path, err := FindStudyFile(studyDir)
	if err != nil {
		return nil, "", err
	}
	return LoadFileWithContent(path)
}

func FindStudyFile(studyDir string) (string, error) {
	for _, name := range StudyFiles {
		path := filepath.Join(studyDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no study file (%s) in %s", strings.Join(StudyFiles, ", "), studyDir)
}

func LoadFileWithContent(path string) (*Study, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to read study file")
		return nil, "", err
	}
	originalContent := string(data)
	expanded := expandEnvVars(originalContent)

	st, err := Parse([]byte(expanded), formatOf(path))
	if err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to parse study file")
		return nil, "", err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", err
	}
	st.Dir = abs

	return st, originalContent, nil
}

type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes and validates a study. TOML documents are re-encoded as YAML
// so both formats share the same decoding hooks.
func Parse(data []byte, format Format) (*Study, error) {
	if format == FormatTOML {
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		converted, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert toml: %w", err)
		}
		data = converted
	}

	var st Study
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse study: %w", err)
	}

	for key, eng := range st.Engines {
		if eng.Kind == "" {
			eng.Kind = eng.Type
		}
		eng.Type = ""
		if eng.Kind == ChromeDriverLike && eng.Driver == "" {
			eng.Driver = "chromedriver"
		}
		st.Engines[key] = eng
	}

	if err := validateStudy(&st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStudy, err)
	}
	return &st, nil
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStudy(st *Study) error {
	if err := validate.Struct(st); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	for key, cpus := range st.CPUConfigs {
		if err := sample.ValidateKey(key); err != nil {
			return fmt.Errorf("cpu config %q: %w", key, err)
		}
		if len(cpus) == 0 {
			return fmt.Errorf("cpu config %s: at least one CPU is required", key)
		}
	}

	for key, site := range st.Sites {
		if err := sample.ValidateKey(key); err != nil {
			return fmt.Errorf("site %q: %w", key, err)
		}
		if site.URL == "" {
			return fmt.Errorf("site %s: url is required", key)
		}
		if site.ScreenSize != nil {
			if len(site.ScreenSize) != 2 || site.ScreenSize[0] <= 0 || site.ScreenSize[1] <= 0 {
				return fmt.Errorf("site %s: screen_size must be [width, height]", key)
			}
		}
		for selector, count := range site.WaitConditions {
			if count < 0 {
				return fmt.Errorf("site %s: wait condition %q has negative count", key, selector)
			}
		}
		for engineKey := range site.ExtraArgs {
			if _, ok := st.Engines[engineKey]; !ok {
				return fmt.Errorf("site %s: extra args for unknown engine %s", key, engineKey)
			}
		}
	}

	for key, eng := range st.Engines {
		if err := sample.ValidateKey(key); err != nil {
			return fmt.Errorf("engine %q: %w", key, err)
		}
		if eng.Kind == "" {
			return fmt.Errorf("engine %s: kind is required", key)
		}
	}

	for siteKey, site := range st.Sites {
		if len(site.WaitConditions) == 0 {
			continue
		}
		for engineKey, eng := range st.Engines {
			if !eng.Kind.DriverControlled() {
				logging.GetLogger().WithFields(logrus.Fields{
					"site":   siteKey,
					"engine": engineKey,
				}).Warn("Wait conditions are only checked for driver-controlled engines")
			}
		}
	}

	if st.LogLevel != "" {
		if _, err := logrus.ParseLevel(st.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}

	return nil
}
