package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Extensions of files picked up from a configuration directory
var configExtensions = []string{".conf", ".yaml", ".yml"}

// IsConfigFile reports whether name carries a recognized configuration extension
func IsConfigFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range configExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Loader reads resource sections from configuration files. Every call reads
// the file afresh; nothing is cached between calls.
type Loader struct {
	logger logging.Logger
}

func NewLoader(logger logging.Logger) *Loader {
	return &Loader{logger: logger}
}

// ListFiles returns the configuration files directly inside dir, sorted
func (l *Loader) ListFiles(dir string) ([]string, error) {
	l.logger.Infof("Looking for config files in: %s", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration directory", err).WithContext("dir", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !IsConfigFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LoadFile parses one configuration file into its sections
func (l *Loader) LoadFile(path string) (map[string]Params, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.loadYAML(path)
	default:
		return l.loadINI(path)
	}
}

func (l *Loader) loadINI(path string) (map[string]Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("file", path)
	}
	if err := checkRawValues(data); err != nil {
		return nil, err.WithContext("file", path)
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:            true,
		IgnoreInlineComment:        true,
		IgnoreContinuation:         true,
		PreserveSurroundedQuote:    true,
		AllowPythonMultilineValues: true,
	}, data)
	if err != nil {
		return nil, errors.NewConfigError("failed to parse configuration file", err).WithContext("file", path)
	}

	defaults := file.Section(ini.DefaultSection).KeysHash()

	sections := make(map[string]Params)
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		params := make(Params, len(defaults))
		for key, value := range defaults {
			params[strings.ToUpper(key)] = value
		}
		for key, value := range section.KeysHash() {
			params[strings.ToUpper(key)] = value
		}
		sections[section.Name()] = params
	}
	return sections, nil
}

// checkRawValues rejects values the INI parser would unwrap as quoted
// strings: a leading backtick or triple double quote. Commands must reach
// the shell exactly as written.
func checkRawValues(data []byte) *errors.DomainError {
	for n, line := range strings.Split(string(data), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || line[0] == ';' || line[0] == '[' {
			continue
		}
		i := strings.IndexAny(line, "=:")
		if i < 0 {
			continue
		}
		value := strings.TrimSpace(line[i+1:])
		if strings.HasPrefix(value, "`") || strings.HasPrefix(value, `"""`) {
			return errors.NewConfigError("values starting with a backtick or triple quote are not supported", nil).
				WithContext("line", n+1).
				WithContext("key", strings.TrimSpace(line[:i]))
		}
	}
	return nil
}

func (l *Loader) loadYAML(path string) (map[string]Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("file", path)
	}

	var document map[string]map[string]string
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, errors.NewConfigError("failed to parse YAML configuration", err).WithContext("file", path)
	}

	sections := make(map[string]Params, len(document))
	for name, values := range document {
		params := make(Params, len(values))
		for key, value := range values {
			params[strings.ToUpper(key)] = value
		}
		sections[name] = params
	}
	return sections, nil
}

// Sections lists the resources defined in path. A file that cannot be read
// or parsed contributes no resources.
func (l *Loader) Sections(path string) []Identity {
	sections, err := l.LoadFile(path)
	if err != nil {
		l.logger.Errorf("Ignoring configuration file %s: %v", path, err)
		return nil
	}

	ids := make([]Identity, 0, len(sections))
	for name := range sections {
		l.logger.Infof("Found Section: %s, filename: %s", name, path)
		ids = append(ids, Identity{Source: path, Section: name})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Section < ids[j].Section })
	return ids
}

// LoadResource re-reads the resource's file and resolves its section.
// found is false when the section no longer exists or the file is unusable.
func (l *Loader) LoadResource(id Identity, logger logging.Logger) (cfg ResourceConfig, found bool, err error) {
	sections, err := l.LoadFile(id.Source)
	if err != nil {
		return ResourceConfig{}, false, err
	}
	params, ok := sections[id.Section]
	if !ok {
		return ResourceConfig{}, false, nil
	}
	return Resolve(params, logger), true, nil
}
