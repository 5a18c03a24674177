package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/config"
	"github.com/core-tools/hsu-mounter/pkg/logging"
)

// Sources names where resource definitions come from. An explicit file or
// directory replaces the defaults entirely.
type Sources struct {
	ConfFile    string
	ConfDir     string
	DefaultFile string
	DefaultDir  string
}

type sourceKind int

const (
	sourceFile sourceKind = iota
	sourceDir
)

type source struct {
	path string
	kind sourceKind
}

// fingerprint maps every watched path of a source to its modification time
type fingerprint map[string]time.Time

func (f fingerprint) equal(other fingerprint) bool {
	if len(f) != len(other) {
		return false
	}
	for path, modTime := range f {
		otherTime, ok := other[path]
		if !ok || !otherTime.Equal(modTime) {
			return false
		}
	}
	return true
}

// activeSources resolves Sources once at startup. Explicit sources that do
// not exist are logged and ignored; defaults may appear later.
func activeSources(sources Sources, logger logging.Logger) []source {
	var active []source

	if sources.ConfFile == "" && sources.ConfDir == "" {
		if sources.DefaultFile != "" {
			logger.Infof("Watching default config file: %s", sources.DefaultFile)
			active = append(active, source{path: sources.DefaultFile, kind: sourceFile})
		}
		if sources.DefaultDir != "" {
			logger.Infof("Watching default config dir: %s", sources.DefaultDir)
			active = append(active, source{path: sources.DefaultDir, kind: sourceDir})
		}
		return active
	}

	if sources.ConfFile != "" {
		if info, err := os.Stat(sources.ConfFile); err != nil || info.IsDir() {
			logger.Errorf("Config file %s does not exist, ignoring it", sources.ConfFile)
		} else {
			logger.Infof("Using config file: %s", sources.ConfFile)
			active = append(active, source{path: absolute(sources.ConfFile), kind: sourceFile})
		}
	}
	if sources.ConfDir != "" {
		if info, err := os.Stat(sources.ConfDir); err != nil || !info.IsDir() {
			logger.Errorf("Config dir %s does not exist, ignoring it", sources.ConfDir)
		} else {
			logger.Infof("Using config dir: %s", sources.ConfDir)
			active = append(active, source{path: absolute(sources.ConfDir), kind: sourceDir})
		}
	}
	return active
}

func absolute(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// fingerprint stats the source. A missing source has an empty fingerprint.
func (s source) fingerprint() fingerprint {
	f := make(fingerprint)

	info, err := os.Stat(s.path)
	if err != nil {
		return f
	}
	f[s.path] = info.ModTime()

	if s.kind == sourceDir && info.IsDir() {
		entries, err := os.ReadDir(s.path)
		if err != nil {
			return f
		}
		for _, entry := range entries {
			if entry.IsDir() || !config.IsConfigFile(entry.Name()) {
				continue
			}
			if entryInfo, err := entry.Info(); err == nil {
				f[filepath.Join(s.path, entry.Name())] = entryInfo.ModTime()
			}
		}
	}
	return f
}

// identities enumerates the resources currently defined in the source
func (s source) identities(loader *config.Loader) []config.Identity {
	if _, err := os.Stat(s.path); err != nil {
		return nil
	}

	if s.kind == sourceFile {
		return loader.Sections(s.path)
	}

	files, err := loader.ListFiles(s.path)
	if err != nil {
		return nil
	}
	var ids []config.Identity
	for _, file := range files {
		ids = append(ids, loader.Sections(file)...)
	}
	return ids
}
