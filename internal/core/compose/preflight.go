package compose

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// DefaultFileNames are the compose file names tried, in order, when none
// is configured. Matches the docker compose CLI lookup.
var DefaultFileNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// File is one compose file read by the caller.
type File struct {
	Name    string
	Content []byte
}

// Project is what the preflight learned about the compose project.
type Project struct {
	Name          string
	Services      []string // sorted
	BuildServices []string // services with a build section, sorted
	Files         []string // compose file names, in the order given
}

// =============================================================================
// Project Name
// =============================================================================

// ProjectName returns the configured name normalized the way docker compose
// does, or the normalized base name of remotePath when none is configured.
func ProjectName(configured, remotePath string) (string, error) {
	name := configured
	if strings.TrimSpace(name) == "" {
		name = path.Base(strings.TrimRight(remotePath, "/"))
	}
	normalized := loader.NormalizeProjectName(name)
	if normalized == "" {
		return "", NewParseError("", "cannot derive project name from "+name, ErrInvalidProjectID)
	}
	return normalized, nil
}

// =============================================================================
// Preflight
// =============================================================================

// Check parses the compose files with compose-go and fails when they are
// empty, malformed, or define no services. env is used for interpolation,
// so ${VAR} references to deployment secrets resolve as they will remotely.
func Check(ctx context.Context, files []File, projectName string, env map[string]string) (*Project, error) {
	if len(files) == 0 {
		return nil, ErrNoComposeFile
	}

	configFiles := make([]types.ConfigFile, 0, len(files))
	names := make([]string, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(string(f.Content)) == "" {
			return nil, NewParseError(f.Name, "file is empty", ErrEmptyInput)
		}

		// Parse YAML into a map first
		var dict map[string]interface{}
		if err := yaml.Unmarshal(f.Content, &dict); err != nil {
			return nil, NewParseError(f.Name, "invalid YAML syntax: "+err.Error(), ErrInvalidYAML)
		}
		if dict == nil {
			return nil, NewParseError(f.Name, "invalid YAML syntax", ErrInvalidYAML)
		}

		configFiles = append(configFiles, types.ConfigFile{
			Filename: f.Name,
			Content:  f.Content,
			Config:   dict,
		})
		names = append(names, f.Name)
	}

	environment := types.Mapping{}
	for k, v := range env {
		environment[k] = v
	}

	project, err := loader.LoadWithContext(ctx, types.ConfigDetails{
		ConfigFiles: configFiles,
		Environment: environment,
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, true)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// The build context and env_file live on the remote host.
		opts.SkipNormalization = true
		opts.SkipResolveEnvironment = true
		opts.SkipExtends = true
		opts.SkipInclude = true
	})
	if err != nil {
		return nil, classifyLoadError(err)
	}

	if len(project.Services) == 0 {
		return nil, NewParseError(names[0], "no services defined", ErrNoServices)
	}

	result := &Project{
		Name:  projectName,
		Files: names,
	}
	for name, svc := range project.Services {
		if svc.Image == "" && svc.Build == nil {
			return nil, NewParseError(names[0], "service "+name+" has neither image nor build", ErrServiceNoImage)
		}
		result.Services = append(result.Services, name)
		if svc.Build != nil {
			result.BuildServices = append(result.BuildServices, name)
		}
	}
	sort.Strings(result.Services)
	sort.Strings(result.BuildServices)

	return result, nil
}

func classifyLoadError(err error) error {
	errStr := err.Error()
	// Check for circular dependency
	if strings.Contains(errStr, "dependency cycle detected") {
		return NewParseError("", "circular dependency detected", ErrCircularDependency)
	}
	if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
		return NewParseError("", errStr, ErrServiceNoImage)
	}
	return NewParseError("", errStr, ErrInvalidCompose)
}

// CandidateNames returns the compose file names to look for: the configured
// ones when present, else DefaultFileNames.
func CandidateNames(configured []string) []string {
	if len(configured) > 0 {
		return append([]string(nil), configured...)
	}
	return append([]string(nil), DefaultFileNames...)
}
