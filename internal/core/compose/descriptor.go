// Package compose parses the local orchestration descriptor before any
// remote work starts, so a malformed file fails the run without a network
// round trip and the deployer knows which units and endpoints to expect.
// This is part of the functional core - no I/O beyond the caller's bytes.
package compose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyDescriptor is returned for an empty or whitespace-only file.
	ErrEmptyDescriptor = errors.New("orchestration descriptor is empty")

	// ErrInvalidDescriptor is returned for YAML that compose cannot load.
	ErrInvalidDescriptor = errors.New("invalid orchestration descriptor")

	// ErrNoServices is returned when the descriptor defines no services.
	ErrNoServices = errors.New("descriptor must define at least one service")
)

// DescriptorError wraps a loading failure with the field it concerns.
type DescriptorError struct {
	Field   string
	Message string
	Err     error
}

func (e *DescriptorError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *DescriptorError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Descriptor Types
// =============================================================================

// Service is one unit the descriptor will deploy.
type Service struct {
	Name      string   `json:"name"`
	Image     string   `json:"image,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Ports     []Port   `json:"ports,omitempty"`
}

// Port is a published port mapping.
type Port struct {
	Target    uint32 `json:"target"`
	Published uint32 `json:"published,omitempty"` // 0 = dynamically assigned
	Protocol  string `json:"protocol,omitempty"`
}

// Descriptor is the parsed view of the orchestration file.
type Descriptor struct {
	Services []Service `json:"services"`
}

// ServiceNames returns the unit names, sorted.
func (d Descriptor) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for _, s := range d.Services {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// EndpointHints maps each service to the host-visible endpoints its
// published ports imply.
func (d Descriptor) EndpointHints(host string) map[string][]string {
	hints := make(map[string][]string)
	for _, s := range d.Services {
		for _, p := range s.Ports {
			if p.Published == 0 {
				continue
			}
			hints[s.Name] = append(hints[s.Name], fmt.Sprintf("%s:%d", host, p.Published))
		}
	}
	return hints
}

// =============================================================================
// Parsing
// =============================================================================

// Parse loads and validates a compose descriptor.
func Parse(content []byte) (*Descriptor, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyDescriptor
	}

	project, err := loadProject(content)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	d := &Descriptor{Services: make([]Service, 0, len(project.Services))}
	for _, svc := range project.Services {
		d.Services = append(d.Services, convertService(svc))
	}
	sort.Slice(d.Services, func(i, j int) bool { return d.Services[i].Name < d.Services[j].Name })
	return d, nil
}

func loadProject(content []byte) (*types.Project, error) {
	var dict map[string]any
	if err := yaml.Unmarshal(content, &dict); err != nil || dict == nil {
		return nil, &DescriptorError{Message: "invalid YAML syntax", Err: ErrInvalidDescriptor}
	}
	if svcs, ok := dict["services"].(map[string]any); !ok || len(svcs) == 0 {
		return nil, ErrNoServices
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{Content: content, Config: dict},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("stevedore-parse", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, &DescriptorError{Message: err.Error(), Err: ErrInvalidDescriptor}
	}
	return project, nil
}

func convertService(svc types.ServiceConfig) Service {
	s := Service{
		Name:  svc.Name,
		Image: svc.Image,
	}
	for dep := range svc.DependsOn {
		s.DependsOn = append(s.DependsOn, dep)
	}
	sort.Strings(s.DependsOn)
	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			if pub, err := strconv.ParseUint(p.Published, 10, 32); err == nil {
				published = uint32(pub)
			}
		}
		s.Ports = append(s.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
		})
	}
	return s
}
