// Package servicemap loads the static mapping between worker types, the
// service names they advertise, and the connector each service runs on.
// Worker-advertised service names and job service_required values match by
// exact string equality, so the load step validates both directions: a typo
// here would otherwise strand jobs that silently never match.
package servicemap

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Workers  map[string]WorkerType  `yaml:"workers"`
	Services map[string]ServiceSpec `yaml:"services"`
}

type WorkerType struct {
	Services []string `yaml:"services"`
}

type ServiceSpec struct {
	// Connector names the adapter variant: "poll", "stream" or "hybrid".
	Connector string `yaml:"connector"`
	// Endpoint is the request/response base URL (poll and hybrid submit).
	Endpoint string `yaml:"endpoint"`
	// StreamEndpoint is the websocket URL (stream and hybrid monitoring).
	StreamEndpoint   string   `yaml:"stream_endpoint"`
	JobTypesAccepted []string `yaml:"job_types_accepted"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read service mapping")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse service mapping")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails when a worker advertises a service with no definition, or a
// defined service has no worker type advertising it. Both are the same
// defect seen from either side: a string that exists on only one end of the
// match.
func (c *Config) Validate() error {
	advertised := make(map[string]bool)
	for workerType, wt := range c.Workers {
		if len(wt.Services) == 0 {
			return errors.Errorf("worker type %q advertises no services", workerType)
		}
		for _, svc := range wt.Services {
			if _, ok := c.Services[svc]; !ok {
				return errors.Errorf("worker type %q advertises unknown service %q", workerType, svc)
			}
			advertised[svc] = true
		}
	}
	var orphans []string
	for name, spec := range c.Services {
		if spec.Connector == "" {
			return errors.Errorf("service %q has no connector", name)
		}
		if !advertised[name] {
			orphans = append(orphans, name)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return errors.Errorf("no worker type advertises service(s): %s", strings.Join(orphans, ", "))
	}
	return nil
}

// ServicesFor returns the service names a worker type advertises.
func (c *Config) ServicesFor(workerType string) ([]string, error) {
	wt, ok := c.Workers[workerType]
	if !ok {
		return nil, errors.Errorf("unknown worker type %q", workerType)
	}
	return wt.Services, nil
}

// Service returns the spec for a service name.
func (c *Config) Service(name string) (ServiceSpec, error) {
	spec, ok := c.Services[name]
	if !ok {
		return ServiceSpec{}, errors.Errorf("unknown service %q", name)
	}
	return spec, nil
}

// Knows reports whether any worker type could ever serve this service name.
// The submission API rejects jobs that fail this check.
func (c *Config) Knows(service string) bool {
	_, ok := c.Services[service]
	return ok
}
