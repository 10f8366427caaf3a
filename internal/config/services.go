package config

// ProbeKind identifies how a service's health is checked.
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "http"    // GET a health endpoint, 2xx = up
	ProbeTCP     ProbeKind = "tcp"     // Dial the port
	ProbeCommand ProbeKind = "command" // Run a command, exit 0 = up
)

// ServicesConfig declares the external services a sprint depends on.
type ServicesConfig struct {
	// Timeout bounds one service's probe.
	Timeout Duration `yaml:"service_timeout"`

	// Declared lists required services. The standard three (backend,
	// frontend, browser-cdp) are declared by default; a sprint's
	// loop-config.yaml replaces the list wholesale.
	Declared []ServiceSpec `yaml:"declared"`
}

// ServiceSpec declares one required service.
type ServiceSpec struct {
	Name  string    `yaml:"name"`
	Probe ProbeKind `yaml:"probe"`

	// Host defaults to localhost.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HealthPath is the HTTP probe path.
	HealthPath string `yaml:"health_path"`

	// Command is the custom probe argv.
	Command []string `yaml:"command"`

	// CodeDir, when set, is checked for existence to classify a down
	// service as greenfield (no code yet) vs brownfield (start failure).
	CodeDir string `yaml:"code_dir"`

	// LogFile is handed to startup-fix prompts as evidence.
	LogFile string `yaml:"log_file"`
}

// HostOrDefault returns the probe host.
func (s ServiceSpec) HostOrDefault() string {
	if s.Host == "" {
		return "localhost"
	}
	return s.Host
}
