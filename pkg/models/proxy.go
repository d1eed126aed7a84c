package models

// ProxyState is the lifecycle state of a configured proxy.
type ProxyState string

const (
	ProxyStopped     ProxyState = "STOPPED"
	ProxyStarting    ProxyState = "STARTING"
	ProxyRunning     ProxyState = "RUNNING"
	ProxyStopping    ProxyState = "STOPPING"
	ProxyStartFailed ProxyState = "START_FAILED"
)

// ProxyDefinition is a persisted proxy configuration. The listen port is the
// identity: no two definitions may share one.
type ProxyDefinition struct {
	Port       uint16   `json:"port" yaml:"port"`
	Name       string   `json:"name" yaml:"name"`
	Protocol   Protocol `json:"protocol" yaml:"protocol"`
	TargetHost string   `json:"targetHost" yaml:"targetHost"`
	TargetPort uint16   `json:"targetPort" yaml:"targetPort"`
	// Disabled records the intent to not auto-start on engine startup.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// ProxyStatus is the runtime view of a definition, reported by the registry.
type ProxyStatus struct {
	ProxyDefinition `yaml:",inline"`
	State           ProxyState `json:"state" yaml:"state"`
	LastError       string     `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	Connections     int        `json:"connections" yaml:"connections"`
}
