package filesystem

// yamlSettings is the YAML deserialization target for the console settings file.
// Pointers distinguish "absent" from an explicit zero.
type yamlSettings struct {
	UseMachinesBuffer       *bool    `yaml:"use_machines_buffer"`
	StopBufferTime          *float64 `yaml:"stop_buffer_time"`
	MachinesBufferFlushTime *float64 `yaml:"machines_buffer_flush_time"`
	MachinesQueryWaitTime   *float64 `yaml:"machines_query_wait_time"`
	MachinesAddress         []string `yaml:"machines_address"`

	MachinesPort    *uint16  `yaml:"machines_port,omitempty"`
	UID             *int32   `yaml:"uid,omitempty"`
	Username        string   `yaml:"username,omitempty"`
	StaleProbeLimit *int     `yaml:"stale_probe_limit,omitempty"`
	RefreshRate     *float64 `yaml:"refresh_rate,omitempty"`
	RefreshBurst    *int     `yaml:"refresh_burst,omitempty"`
}
