package config

// CLIConfig is the configuration for snapkeeper-cli.
type CLIConfig struct {
	// DefaultNode is a node address or a key of Nodes.
	DefaultNode string `yaml:"default_node"`

	// DefaultOutput is table, json or yaml.
	DefaultOutput string `yaml:"default_output"`

	// NodeConfig is the node configuration file read by vote, snapshot
	// create and workspace clean.
	NodeConfig string `yaml:"node_config,omitempty"`

	// Nodes maps short names to node RPC addresses.
	Nodes map[string]string `yaml:"nodes,omitempty"`
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		DefaultNode:   "127.0.0.1:5090",
		DefaultOutput: "table",
		Nodes:         make(map[string]string),
	}
}

// ResolveNode maps a node name to its address. Unknown names are taken to
// be addresses; an empty name resolves DefaultNode.
func (c *CLIConfig) ResolveNode(name string) string {
	if name == "" {
		name = c.DefaultNode
	}
	if addr, ok := c.Nodes[name]; ok {
		return addr
	}
	return name
}
