package transport

// Param is one "-p <path> <value>" simulator parameter override.
type Param struct {
	Path  string `yaml:"path" toml:"path" json:"path"`
	Value string `yaml:"value" toml:"value" json:"value"`
}

// LaunchArgs builds the interactive-mode argument list:
//
//	--interactive [-p <param-path> <value>]* <workload-path>
func LaunchArgs(workload string, params []Param) []string {
	args := make([]string, 0, 2+3*len(params))
	args = append(args, "--interactive")
	for _, p := range params {
		args = append(args, "-p", p.Path, p.Value)
	}
	return append(args, workload)
}
