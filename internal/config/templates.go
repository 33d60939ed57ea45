package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "manager":
		return managerTemplate, nil
	case "orchestrator":
		return orchestratorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const managerTemplate = `# manager_id = ""  # generated when unset
name = "node-1"
realm = "realm"
alias_prefix = "$SL/"
base_dir = "/tmp/sl"
metrics_addr = ""

[mqtt]
broker = "tcp://localhost:1883"
qos = 1

[session]
registration_timeout = "5s"
keepalive_interval = "60s"
security_mode = "development"

[[runtimes]]
name = "pyruntime"
type = "python/default"
apis = ["python3"]
max_nmodules = 8
profile_kind = "default"
command = "slruntime-python"
`

const orchestratorTemplate = `realm = "realm"
policy = "unbounded_when_zero"
default_runtime = "pyruntime"
metrics_addr = ""

[mqtt]
broker = "tcp://localhost:1883"
qos = 1

[session]
security_mode = "development"
`
