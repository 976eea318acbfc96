package engine

import (
	"os"
	"strconv"
	"strings"

	"twoyi/pkg/protocol"
)

// envAllowlist contains host variables the engine always inherits.
var envAllowlist = map[string]bool{
	"PATH":            true,
	"LANG":            true,
	"LANGUAGE":        true,
	"LC_ALL":          true,
	"TERM":            true,
	"HOME":            true,
	"USER":            true,
	"TZ":              true,
	"XDG_RUNTIME_DIR": true,
}

// envBlocklist wins over the allowlist and over configured passthrough.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":       true,
	"LD_LIBRARY_PATH":  true,
	"LD_AUDIT":         true,
	"DOCKER_HOST":      true,
	"DOCKER_CERT_PATH": true,
	protocol.EnvSocket: true,
	protocol.EnvEpoch:  true,
	protocol.EnvRom:    true,
	protocol.EnvLoader: true,
}

// Environ builds the engine environment: scrubbed host variables, then
// the TWOYI_* variables that tell the engine where to connect. socket
// and rom are the paths as the engine will see them.
func Environ(spec Spec, socket, rom string) []string {
	host := spec.HostEnv
	if host == nil {
		host = os.Environ()
	}

	passthrough := make(map[string]bool, len(spec.Passthrough))
	for _, key := range spec.Passthrough {
		passthrough[key] = true
	}

	env := scrubEnvironment(host, passthrough)
	env = append(env,
		protocol.EnvSocket+"="+socket,
		protocol.EnvEpoch+"="+strconv.FormatUint(uint64(spec.Epoch), 10),
		protocol.EnvRom+"="+rom,
	)
	if spec.Loader != "" {
		env = append(env, protocol.EnvLoader+"="+spec.Loader)
	}
	return env
}

func scrubEnvironment(env []string, extra map[string]bool) []string {
	scrubbed := make([]string, 0, len(env))
	for _, entry := range env {
		key := envKey(entry)
		if envBlocklist[key] {
			continue
		}
		if envAllowlist[key] || extra[key] {
			scrubbed = append(scrubbed, entry)
		}
	}
	return scrubbed
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}
