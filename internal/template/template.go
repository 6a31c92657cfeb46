// Package template provides command variable substitution for fleet-plex.
//
// Placeholders have the form {{name}}. Substitution is literal: neither
// names nor values are interpreted, and inserted values are never rescanned.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"fleet-plex/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// Placeholder returns the literal token for a variable name.
func Placeholder(name string) string {
	return "{{" + name + "}}"
}

// Substitute replaces every {{name}} occurrence with vars[name].
// Placeholders without a value are left untouched.
func Substitute(command string, vars map[string]string) string {
	if len(vars) == 0 {
		return command
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, Placeholder(name), vars[name])
	}
	return strings.NewReplacer(pairs...).Replace(command)
}

// Variables lists the distinct placeholder names in command, in first-seen order.
func Variables(command string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(command, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Missing lists placeholders in command that vars does not provide.
func Missing(command string, vars map[string]string) []string {
	var missing []string
	for _, name := range Variables(command) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Merge layers overrides on top of defaults without mutating either.
func Merge(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ParseAssignments parses "name=value" pairs as given on the command line.
func ParseAssignments(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q: expected name=value", pair)
		}
		vars[name] = value
	}
	return vars, nil
}

// Predefined contains commonly used commands, addressable by id.
var Predefined = map[string]model.SavedCommand{
	"system-info": {
		ID:       "system-info",
		Name:     "System information",
		TargetOS: model.TargetLinux,
		Command:  `echo "Hostname: $(hostname)"; echo "Kernel: $(uname -r)"; echo "Uptime: $(uptime)"; df -h / | tail -1`,
	},
	"service-check": {
		ID:        "service-check",
		Name:      "Service status",
		TargetOS:  model.TargetLinux,
		Command:   `systemctl is-active {{service}} && systemctl is-enabled {{service}}`,
		Variables: map[string]string{"service": "sshd"},
	},
	"log-tail": {
		ID:        "log-tail",
		Name:      "Tail a log file",
		TargetOS:  model.TargetLinux,
		Command:   `tail -n {{lines}} {{logfile}}`,
		Variables: map[string]string{"lines": "50", "logfile": "/var/log/syslog"},
	},
	"windows-service": {
		ID:        "windows-service",
		Name:      "Windows service status",
		TargetOS:  model.TargetWindows,
		Command:   `Get-Service -Name '{{service}}' | Select-Object Name,Status,StartType`,
		Variables: map[string]string{"service": "WinRM"},
	},
	"windows-uptime": {
		ID:       "windows-uptime",
		Name:     "Windows uptime",
		TargetOS: model.TargetWindows,
		Command:  `(Get-Date) - (Get-CimInstance Win32_OperatingSystem).LastBootUpTime`,
	},
}
