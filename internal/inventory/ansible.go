package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"fleet-plex/internal/model"
)

// AnsibleInventory converts an Ansible YAML/JSON inventory into fleet records
type AnsibleInventory struct {
	path string
}

// NewAnsibleInventory creates a new Ansible inventory reader
func NewAnsibleInventory(path string) *AnsibleInventory {
	return &AnsibleInventory{path: path}
}

// AnsibleInventoryData represents the structure of an Ansible inventory
type AnsibleInventoryData struct {
	All    AnsibleGroup             `yaml:"all" json:"all"`
	Groups map[string]*AnsibleGroup `yaml:",inline" json:"-"`
}

// AnsibleGroup represents an Ansible inventory group
type AnsibleGroup struct {
	Hosts    map[string]*AnsibleHost  `yaml:"hosts" json:"hosts"`
	Children map[string]*AnsibleGroup `yaml:"children" json:"children"`
	Vars     map[string]interface{}   `yaml:"vars" json:"vars"`
}

// AnsibleHost represents an Ansible inventory host
type AnsibleHost struct {
	AnsibleHost       string                 `yaml:"ansible_host" json:"ansible_host"`
	AnsiblePort       int                    `yaml:"ansible_port" json:"ansible_port"`
	AnsibleUser       string                 `yaml:"ansible_user" json:"ansible_user"`
	AnsibleSSHKey     string                 `yaml:"ansible_ssh_private_key_file" json:"ansible_ssh_private_key_file"`
	AnsiblePassword   string                 `yaml:"ansible_password" json:"ansible_password"`
	AnsibleConnection string                 `yaml:"ansible_connection" json:"ansible_connection"`
	Vars              map[string]interface{} `yaml:",inline" json:"-"`
}

// hostEntry accumulates everything known about one inventory hostname
type hostEntry struct {
	name   string
	host   AnsibleHost
	groups []string
	vars   map[string]string
}

// Load converts the inventory. Each Ansible group becomes a static
// connection group with id "ansible:<name>". A host joins the first group
// it appears in (groups are walked in name order) and records all of its
// groups in the "groups" tag.
func (ai *AnsibleInventory) Load() (*Inventory, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*hostEntry)
	var order []string
	groupSet := make(map[string]bool)

	var walk func(name string, group *AnsibleGroup, inherited map[string]string)
	walk = func(name string, group *AnsibleGroup, inherited map[string]string) {
		if group == nil {
			return
		}
		vars := mergeVars(inherited, group.Vars)
		if name != "" {
			groupSet[name] = true
		}
		for _, hostname := range sortedKeys(group.Hosts) {
			e, ok := entries[hostname]
			if !ok {
				e = &hostEntry{name: hostname, vars: make(map[string]string)}
				entries[hostname] = e
				order = append(order, hostname)
			}
			if h := group.Hosts[hostname]; h != nil {
				mergeHost(&e.host, h)
				for k, v := range stringVars(h.Vars) {
					e.vars[k] = v
				}
			}
			for k, v := range vars {
				if _, set := e.vars[k]; !set {
					e.vars[k] = v
				}
			}
			if name != "" {
				e.groups = appendUnique(e.groups, name)
			}
		}
		for _, child := range sortedKeys(group.Children) {
			walk(child, group.Children[child], vars)
		}
	}

	walk("", &data.All, nil)
	for _, name := range sortedKeys(data.Groups) {
		walk(name, data.Groups[name], nil)
	}

	inv := &Inventory{}
	for _, name := range sortedKeys(groupSet) {
		inv.Groups = append(inv.Groups, model.ConnectionGroup{ID: groupID(name), Name: name})
	}
	for _, hostname := range order {
		conn, cred := ai.convertHost(entries[hostname])
		if cred != nil {
			inv.Credentials = append(inv.Credentials, *cred)
		}
		inv.Connections = append(inv.Connections, conn)
	}
	return inv, nil
}

// loadInventoryData loads and parses the inventory file
func (ai *AnsibleInventory) loadInventoryData() (*AnsibleInventoryData, error) {
	content, err := os.ReadFile(ai.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory file: %w", err)
	}

	var data AnsibleInventoryData
	if strings.ToLower(filepath.Ext(ai.path)) == ".json" {
		err = json.Unmarshal(content, &data)
	} else {
		err = yaml.Unmarshal(content, &data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory file: %w", err)
	}
	delete(data.Groups, "all")

	return &data, nil
}

// convertHost converts an Ansible host into a connection and, when the host
// carries its own secrets, a dedicated credential.
func (ai *AnsibleInventory) convertHost(e *hostEntry) (model.ServerConnection, *model.Credential) {
	h := e.host
	applyGroupBuiltins(&h, e.vars)
	conn := model.ServerConnection{
		ID:       "ansible:" + e.name,
		Name:     e.name,
		Hostname: e.name,
		Port:     22,
		Type:     model.ConnSSH,
		OSType:   model.OSLinux,
		Username: h.AnsibleUser,
		Tags:     make(map[string]string),
	}

	if h.AnsibleHost != "" {
		conn.Hostname = h.AnsibleHost
	}

	switch strings.ToLower(h.AnsibleConnection) {
	case "winrm", "psrp":
		conn.Type = model.ConnWinRM
		conn.OSType = model.OSWindows
		conn.Port = 5985
	}
	if osName := e.vars["os_type"]; osName != "" {
		conn.OSType = model.ParseOSType(strings.ToLower(osName))
	}

	if h.AnsiblePort > 0 {
		conn.Port = h.AnsiblePort
	}

	if len(e.groups) > 0 {
		conn.GroupID = groupID(e.groups[0])
		conn.Tags["groups"] = strings.Join(e.groups, ",")
	}

	// Convert other variables to tags
	for key, value := range e.vars {
		if !isAnsibleBuiltin(key) {
			conn.Tags[key] = value
		}
	}

	var cred *model.Credential
	switch {
	case h.AnsibleSSHKey != "":
		cred = &model.Credential{
			ID:         "ansible:" + e.name,
			Name:       "ansible " + e.name,
			Type:       model.CredKey,
			Username:   h.AnsibleUser,
			PrivateKey: h.AnsibleSSHKey,
		}
	case h.AnsiblePassword != "":
		cred = &model.Credential{
			ID:       "ansible:" + e.name,
			Name:     "ansible " + e.name,
			Type:     model.CredPassword,
			Username: h.AnsibleUser,
			Password: h.AnsiblePassword,
		}
	}
	if cred != nil {
		conn.CredentialID = cred.ID
	}

	return conn, cred
}

// applyGroupBuiltins fills connection settings the host left unset from
// vars inherited through its groups.
func applyGroupBuiltins(h *AnsibleHost, vars map[string]string) {
	if h.AnsibleUser == "" {
		h.AnsibleUser = vars["ansible_user"]
	}
	if h.AnsibleConnection == "" {
		h.AnsibleConnection = vars["ansible_connection"]
	}
	if h.AnsibleSSHKey == "" {
		h.AnsibleSSHKey = vars["ansible_ssh_private_key_file"]
	}
	if h.AnsiblePassword == "" {
		h.AnsiblePassword = vars["ansible_password"]
	}
	if h.AnsiblePort == 0 {
		if port, err := strconv.Atoi(vars["ansible_port"]); err == nil {
			h.AnsiblePort = port
		}
	}
}

func groupID(name string) string {
	return "ansible:" + name
}

// mergeHost fills fields of dst that src sets
func mergeHost(dst, src *AnsibleHost) {
	if src.AnsibleHost != "" {
		dst.AnsibleHost = src.AnsibleHost
	}
	if src.AnsiblePort > 0 {
		dst.AnsiblePort = src.AnsiblePort
	}
	if src.AnsibleUser != "" {
		dst.AnsibleUser = src.AnsibleUser
	}
	if src.AnsibleSSHKey != "" {
		dst.AnsibleSSHKey = src.AnsibleSSHKey
	}
	if src.AnsiblePassword != "" {
		dst.AnsiblePassword = src.AnsiblePassword
	}
	if src.AnsibleConnection != "" {
		dst.AnsibleConnection = src.AnsibleConnection
	}
}

// mergeVars layers group vars over inherited ones
func mergeVars(inherited map[string]string, vars map[string]interface{}) map[string]string {
	out := make(map[string]string, len(inherited)+len(vars))
	for k, v := range inherited {
		out[k] = v
	}
	for k, v := range stringVars(vars) {
		out[k] = v
	}
	return out
}

func stringVars(vars map[string]interface{}) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isAnsibleBuiltin checks if a variable is an Ansible builtin
func isAnsibleBuiltin(key string) bool {
	builtins := []string{
		"ansible_host", "ansible_port", "ansible_user",
		"ansible_ssh_private_key_file", "ansible_password",
		"ansible_connection", "ansible_ssh_host", "ansible_ssh_port",
		"ansible_ssh_user", "ansible_ssh_pass", "ansible_sudo_pass",
		"ansible_become", "ansible_become_method", "ansible_become_user",
		"ansible_become_pass", "ansible_python_interpreter",
	}

	for _, builtin := range builtins {
		if key == builtin {
			return true
		}
	}

	return false
}
