package target

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"fleet-plex/internal/model"
)

// ParseHostSpec parses an ad-hoc host such as
// "user@host:port?os=linux&name=web1&group=web&tag.env=prod" into a
// connection. A "winrm://" prefix selects PowerShell remoting; "ssh://" or no
// scheme selects SSH unless os=windows is given.
func ParseHostSpec(spec string) (model.ServerConnection, error) {
	conn := model.ServerConnection{Type: model.ConnSSH, OSType: model.OSLinux}

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return conn, fmt.Errorf("empty host specification")
	}
	if !strings.Contains(spec, "://") {
		spec = "ssh://" + spec
	}

	u, err := url.Parse(spec)
	if err != nil {
		return conn, fmt.Errorf("invalid host specification: %w", err)
	}
	switch u.Scheme {
	case "ssh":
	case "winrm":
		conn.Type = model.ConnWinRM
		conn.OSType = model.OSWindows
	default:
		return conn, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return conn, fmt.Errorf("unexpected path %q in host specification", u.Path)
	}
	if u.User != nil {
		if _, set := u.User.Password(); set {
			return conn, fmt.Errorf("passwords are not accepted in host specifications; use a credential")
		}
		conn.Username = u.User.Username()
	}
	conn.Hostname = u.Hostname()

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return conn, fmt.Errorf("port %q out of valid range (1-65535)", p)
		}
		conn.Port = port
	}

	q := u.Query()
	if osName := q.Get("os"); osName != "" {
		conn.OSType = model.ParseOSType(osName)
		if conn.OSType == model.OSWindows {
			conn.Type = model.ConnWinRM
		}
	}
	conn.Name = q.Get("name")
	conn.GroupID = q.Get("group")
	conn.CredentialID = q.Get("credential")
	conn.Domain = q.Get("domain")
	for key, vals := range q {
		tag, ok := strings.CutPrefix(key, "tag.")
		if !ok || len(vals) == 0 {
			continue
		}
		if conn.Tags == nil {
			conn.Tags = make(map[string]string)
		}
		conn.Tags[tag] = vals[0]
	}

	if err := ValidateConnection(conn); err != nil {
		return conn, fmt.Errorf("validation failed: %w", err)
	}
	if conn.Name == "" {
		conn.Name = conn.Hostname
	}
	return conn, nil
}

// ValidateConnection checks the fields every transport relies on
func ValidateConnection(conn model.ServerConnection) error {
	if conn.Hostname == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if strings.ContainsAny(conn.Hostname, " \t\r\n") {
		return fmt.Errorf("host %q contains whitespace", conn.Hostname)
	}
	if conn.Port != 0 {
		if _, _, err := net.SplitHostPort(net.JoinHostPort(conn.Hostname, strconv.Itoa(conn.Port))); err != nil {
			return fmt.Errorf("invalid host:port combination: %w", err)
		}
	}
	return nil
}

// ParseHostFile reads host specifications from a file (one per line)
func ParseHostFile(filename string) ([]model.ServerConnection, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open host file '%s': %w", filename, err)
	}
	defer file.Close()

	return ParseHostList(file)
}

// ParseHostList reads one host specification per line. Blank lines and
// lines starting with # are ignored.
func ParseHostList(reader io.Reader) ([]model.ServerConnection, error) {
	var conns []model.ServerConnection
	scanner := bufio.NewScanner(reader)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		conn, err := ParseHostSpec(line)
		if err != nil {
			return nil, fmt.Errorf("line %d (%q): %w", n, line, err)
		}
		conns = append(conns, conn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading host list: %w", err)
	}
	return conns, nil
}
