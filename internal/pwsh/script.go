// Package pwsh runs commands on Windows hosts through PowerShell remoting.
//
// Scripts are built in three steps: the hostname is checked against an
// allow-list grammar, every interpolated value is quoted as a PowerShell
// single-quoted literal, and the whole script is UTF-16LE/base64 encoded for
// -EncodedCommand so no shell ever parses it.
package pwsh

import (
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"fleet-plex/internal/model"
)

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

var ipv4Re = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// ValidateHostname accepts DNS-style names made of alphanumerics, hyphens and
// dots, and dotted-quad IPv4 addresses. Everything else is rejected.
func ValidateHostname(host string) error {
	if len(host) == 0 || len(host) > 253 {
		return fmt.Errorf("invalid hostname: %q", host)
	}
	if ipv4Re.MatchString(host) {
		if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid hostname: %q", host)
		}
		return nil
	}
	if !hostnameRe.MatchString(host) {
		return fmt.Errorf("invalid hostname: %q", host)
	}
	return nil
}

// singleQuotes are the characters PowerShell treats as a single quote.
var singleQuotes = []string{"'", "‘", "’", "‚", "‛"}

var quoteEscaper = func() *strings.Replacer {
	pairs := make([]string, 0, 2*len(singleQuotes))
	for _, q := range singleQuotes {
		pairs = append(pairs, q, q+q)
	}
	return strings.NewReplacer(pairs...)
}()

// Escape doubles every single-quote character so s is inert inside a
// single-quoted PowerShell string.
func Escape(s string) string {
	return quoteEscaper.Replace(s)
}

// Quote returns s as a single-quoted PowerShell literal.
func Quote(s string) string {
	return "'" + Escape(s) + "'"
}

// identity returns DOMAIN\user, or just user when no domain applies.
func identity(conn model.ServerConnection, cred *model.Credential) string {
	user, domain := conn.Username, conn.Domain
	if cred != nil {
		if cred.Username != "" {
			user = cred.Username
		}
		if cred.Domain != "" {
			domain = cred.Domain
		}
	}
	if domain != "" && user != "" && !strings.Contains(user, `\`) && !strings.Contains(user, "@") {
		return domain + `\` + user
	}
	return user
}

// exitCodeProperty tags the object that carries the remote command's exit
// code back through Invoke-Command's output stream.
const exitCodeProperty = "FleetPlexExitCode"

// BuildScript produces the local script that runs command on conn.
// The remote command travels as an argument and is only turned into code
// inside the remote session. The local script host exits with the remote
// command's exit code, or 1 when the remote session itself fails.
func BuildScript(conn model.ServerConnection, cred *model.Credential, command string) (string, error) {
	if err := ValidateHostname(conn.Hostname); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("$ErrorActionPreference = 'Stop'\n")
	b.WriteString("$ProgressPreference = 'SilentlyContinue'\n")
	fmt.Fprintf(&b, "$params = @{\n")
	fmt.Fprintf(&b, "  ComputerName = %s\n", Quote(conn.Hostname))
	b.WriteString("  ScriptBlock = {\n")
	b.WriteString("    param([string]$c)\n")
	b.WriteString("    $global:LASTEXITCODE = 0\n")
	b.WriteString("    & ([ScriptBlock]::Create($c))\n")
	b.WriteString("    $ok = $?\n")
	b.WriteString("    $code = if ($LASTEXITCODE) { $LASTEXITCODE } elseif ($ok) { 0 } else { 1 }\n")
	fmt.Fprintf(&b, "    [pscustomobject]@{ %s = $code }\n", exitCodeProperty)
	b.WriteString("  }\n")
	fmt.Fprintf(&b, "  ArgumentList = @(,%s)\n", Quote(command))
	b.WriteString("}\n")
	if conn.Port != 0 {
		fmt.Fprintf(&b, "$params.Port = %d\n", conn.Port)
	}

	if cred != nil && cred.Password != "" {
		fmt.Fprintf(&b, "$pw = ConvertTo-SecureString %s -AsPlainText -Force\n", Quote(cred.Password))
		fmt.Fprintf(&b, "$params.Credential = New-Object System.Management.Automation.PSCredential(%s, $pw)\n", Quote(identity(conn, cred)))
	}

	b.WriteString("$exitCode = 0\n")
	b.WriteString("try {\n")
	b.WriteString("  Invoke-Command @params | ForEach-Object {\n")
	fmt.Fprintf(&b, "    if ($null -ne $_ -and $_.PSObject.Properties['%s']) { $exitCode = [int]$_.%s } else { $_ }\n", exitCodeProperty, exitCodeProperty)
	b.WriteString("  }\n")
	b.WriteString("  exit $exitCode\n")
	b.WriteString("} catch {\n")
	b.WriteString("  [Console]::Error.WriteLine($_.Exception.Message)\n")
	b.WriteString("  exit 1\n")
	b.WriteString("}\n")
	return b.String(), nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Encode returns the -EncodedCommand form of script: base64 over UTF-16LE.
func Encode(script string) (string, error) {
	encoded, err := utf16le.NewEncoder().String(script)
	if err != nil {
		return "", fmt.Errorf("failed to encode script: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded)), nil
}

// Decode reverses Encode.
func Decode(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode script: %w", err)
	}
	decoded, err := utf16le.NewDecoder().String(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode script: %w", err)
	}
	return decoded, nil
}
