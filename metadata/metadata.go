// Package metadata renders the cloud-init blobs handed to the daemon as
// instance config. The daemon exposes them to the guest itself; no seed
// image is built here.
package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Config holds the inputs for generating cloud-init data.
type Config struct {
	InstanceID string
	Hostname   string
	Username   string
	// SSHAuthorizedKeys go to the default user's authorized_keys.
	SSHAuthorizedKeys []string
	// ExtraMACs are the MAC addresses of interfaces beyond the primary one;
	// each gets a DHCP match stanza in the network config.
	ExtraMACs []string
}

var tmplFuncs = template.FuncMap{
	// yamlQuote escapes single quotes for YAML single-quoted strings.
	"yamlQuote": func(s string) string {
		return strings.ReplaceAll(s, "'", "''")
	},
}

var metaDataTmpl = template.Must(template.New("meta-data").Parse(
	"instance-id: {{.InstanceID}}\nlocal-hostname: {{.Hostname}}\n"))

var userDataTmpl = template.Must(template.New("user-data").Funcs(tmplFuncs).Parse(`#cloud-config
{{- if .Username}}
system_info:
  default_user:
    name: '{{yamlQuote .Username}}'
{{- end}}
{{- if .SSHAuthorizedKeys}}
ssh_authorized_keys:
{{- range .SSHAuthorizedKeys}}
  - '{{yamlQuote .}}'
{{- end}}
{{- end}}
`))

var vendorDataTmpl = template.Must(template.New("vendor-data").Parse(`#cloud-config
growpart:
  mode: auto
  devices: ['/']
manage_etc_hosts: true
`))

var networkConfigTmpl = template.Must(template.New("network-config").Parse(`version: 2
ethernets:
{{- range $i, $mac := .ExtraMACs}}
  extra{{$i}}:
    match:
      macaddress: "{{$mac}}"
    dhcp4: true
    dhcp4-overrides:
      route-metric: 200
{{- end}}
`))

// MetaData renders the NoCloud meta-data document.
func MetaData(cfg *Config) (string, error) {
	return render(metaDataTmpl, cfg)
}

// UserData renders the user-data cloud-config document.
func UserData(cfg *Config) (string, error) {
	return render(userDataTmpl, cfg)
}

// VendorData renders the vendor-data cloud-config document.
func VendorData(cfg *Config) (string, error) {
	return render(vendorDataTmpl, cfg)
}

// NetworkConfig renders a netplan document matching the extra interfaces by
// MAC. Returns empty when there are none, so the config key is omitted.
func NetworkConfig(cfg *Config) (string, error) {
	if len(cfg.ExtraMACs) == 0 {
		return "", nil
	}
	return render(networkConfigTmpl, cfg)
}

func render(tmpl *template.Template, cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
