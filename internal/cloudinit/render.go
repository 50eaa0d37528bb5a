// Package cloudinit renders cloud-init NoCloud seed documents and
// packages them into a seed ISO.
//
// The guest's cloud-init reads user-data and meta-data from a volume
// labelled "cidata" on first boot.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"

	"gopkg.in/yaml.v3"
)

// Boundary separates the parts of the multipart user-data document.
const Boundary = "==BOUNDARY=="

// SudoNoPassword grants passwordless sudo.
const SudoNoPassword = "ALL=(ALL) NOPASSWD:ALL"

// Params are the inputs to Render.
type Params struct {
	VMName         string
	DNSDomain      string
	SSHPublicKey   string
	LoginUser      string
	SudoGroup      string
	Timezone       string
	DisableCommand string
}

// UserData represents the cloud-config document embedded in user-data.
// This is marshaled to YAML and prefixed with the "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	PreserveHostname  bool     `yaml:"preserve_hostname"`
	Hostname          string   `yaml:"hostname"`
	FQDN              string   `yaml:"fqdn"`
	Users             []any    `yaml:"users"`
	Output            *Output  `yaml:"output,omitempty"`
	SSHGenKeyTypes    []string `yaml:"ssh_genkeytypes"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
	Timezone          string   `yaml:"timezone,omitempty"`
	RunCmd            []string `yaml:"runcmd,omitempty"`
}

// User is an entry in the cloud-config users list.
type User struct {
	Name              string   `yaml:"name"`
	Groups            []string `yaml:"groups"`
	Shell             string   `yaml:"shell"`
	Sudo              string   `yaml:"sudo"`
	SSHAuthorizedKeys []string `yaml:"ssh-authorized-keys"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data document.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// Render produces the user-data and meta-data documents for a guest.
func Render(p Params) (userData, metaData string, err error) {
	if err := p.validate(); err != nil {
		return "", "", err
	}

	metaData, err = GenerateMetaData(p)
	if err != nil {
		return "", "", err
	}
	userData, err = GenerateUserData(p)
	if err != nil {
		return "", "", err
	}
	return userData, metaData, nil
}

func (p Params) validate() error {
	switch {
	case p.VMName == "":
		return fmt.Errorf("VM name is required")
	case p.DNSDomain == "":
		return fmt.Errorf("DNS domain is required")
	case p.SSHPublicKey == "":
		return fmt.Errorf("SSH public key is required")
	case p.LoginUser == "":
		return fmt.Errorf("login user is required")
	case p.SudoGroup == "":
		return fmt.Errorf("sudo group is required")
	}
	return nil
}

// CloudConfig builds the cloud-config document for p.
//
// The administrative user gets passwordless sudo through SudoGroup, and
// the key is installed for both it and the image's default user. The
// disable command runs once on first boot so the seed is not processed
// again on later boots.
func CloudConfig(p Params) UserData {
	ud := UserData{
		PreserveHostname: false,
		Hostname:         p.VMName,
		FQDN:             fmt.Sprintf("%s.%s", p.VMName, p.DNSDomain),
		Users: []any{
			"default",
			User{
				Name:              p.LoginUser,
				Groups:            []string{p.SudoGroup},
				Shell:             "/bin/bash",
				Sudo:              SudoNoPassword,
				SSHAuthorizedKeys: []string{p.SSHPublicKey},
			},
		},
		Output:            &Output{All: ">> /var/log/cloud-init.log"},
		SSHGenKeyTypes:    []string{"ed25519", "rsa"},
		SSHAuthorizedKeys: []string{p.SSHPublicKey},
		Timezone:          p.Timezone,
	}
	if p.DisableCommand != "" {
		ud.RunCmd = []string{p.DisableCommand}
	}
	return ud
}

// GenerateUserData renders the multipart user-data document: a MIME
// envelope holding one text/cloud-config part.
func GenerateUserData(p Params) (string, error) {
	yamlBytes, err := yaml.Marshal(CloudConfig(p))
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.SetBoundary(Boundary); err != nil {
		return "", fmt.Errorf("failed to set MIME boundary: %w", err)
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`text/cloud-config; charset="us-ascii"`},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create cloud-config part: %w", err)
	}
	if _, err := fmt.Fprintf(part, "#cloud-config\n%s\n", yamlBytes); err != nil {
		return "", fmt.Errorf("failed to write cloud-config part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart document: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("Content-Type: ")
	out.WriteString(mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	out.WriteString("\r\nMIME-Version: 1.0\r\n\r\n")
	out.Write(body.Bytes())

	return out.String(), nil
}

// GenerateMetaData renders the meta-data document.
//
// The instance-id is set to the VM name. Cloud-init uses instance-id to
// decide whether this is a first boot, so a VM destroyed and recreated
// with the same name is provisioned again.
func GenerateMetaData(p Params) (string, error) {
	data, err := yaml.Marshal(MetaData{
		InstanceID:    p.VMName,
		LocalHostname: p.VMName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(data), nil
}
