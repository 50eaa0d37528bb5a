package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/vm"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatVM formats a single VM as YAML.
func (f *YAMLFormatter) FormatVM(d *vm.Details) (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to YAML: %w", err)
	}

	return string(data), nil
}

// FormatVMList formats the inventory as a YAML stream, one document per VM.
func (f *YAMLFormatter) FormatVMList(vms []vm.DomainRecord) (string, error) {
	var buf bytes.Buffer

	for i, r := range vms {
		data, err := yaml.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("failed to marshal VM %s to YAML: %w", r.Name, err)
		}

		// Add document separator between VMs (but not before the first one)
		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}

// FormatImageList formats the cached images as a YAML sequence.
func (f *YAMLFormatter) FormatImageList(images []artifact.ImageInfo) (string, error) {
	if len(images) == 0 {
		return "", nil
	}

	data, err := yaml.Marshal(images)
	if err != nil {
		return "", fmt.Errorf("failed to marshal images to YAML: %w", err)
	}
	return string(data), nil
}
