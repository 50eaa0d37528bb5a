package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/vm"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatVM formats a single VM as a JSON object.
func (f *JSONFormatter) FormatVM(d *vm.Details) (string, error) {
	return marshalJSON(d, "VM")
}

// FormatVMList formats the inventory as a JSON array.
func (f *JSONFormatter) FormatVMList(vms []vm.DomainRecord) (string, error) {
	if len(vms) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(vms, "VMs")
}

// FormatImageList formats the cached images as a JSON array.
func (f *JSONFormatter) FormatImageList(images []artifact.ImageInfo) (string, error) {
	if len(images) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(images, "images")
}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
