// Package metadata stores the provisioning request that created a domain
// in the domain's own custom XML metadata, so `get` can show how a guest
// was built without any external state.
package metadata

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/kvm-install-vm/internal/config"
)

const (
	// MetadataNamespace is the XML namespace of the provisioning element.
	MetadataNamespace = "https://github.com/jbweber/kvm-install-vm/v1"

	// MetadataKey is the element prefix libvirt uses for the namespace.
	MetadataKey = "kvm-install-vm"
)

// LibvirtClient is the subset of the libvirt API this package needs.
type LibvirtClient interface {
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
}

// Annotation is what gets recorded on a domain at creation.
type Annotation struct {
	Request     config.Request `yaml:"request" json:"request"`
	BaseImage   string         `yaml:"base_image" json:"baseImage"`
	DiskPath    string         `yaml:"disk_path" json:"diskPath"`
	SeedISOPath string         `yaml:"seed_iso_path,omitempty" json:"seedISOPath,omitempty"`
	CreatedAt   time.Time      `yaml:"created_at" json:"createdAt"`
}

// element is the XML wrapper. The annotation is stored as YAML text for
// easy human reading of `virsh dumpxml`.
type element struct {
	XMLName xml.Name `xml:"provisioning"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	YAML    string   `xml:",chardata"`
}

// Store saves the annotation in the domain's persistent definition,
// replacing any previous one. Call it before the domain is started so the
// live definition inherits it.
func Store(l LibvirtClient, domain libvirt.Domain, ann *Annotation) error {
	yamlData, err := yaml.Marshal(ann)
	if err != nil {
		return fmt.Errorf("failed to marshal annotation to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(element{
		Xmlns: MetadataNamespace,
		YAML:  "\n" + string(yamlData),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// Load retrieves the annotation stored on a domain.
func Load(l LibvirtClient, domain libvirt.Domain) (*Annotation, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var el element
	if err := xml.Unmarshal([]byte(xmlStr), &el); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var ann Annotation
	if err := yaml.Unmarshal([]byte(el.YAML), &ann); err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotation from YAML: %w", err)
	}

	return &ann, nil
}

// Exists checks if an annotation exists on a domain.
func Exists(l LibvirtClient, domain libvirt.Domain) bool {
	_, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	return err == nil
}
