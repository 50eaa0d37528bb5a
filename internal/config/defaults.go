package config

import "time"

// DefaultConnectURI is the documented default hypervisor endpoint. The
// system-wide endpoint (qemu:///system) is only used when configured
// explicitly.
const DefaultConnectURI = "qemu:///session"

const disableCloudInit = "systemctl disable cloud-init.service"

// Default returns the built-in configuration used when no config file
// exists.
func Default() *Config {
	return &Config{
		ConnectURI: DefaultConnectURI,
		Defaults: Defaults{
			MemoryMB:        1024,
			VCPUs:           1,
			DiskSizeGB:      10,
			ImageDir:        "~/virt/images",
			VMDir:           "~/virt/vms",
			DNSDomain:       "example.local",
			Timezone:        "UTC",
			Network:         "default",
			ShutdownTimeout: 5 * time.Second,
		},
		Distros: map[string]DistroProfile{
			"centos8": {
				BaseImageFilename:       "CentOS-8-GenericCloud-8.1.1911-20200113.3.x86_64.qcow2",
				SourceURLPrefix:         "https://cloud.centos.org/centos/8/x86_64/images",
				OSVariant:               "centos8",
				LoginUser:               "centos",
				SudoGroup:               "wheel",
				DisableCloudInitCommand: disableCloudInit,
			},
			"ubuntu2004": {
				BaseImageFilename:       "ubuntu-20.04-server-cloudimg-amd64.img",
				SourceURLPrefix:         "https://cloud-images.ubuntu.com/releases/20.04/release",
				OSVariant:               "ubuntu20.04",
				LoginUser:               "ubuntu",
				SudoGroup:               "sudo",
				DisableCloudInitCommand: disableCloudInit,
			},
			"fedora35": {
				BaseImageFilename:       "Fedora-Cloud-Base-35-1.2.x86_64.qcow2",
				SourceURLPrefix:         "https://download.fedoraproject.org/pub/fedora/linux/releases/35/Cloud/x86_64/images",
				OSVariant:               "fedora35",
				LoginUser:               "fedora",
				SudoGroup:               "wheel",
				DisableCloudInitCommand: disableCloudInit,
			},
		},
	}
}
