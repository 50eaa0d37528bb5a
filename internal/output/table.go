package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/vm"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool

	// now is used for ages; nil means time.Now.
	now func() time.Time
}

// FormatVM formats a single VM as aligned key/value lines.
func (f *TableFormatter) FormatVM(d *vm.Details) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "Name:\t%s\n", d.Name)
	_, _ = fmt.Fprintf(w, "UUID:\t%s\n", d.UUID)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", formatID(d.ID))
	_, _ = fmt.Fprintf(w, "State:\t%s\n", d.State)
	_, _ = fmt.Fprintf(w, "vCPUs:\t%s\n", formatCount(d.VCPUs))
	_, _ = fmt.Fprintf(w, "Memory:\t%s\n", formatMemory(d.MemoryMiB))

	disks := "-"
	if len(d.DiskPaths) > 0 {
		disks = strings.Join(d.DiskPaths, ", ")
	}
	_, _ = fmt.Fprintf(w, "Disks:\t%s\n", disks)

	if p := d.Provisioning; p != nil {
		_, _ = fmt.Fprintf(w, "Distro:\t%s\n", p.Request.Distro)
		_, _ = fmt.Fprintf(w, "Base image:\t%s\n", p.BaseImage)
		_, _ = fmt.Fprintf(w, "Created:\t%s (%s ago)\n", p.CreatedAt.Format(time.RFC3339), formatAge(f.since(p.CreatedAt)))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatVMList formats the inventory as a table.
func (f *TableFormatter) FormatVMList(vms []vm.DomainRecord) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	// Write header unless NoHeaders is set
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tVCPUs\tMEMORY")
	}

	for _, r := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatID(r.ID), r.Name, r.State, formatCount(r.VCPUs), formatMemory(r.MemoryMiB))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatImageList formats the cached images as a table.
func (f *TableFormatter) FormatImageList(images []artifact.ImageInfo) (string, error) {
	if len(images) == 0 {
		return "No images found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tFORMAT\tSIZE\tAGE")
	}

	for _, img := range images {
		age := "-"
		if !img.ModTime.IsZero() {
			age = formatAge(f.since(img.ModTime))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			img.Name, img.Format, units.BytesSize(float64(img.Size)), age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

func (f *TableFormatter) since(t time.Time) time.Duration {
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	return now().Sub(t)
}

// formatID renders a runtime id, or "-" for inactive domains.
func formatID(id *int32) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}

func formatCount(n uint16) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

func formatMemory(mib uint64) string {
	if mib == 0 {
		return "-"
	}
	return units.BytesSize(float64(mib) * units.MiB)
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	// Future timestamps, e.g. from clock skew
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())

	// Less than 1 minute
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	// Less than 1 hour
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	// Less than 1 day
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	// Less than 1 week
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	// Less than ~2 months (8 weeks)
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	// More than 2 months, show in approximate years/days
	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
