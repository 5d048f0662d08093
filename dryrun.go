package forge

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// DryRunEntry is what one step would have done.
type DryRunEntry struct {
	Index      int
	Step       string
	Kind       string
	Command    string
	Skipped    bool
	Validation string
	Handlers   []string
}

// DryRun records rendered commands instead of running them.
type DryRun struct {
	mu      sync.Mutex
	entries []DryRunEntry
}

func NewDryRun() *DryRun {
	return &DryRun{}
}

func (d *DryRun) record(e DryRunEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

// Entries returns the recorded steps in execution order.
func (d *DryRun) Entries() []DryRunEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DryRunEntry(nil), d.entries...)
}

// Render writes a human-readable summary.
func (d *DryRun) Render(w io.Writer) error {
	entries := d.Entries()
	skipped := 0
	var b strings.Builder
	fmt.Fprintf(&b, "Dry run: %d step(s)\n", len(entries))
	for _, e := range entries {
		marker := "run "
		if e.Skipped {
			marker = "skip"
			skipped++
		}
		fmt.Fprintf(&b, "[%s] %d. %s (%s)\n", marker, e.Index+1, e.Step, e.Kind)
		if e.Command != "" {
			for _, line := range strings.Split(strings.TrimRight(e.Command, "\n"), "\n") {
				fmt.Fprintf(&b, "       $ %s\n", line)
			}
		}
		if e.Validation != "" {
			fmt.Fprintf(&b, "       validate: %s\n", e.Validation)
		}
		for _, h := range e.Handlers {
			fmt.Fprintf(&b, "       handler: %s\n", h)
		}
	}
	fmt.Fprintf(&b, "%d to run, %d skipped, no commands executed\n", len(entries)-skipped, skipped)
	_, err := io.WriteString(w, b.String())
	return err
}
