package edit

import (
	"fmt"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// section names the parent of a leaf path for grouping.
func section(path []string) string {
	if len(path) <= 1 {
		return "root"
	}
	return model.PathKey(path[:len(path)-1])
}

func countSections(paths [][]string) (int, string) {
	seen := map[string]struct{}{}
	last := ""
	for _, p := range paths {
		last = section(p)
		seen[last] = struct{}{}
	}
	return len(seen), last
}

func previewMessage(changes []model.ProposedChange) string {
	switch len(changes) {
	case 0:
		return "No changes needed for the given instruction."
	case 1:
		c := changes[0]
		return fmt.Sprintf("Found 1 change to make: Update '%s' from '%s' to '%s'", model.PathKey(c.Path), c.CurrentValue, c.ProposedValue)
	}
	paths := make([][]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	n, name := countSections(paths)
	if n == 1 {
		return fmt.Sprintf("Found %d changes to make in '%s'", len(changes), name)
	}
	return fmt.Sprintf("Found %d changes to make across %d different sections", len(changes), n)
}

func noChangesMessage(instruction string) string {
	return fmt.Sprintf("No changes needed for the instruction: '%s'. The document already matches the requested state.", instruction)
}

func applyMessage(applied []model.AppliedChange) string {
	switch len(applied) {
	case 0:
		return "No changes were applied."
	case 1:
		c := applied[0]
		return fmt.Sprintf("Successfully applied 1 change: Updated '%s' from '%s' to '%s'", model.PathKey(c.Path), c.OldValue, c.NewValue)
	}
	paths := make([][]string, len(applied))
	for i, c := range applied {
		paths[i] = c.Path
	}
	n, name := countSections(paths)
	if n == 1 {
		return fmt.Sprintf("Successfully applied %d changes in '%s'", len(applied), name)
	}
	return fmt.Sprintf("Successfully applied %d changes across %d different sections", len(applied), n)
}

const nothingConfirmedMessage = "No changes were applied. Either no changes were confirmed or all specified change IDs were invalid."
