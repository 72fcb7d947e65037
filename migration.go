package vaultkv

import "fmt"

// ApplyMigrations runs the suffix of chain not yet reflected in applied
// against data, in order, per SPEC_FULL.md 4.5. It returns the transformed
// data and the full applied-migrations list (a superset of applied, in
// chain order). A record whose applied list is not a prefix of chain's
// names is a fatal ErrMigrationMismatch: the record must not be
// overwritten.
func ApplyMigrations(chain []Migration, applied []string, data any) (result any, newApplied []string, err error) {
	if len(applied) > len(chain) {
		return nil, nil, NewError(ErrMigrationMismatch, "ApplyMigrations", fmt.Errorf("record has %d applied migrations but chain only has %d", len(applied), len(chain)))
	}
	for i, name := range applied {
		if chain[i].Name != name {
			return nil, nil, NewError(ErrMigrationMismatch, "ApplyMigrations", fmt.Errorf("applied migration %q at position %d does not match chain's %q", name, i, chain[i].Name))
		}
	}

	result = data
	newApplied = append([]string(nil), applied...)
	for i := len(applied); i < len(chain); i++ {
		m := chain[i]
		next, err := m.Apply(result)
		if err != nil {
			return nil, nil, NewError(Unknown, "ApplyMigrations", fmt.Errorf("migration %q failed: %w", m.Name, err))
		}
		result = next
		newApplied = append(newApplied, m.Name)
	}
	return result, newApplied, nil
}

// ValidateMigrationChain reports an error if chain has duplicate names,
// which would make ApplyMigrations's prefix comparison ambiguous.
func ValidateMigrationChain(chain []Migration) error {
	seen := make(map[string]bool, len(chain))
	for _, m := range chain {
		if seen[m.Name] {
			return fmt.Errorf("migration chain has duplicate name %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}
