package versions

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// StoreFormat is the version written into file and bolt stores.
const StoreFormat = "1.1.0"

// CheckStoreFormat verifies that a store written with format stored can be opened by
// this binary: same major version, and not newer than StoreFormat. An empty value is
// a freshly created store.
func CheckStoreFormat(stored string) error {
	if stored == "" {
		return nil
	}

	have, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("invalid store format version %q: %w", stored, err)
	}
	current := semver.MustParse(StoreFormat)

	if have.Major() != current.Major() {
		return fmt.Errorf("store format %s is incompatible with %s", have, current)
	}
	if have.GreaterThan(current) {
		return fmt.Errorf("store format %s was written by a newer release (supported %s)", have, current)
	}
	return nil
}
