package persistence

import (
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/pricecompare/internal/domain/workspace"
)

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// ErrInvalidSnapshot is returned when a stored snapshot fails validation.
var ErrInvalidSnapshot = errors.New("invalid workspace snapshot")

// Snapshot is the persisted form of a workspace.
type Snapshot struct {
	Version         int                  `json:"version"`
	SavedAt         time.Time            `json:"savedAt"`
	Items           []workspace.Item     `json:"items"`
	CompetitorNames []string             `json:"competitorNames,omitempty"`
	Form            workspace.FormFields `json:"form"`
}

// Validate checks a decoded snapshot before it is replayed.
func (s Snapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return errors.Wrapf(ErrInvalidSnapshot, "unsupported version %d", s.Version)
	}
	seen := make(map[string]struct{}, len(s.Items))
	for i, it := range s.Items {
		code := strings.TrimSpace(it.Code)
		if code == "" {
			return errors.Wrapf(ErrInvalidSnapshot, "item %d: empty code", i)
		}
		if _, dup := seen[code]; dup {
			return errors.Wrapf(ErrInvalidSnapshot, "item %q: duplicate code", code)
		}
		seen[code] = struct{}{}

		if it.Quantity <= 0 {
			return errors.Wrapf(ErrInvalidSnapshot, "item %q: quantity %d", code, it.Quantity)
		}
		for name, p := range it.Prices {
			if strings.TrimSpace(name) == "" {
				return errors.Wrapf(ErrInvalidSnapshot, "item %q: empty competitor name", code)
			}
			if p.IsNegative() {
				return errors.Wrapf(ErrInvalidSnapshot, "item %q: negative price for %q", code, name)
			}
		}
		if it.SuggestedPrice != nil && it.SuggestedPrice.IsNegative() {
			return errors.Wrapf(ErrInvalidSnapshot, "item %q: negative suggested price", code)
		}
	}
	return nil
}
