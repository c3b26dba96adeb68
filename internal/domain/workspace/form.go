package workspace

import "strings"

// FormFields is the comparison header entered by the user. Every known field
// is optional; Competitors lists the competitor columns in display order,
// the first one being the base for all comparisons.
type FormFields struct {
	Store        *string  `json:"tienda,omitempty"`
	Analyst      *string  `json:"analista,omitempty"`
	City         *string  `json:"ciudad,omitempty"`
	Date         *string  `json:"fecha,omitempty"`
	Observations *string  `json:"observaciones,omitempty"`
	Competitors  []string `json:"competidores,omitempty"`
}

// IsZero reports whether nothing has been entered.
func (f FormFields) IsZero() bool {
	for _, s := range []*string{f.Store, f.Analyst, f.City, f.Date, f.Observations} {
		if s != nil && strings.TrimSpace(*s) != "" {
			return false
		}
	}
	return len(f.CompetitorNames()) == 0
}

// CompetitorNames returns the trimmed, non-empty competitor names without
// case-insensitive duplicates, in their original order.
func (f FormFields) CompetitorNames() []string {
	seen := make(map[string]struct{}, len(f.Competitors))
	var out []string
	for _, c := range f.Competitors {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		k := strings.ToLower(c)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Clone returns a deep copy of f.
func (f FormFields) Clone() FormFields {
	return FormFields{
		Store:        cloneString(f.Store),
		Analyst:      cloneString(f.Analyst),
		City:         cloneString(f.City),
		Date:         cloneString(f.Date),
		Observations: cloneString(f.Observations),
		Competitors:  append([]string(nil), f.Competitors...),
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
