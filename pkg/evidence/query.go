package evidence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// ParseQuery parses the evidence search grammar into a store filter.
//
// Recognized tokens:
//
//	type:<T>              evidence type
//	source:<S>            source name
//	confidence:><x>       minimum confidence, e.g. confidence:>0.8
//	entity:<kind>:<value> entity match
//	anything else         free-text term (AND-ed via a single joined string)
func ParseQuery(query string) (store.EvidenceFilter, error) {
	var filter store.EvidenceFilter
	var freeText []string

	for _, token := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(token, "type:"):
			t := models.EvidenceType(strings.TrimPrefix(token, "type:"))
			if !t.IsValid() {
				return filter, fmt.Errorf("unknown evidence type %q", t)
			}
			filter.Types = append(filter.Types, t)

		case strings.HasPrefix(token, "source:"):
			s := strings.TrimPrefix(token, "source:")
			if s == "" {
				return filter, fmt.Errorf("empty source qualifier")
			}
			filter.Sources = append(filter.Sources, s)

		case strings.HasPrefix(token, "confidence:"):
			raw := strings.TrimPrefix(token, "confidence:")
			raw = strings.TrimPrefix(raw, ">")
			raw = strings.TrimPrefix(raw, "=")
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 || v > 1 {
				return filter, fmt.Errorf("invalid confidence qualifier %q", token)
			}
			filter.MinConfidence = &v

		case strings.HasPrefix(token, "entity:"):
			parts := strings.SplitN(strings.TrimPrefix(token, "entity:"), ":", 2)
			if parts[0] == "" {
				return filter, fmt.Errorf("invalid entity qualifier %q", token)
			}
			filter.EntityKind = parts[0]
			if len(parts) == 2 {
				filter.EntityValue = parts[1]
			}

		default:
			freeText = append(freeText, token)
		}
	}

	filter.Text = strings.Join(freeText, " ")
	return filter, nil
}
