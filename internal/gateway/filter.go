package gateway

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	EventTypes  []domain.EventType  `json:"event_types,omitempty"`
	EntityTypes []domain.EntityType `json:"entity_types,omitempty"`
	Capability  string              `json:"capability,omitempty"`
	EntityID    domain.EntityID     `json:"entity_id,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev domain.Event) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, ev.Entity.Type) {
		return false
	}
	if f.Capability != "" && !ev.Entity.HasCapability(f.Capability) {
		return false
	}
	if f.EntityID != "" && ev.Entity.ID != f.EntityID {
		return false
	}
	return true
}

// ParseFilter reads a filter from query parameters:
//
//	?event=registered,deregistered&type=agent&capability=sql&id=<uuid>
//
// Repeated parameters and comma separated values are both accepted.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter
	for _, raw := range splitValues(q["event"]) {
		t := domain.EventType(strings.ToLower(raw))
		if !slices.Contains(domain.EventTypes, t) {
			return Filter{}, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidArgument, raw)
		}
		f.EventTypes = append(f.EventTypes, t)
	}
	for _, raw := range splitValues(q["type"]) {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			return Filter{}, err
		}
		f.EntityTypes = append(f.EntityTypes, t)
	}
	f.Capability = strings.TrimSpace(q.Get("capability"))
	f.EntityID = domain.EntityID(strings.TrimSpace(q.Get("id")))
	return f, nil
}

// Values is the inverse of ParseFilter.
func (f Filter) Values() url.Values {
	q := url.Values{}
	for _, t := range f.EventTypes {
		q.Add("event", string(t))
	}
	for _, t := range f.EntityTypes {
		q.Add("type", string(t))
	}
	if f.Capability != "" {
		q.Set("capability", f.Capability)
	}
	if f.EntityID != "" {
		q.Set("id", string(f.EntityID))
	}
	return q
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
