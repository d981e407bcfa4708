package core

import (
	"fmt"
	"reflect"
)

// UnmatchedActions returns actions that have no observation yet, in log order.
func UnmatchedActions(events []Event) []ActionPayload {
	observed := make(map[string]bool)
	for _, ev := range events {
		if obs, ok := ev.Observation(); ok {
			observed[obs.CallID] = true
		}
	}
	var out []ActionPayload
	for _, ev := range events {
		if a, ok := ev.Action(); ok && !observed[a.CallID] {
			out = append(out, a)
		}
	}
	return out
}

// ValidateObservations checks that every observation answers exactly one
// earlier action and that no call id is observed twice.
func ValidateObservations(events []Event) error {
	actions := make(map[string]int)
	observed := make(map[string]bool)
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case ActionPayload:
			actions[p.CallID]++
			if actions[p.CallID] > 1 {
				return fmt.Errorf("core: duplicate action call id %q at sequence %d", p.CallID, ev.Sequence)
			}
		case ObservationPayload:
			if actions[p.CallID] == 0 {
				return fmt.Errorf("core: observation %q at sequence %d has no prior action", p.CallID, ev.Sequence)
			}
			if observed[p.CallID] {
				return fmt.Errorf("core: duplicate observation %q at sequence %d", p.CallID, ev.Sequence)
			}
			observed[p.CallID] = true
		}
	}
	return nil
}

// SamePayload reports whether two events carry equal content, ignoring
// identity fields (sequence, id, timestamp).
func SamePayload(a, b Event) bool {
	return a.Source == b.Source && reflect.DeepEqual(a.Payload, b.Payload)
}
