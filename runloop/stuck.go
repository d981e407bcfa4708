package runloop

import (
	"github.com/hupe1980/agentloop/core"
)

// Stuck patterns reported in the stuck SystemEvent detail.
const (
	PatternRepeatingObservation = "repeating_action_observation"
	PatternRepeatingError       = "repeating_action_error"
	PatternMonologue            = "agent_monologue"
	PatternAlternating          = "alternating_action_observation"
)

// detectStuck inspects the events after the last user message for
// unproductive repetition.
func detectStuck(events []core.Event) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if m, ok := events[i].Message(); ok && (events[i].Source == core.SourceUser || m.Role == "user") {
			events = events[i+1:]
			break
		}
	}
	if len(events) < 3 {
		return "", false
	}

	actions, results := lastActionsAndResults(events, 4)

	if len(actions) == 4 && len(results) == 4 && allSame(actions) && allSame(results) {
		return PatternRepeatingObservation, true
	}
	if len(actions) >= 3 && len(results) >= 3 && allSame(actions[:3]) && allFailed(results[:3]) {
		return PatternRepeatingError, true
	}
	if isMonologue(events) {
		return PatternMonologue, true
	}
	if len(events) >= 6 && isAlternating(events) {
		return PatternAlternating, true
	}
	return "", false
}

// lastActionsAndResults collects up to n of the most recent actions and
// observations (or errors), newest first.
func lastActionsAndResults(events []core.Event, n int) (actions, results []core.Event) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		switch ev.Kind() {
		case core.KindAction:
			if len(actions) < n {
				actions = append(actions, ev)
			}
		case core.KindObservation, core.KindError:
			if len(results) < n {
				results = append(results, ev)
			}
		}
		if len(actions) >= n && len(results) >= n {
			break
		}
	}
	return actions, results
}

func isMonologue(events []core.Event) bool {
	if len(events) < 6 {
		return false
	}
	count := 0
	recent := events[len(events)-6:]
	for i := len(recent) - 1; i >= 0; i-- {
		ev := recent[i]
		if ev.Kind() == core.KindSystem {
			continue
		}
		if _, ok := ev.Message(); !ok || ev.Source != core.SourceAgent {
			break
		}
		count++
	}
	return count >= 3
}

func isAlternating(events []core.Event) bool {
	actions, results := lastActionsAndResults(events, 6)
	if len(actions) < 6 || len(results) < 6 {
		return false
	}
	return equivalent(actions[0], actions[2]) && equivalent(actions[0], actions[4]) &&
		equivalent(actions[1], actions[3]) && equivalent(actions[1], actions[5]) &&
		equivalent(results[0], results[2]) && equivalent(results[0], results[4]) &&
		equivalent(results[1], results[3]) && equivalent(results[1], results[5])
}

func allSame(evs []core.Event) bool {
	for _, ev := range evs[1:] {
		if !equivalent(evs[0], ev) {
			return false
		}
	}
	return true
}

func allFailed(evs []core.Event) bool {
	for _, ev := range evs {
		switch p := ev.Payload.(type) {
		case core.ObservationPayload:
			if p.Success {
				return false
			}
		case core.ErrorPayload:
		default:
			return false
		}
	}
	return true
}

// equivalent compares content, ignoring identity and call correlation.
func equivalent(a, b core.Event) bool {
	switch pa := a.Payload.(type) {
	case core.ActionPayload:
		pb, ok := b.Payload.(core.ActionPayload)
		return ok && pa.ToolName == pb.ToolName && pa.Arguments == pb.Arguments
	case core.ObservationPayload:
		pb, ok := b.Payload.(core.ObservationPayload)
		return ok && pa.ToolName == pb.ToolName && pa.Result == pb.Result && pa.Success == pb.Success
	case core.ErrorPayload:
		pb, ok := b.Payload.(core.ErrorPayload)
		return ok && pa.ErrorKind == pb.ErrorKind && pa.Message == pb.Message
	}
	return core.SamePayload(a, b)
}
