package stream

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
)

// Anomaly describes a dropped chunk. Kind is ErrorClassificationAnomaly or
// ErrorOwnershipMismatch; neither is fatal to the session.
type Anomaly struct {
	Kind       core.ErrorKind
	Reason     string
	ResponseID string
	ItemID     string
	Part       PartKind
	Type       string
}

func (a *Anomaly) Error() string {
	return fmt.Sprintf("stream: %s: %s (response=%s item=%s part=%s)", a.Kind, a.Reason, a.ResponseID, a.ItemID, a.Part)
}

type draftKey struct {
	itemID string
	part   PartKind
}

type draft struct {
	key      draftKey
	buf      strings.Builder
	deltas   int
	lastSeq  int64
	frozen   bool
	snapshot string
	toolName string
	callID   string
}

func (d *draft) text() string {
	if d.deltas == 0 {
		return d.snapshot
	}
	return d.buf.String()
}

type phase int

const (
	phaseOpen phase = iota
	phaseCompleted
	phaseFailed
)

// Session is the arena of draft buffers for one in-flight provider call.
// It is owned by a single goroutine and never shared between calls.
type Session struct {
	responseID string
	drafts     map[draftKey]*draft
	order      []draftKey
	phase      phase
	failure    string
	applied    int
}

func newSession(responseHint string) *Session {
	return &Session{responseID: responseHint, drafts: make(map[draftKey]*draft)}
}

// ResponseID returns the response id the session is bound to, if any.
func (s *Session) ResponseID() string { return s.responseID }

// Completed reports whether the provider signalled successful completion.
func (s *Session) Completed() bool { return s.phase == phaseCompleted }

// Failed reports whether the provider signalled failure, with its message.
func (s *Session) Failed() (bool, string) { return s.phase == phaseFailed, s.failure }

// Done reports whether the session reached a terminal status.
func (s *Session) Done() bool { return s.phase != phaseOpen }

// Apply routes one chunk into the session. It returns a non-nil Anomaly when
// the chunk was dropped.
func (s *Session) Apply(c Chunk) *Anomaly {
	if c.ResponseID != "" {
		if s.responseID == "" {
			s.responseID = c.ResponseID
		} else if c.ResponseID != s.responseID {
			return s.anomaly(core.ErrorOwnershipMismatch, c, "chunk belongs to response "+c.ResponseID)
		}
	}
	if s.phase != phaseOpen {
		return s.anomaly(core.ErrorClassificationAnomaly, c, "chunk after response end")
	}

	if c.Part == PartStatus {
		switch c.Status {
		case StatusCompleted:
			s.phase = phaseCompleted
		case StatusFailed:
			s.phase = phaseFailed
			s.failure = c.Error
		}
		s.applied++
		return nil
	}

	key := draftKey{itemID: c.ItemID, part: c.Part}
	d, ok := s.drafts[key]

	if c.Opener {
		if ok {
			if d.toolName == "" {
				d.toolName = c.ToolName
			}
			if d.callID == "" {
				d.callID = c.CallID
			}
			return s.anomaly(core.ErrorClassificationAnomaly, c, "tool call item announced twice")
		}
		d = s.open(key)
		d.toolName, d.callID = c.ToolName, c.CallID
		d.lastSeq = c.Sequence
		s.applied++
		return nil
	}

	if !ok {
		if c.Terminal {
			return s.anomaly(core.ErrorOwnershipMismatch, c, "terminal chunk for unknown section")
		}
		d = s.open(key)
	} else {
		if d.frozen {
			if c.Terminal {
				return s.anomaly(core.ErrorClassificationAnomaly, c, "duplicate terminal chunk")
			}
			return s.anomaly(core.ErrorClassificationAnomaly, c, "delta after section was frozen")
		}
		if c.Sequence > 0 && d.lastSeq > 0 && c.Sequence <= d.lastSeq {
			return s.anomaly(core.ErrorClassificationAnomaly, c, fmt.Sprintf("out of order sequence %d after %d", c.Sequence, d.lastSeq))
		}
	}

	if c.Sequence > 0 {
		d.lastSeq = c.Sequence
	}
	if c.Terminal {
		d.frozen = true
		d.snapshot = c.Snapshot
	} else {
		d.buf.WriteString(c.Delta)
		d.deltas++
	}
	s.applied++
	return nil
}

func (s *Session) open(key draftKey) *draft {
	d := &draft{key: key}
	s.drafts[key] = d
	s.order = append(s.order, key)
	return d
}

func (s *Session) anomaly(kind core.ErrorKind, c Chunk, reason string) *Anomaly {
	return &Anomaly{Kind: kind, Reason: reason, ResponseID: c.ResponseID, ItemID: c.ItemID, Part: c.Part, Type: c.Type}
}

// Result is the assembled content of a completed session.
type Result struct {
	ResponseID string
	Sections   []core.Section
	Actions    []core.ActionPayload
}

// Empty reports whether the response produced nothing to commit.
func (r Result) Empty() bool { return len(r.Sections) == 0 && len(r.Actions) == 0 }

// Result assembles frozen and still-open drafts: reasoning sections, then
// text, then refusal, each group in insertion order, followed by one action
// per tool call draft. Empty sections are skipped.
func (s *Session) Result() Result {
	res := Result{ResponseID: s.responseID}
	groups := []struct {
		part PartKind
		kind core.SectionKind
	}{
		{PartReasoning, core.SectionReasoning},
		{PartAssistantText, core.SectionText},
		{PartRefusal, core.SectionRefusal},
	}
	for _, g := range groups {
		for _, key := range s.order {
			if key.part != g.part {
				continue
			}
			if text := s.drafts[key].text(); text != "" {
				res.Sections = append(res.Sections, core.Section{Kind: g.kind, Text: text})
			}
		}
	}
	for _, key := range s.order {
		if key.part != PartToolCallArguments {
			continue
		}
		d := s.drafts[key]
		callID := d.callID
		if callID == "" {
			callID = d.key.itemID
		}
		res.Actions = append(res.Actions, core.ActionPayload{
			ToolName:   d.toolName,
			Arguments:  d.text(),
			CallID:     callID,
			ResponseID: s.responseID,
		})
	}
	return res
}

// discard drops every draft buffer.
func (s *Session) discard() {
	s.drafts = nil
	s.order = nil
}
