// Package protocol implements the wire-level Query message and its
// chunking/reassembly rules from §4.3: every outbound message that
// would exceed the per-message size threshold is split across
// consecutive messages, preserving key/output/concern element order
// and supporting a UTF-8-boundary split of the final element of a chunk.
package protocol

import (
	"unicode/utf8"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// State mirrors the wire enum carried on every Query message.
type State int

const (
	StateUnspecified State = iota
	StateSubmitInProgress
	StateSubmitComplete
	StateReplyInProgress
	StateReplyComplete
)

func (s State) IsSubmit() bool {
	return s == StateSubmitInProgress || s == StateSubmitComplete
}

func (s State) IsReply() bool {
	return s == StateReplyInProgress || s == StateReplyComplete
}

func (s State) IsTerminal() bool {
	return s == StateSubmitComplete || s == StateReplyComplete
}

// Query is the host-side representation of the wire Query message.
type Query struct {
	ID            int32
	State         State
	PublisherName string
	PluginName    string
	QueryName     string
	Key           []string
	Output        []string
	Concern       []string
	Split         bool
}

// DefaultMaxMessageBytes is the §4.3 chunking target of 4 MiB;
// host.Runtime.Query chunks with this constant directly.
const DefaultMaxMessageBytes = 4 * 1024 * 1024

type tuple struct {
	field string // "key", "output", or "concern"
	value string
}

func flatten(q Query) []tuple {
	var out []tuple
	for _, v := range q.Key {
		out = append(out, tuple{"key", v})
	}
	for _, v := range q.Output {
		out = append(out, tuple{"output", v})
	}
	for _, v := range q.Concern {
		out = append(out, tuple{"concern", v})
	}
	return out
}

func unflatten(tuples []tuple) (key, output, concern []string) {
	for _, t := range tuples {
		switch t.field {
		case "key":
			key = append(key, t.value)
		case "output":
			output = append(output, t.value)
		case "concern":
			concern = append(concern, t.value)
		}
	}
	return
}

func tupleByteCost(t tuple) int { return len(t.value) + 1 }

// Chunk splits q into one or more wire messages, none of which
// (approximately) exceeds maxBytes, preserving the key-before-output-
// before-concern ordering required by §4.3. reply selects between the
// SUBMIT_* and REPLY_* state variants.
func Chunk(q Query, maxBytes int, reply bool) []Query {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	tuples := flatten(q)
	if len(tuples) == 0 {
		single := q
		single.State = terminalState(reply)
		return []Query{single}
	}

	var chunks []Query
	var cur []tuple
	budget := 0

	flush := func(last, split bool) {
		key, output, concern := unflatten(cur)
		c := Query{
			ID: q.ID, PublisherName: q.PublisherName, PluginName: q.PluginName, QueryName: q.QueryName,
			Key: key, Output: output, Concern: concern, Split: split,
		}
		if last {
			c.State = terminalState(reply)
		} else {
			c.State = inProgressState(reply)
		}
		chunks = append(chunks, c)
		cur = nil
		budget = 0
	}

	for i := 0; i < len(tuples); i++ {
		t := tuples[i]
		cost := tupleByteCost(t)

		if cost > maxBytes && len(t.value) > 0 {
			if len(cur) > 0 {
				flush(false, false)
			}
			cut := maxBytes
			if cut >= len(t.value) {
				cut = len(t.value) - 1
			}
			for cut > 0 && !utf8.RuneStart(t.value[cut]) {
				cut--
			}
			if cut <= 0 {
				cut = 1
			}
			cur = append(cur, tuple{t.field, t.value[:cut]})
			flush(false, true)
			tuples[i] = tuple{t.field, t.value[cut:]}
			i--
			continue
		}

		if budget > 0 && budget+cost > maxBytes {
			flush(false, false)
		}
		cur = append(cur, t)
		budget += cost
	}
	flush(true, false)

	return chunks
}

func terminalState(reply bool) State {
	if reply {
		return StateReplyComplete
	}
	return StateSubmitComplete
}

func inProgressState(reply bool) State {
	if reply {
		return StateReplyInProgress
	}
	return StateSubmitInProgress
}

// Reassemble merges a sequence of chunks for one session back into a
// single logical Query, concatenating any split=true boundary with the
// first element of the following chunk on a UTF-8 code-point boundary.
// A boundary that does not land on a valid rune start fails with
// PLUGIN_QUERY_ERROR, per §8 scenario 2.
func Reassemble(chunks []Query) (Query, error) {
	if len(chunks) == 0 {
		return Query{}, hcerr.New(hcerr.PluginQueryError, "reassemble: no chunks")
	}

	out := Query{
		ID:            chunks[0].ID,
		PublisherName: chunks[0].PublisherName,
		PluginName:    chunks[0].PluginName,
		QueryName:     chunks[0].QueryName,
		State:         chunks[len(chunks)-1].State,
	}

	var all []tuple
	var pending *tuple

	for ci, c := range chunks {
		ts := flatten(c)
		if pending != nil {
			if len(ts) == 0 {
				return Query{}, hcerr.New(hcerr.PluginQueryError, "reassemble: chunk %d has no continuation element for pending split", ci)
			}
			merged := pending.value + ts[0].value
			if !utf8.ValidString(merged) {
				return Query{}, hcerr.New(hcerr.PluginQueryError, "reassemble: split boundary does not fall on a UTF-8 code-point boundary")
			}
			ts[0] = tuple{pending.field, merged}
			pending = nil
		}
		if c.Split {
			if len(ts) == 0 {
				return Query{}, hcerr.New(hcerr.PluginQueryError, "reassemble: split=true chunk %d has no trailing element", ci)
			}
			last := ts[len(ts)-1]
			pending = &last
			ts = ts[:len(ts)-1]
		}
		all = append(all, ts...)
	}

	if pending != nil {
		return Query{}, hcerr.New(hcerr.PluginQueryError, "reassemble: trailing split fragment never continued")
	}

	out.Key, out.Output, out.Concern = unflatten(all)
	return out, nil
}
