package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MergeFunc combines the three states involved in a conflict into the
// final state for the merge strategy: original is the snapshot before the
// local mutation (the common ancestor), server is the concurrent writer's
// state, local is the client's optimistic state.
type MergeFunc func(original, server, local json.RawMessage) (json.RawMessage, error)

// MergeRules configures which payload fields are treated as free text and
// merged with a three-way diff instead of last-writer-wins. Loaded from
// the optional YAML rules file.
type MergeRules struct {
	// TextFields are merged three-way for every item type.
	TextFields []string `yaml:"text_fields"`

	// Types maps an itemType to additional text fields for that type.
	Types map[string]struct {
		TextFields []string `yaml:"text_fields"`
	} `yaml:"types"`
}

// textFieldsFor returns the text-merge field set for an item type.
func (r MergeRules) textFieldsFor(itemType string) map[string]struct{} {
	fields := make(map[string]struct{}, len(r.TextFields))
	for _, f := range r.TextFields {
		fields[f] = struct{}{}
	}

	if t, ok := r.Types[itemType]; ok {
		for _, f := range t.TextFields {
			fields[f] = struct{}{}
		}
	}

	return fields
}

// NewDefaultMerge returns the default merge strategy for an item type:
// a shallow key merge of the two object states, with rule-configured text
// fields merged three-way against the original as the common ancestor.
// Keys changed only on one side take that side's value; keys changed on
// both sides fall to the server unless they are text fields.
func NewDefaultMerge(itemType string, rules MergeRules, logger *slog.Logger) MergeFunc {
	textFields := rules.textFieldsFor(itemType)

	return func(original, server, local json.RawMessage) (json.RawMessage, error) {
		var origObj, serverObj, localObj map[string]json.RawMessage

		if len(original) > 0 {
			if err := json.Unmarshal(original, &origObj); err != nil {
				return nil, fmt.Errorf("decoding original state: %w", err)
			}
		}

		if err := json.Unmarshal(server, &serverObj); err != nil {
			return nil, fmt.Errorf("decoding server state: %w", err)
		}

		if err := json.Unmarshal(local, &localObj); err != nil {
			return nil, fmt.Errorf("decoding local state: %w", err)
		}

		merged := make(map[string]json.RawMessage, len(serverObj))
		for k, v := range serverObj {
			merged[k] = v
		}

		for k, localVal := range localObj {
			serverVal, inServer := merged[k]
			origVal := origObj[k]

			switch {
			case !inServer:
				// Key only exists locally (or server dropped it while
				// local changed it; local addition wins the shallow merge).
				merged[k] = localVal

			case sameState(localVal, serverVal):
				// Agreement, nothing to do.

			case sameState(serverVal, origVal):
				// Server did not touch this key, local did.
				merged[k] = localVal

			case sameState(localVal, origVal):
				// Local did not touch this key, server did.

			default:
				// Both sides changed the key.
				if _, isText := textFields[k]; isText {
					if out, ok := mergeText(origVal, serverVal, localVal); ok {
						merged[k] = out
						continue
					}

					logger.Warn("text merge failed, keeping server value",
						slog.String("field", k),
					)
				}
				// Divergent non-text key: server value stands.
			}
		}

		out, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encoding merged state: %w", err)
		}

		return out, nil
	}
}

// mergeText three-way merges a JSON string field: the local edits relative
// to the original are re-applied as patches on top of the server's text.
// Returns ok=false when a value is not a JSON string or a patch fails to
// apply.
func mergeText(original, server, local json.RawMessage) (json.RawMessage, bool) {
	var origText, serverText, localText string

	if len(original) > 0 {
		if err := json.Unmarshal(original, &origText); err != nil {
			return nil, false
		}
	}

	if err := json.Unmarshal(server, &serverText); err != nil {
		return nil, false
	}

	if err := json.Unmarshal(local, &localText); err != nil {
		return nil, false
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(origText, dmp.DiffMain(origText, localText, true))

	mergedText, applied := dmp.PatchApply(patches, serverText)
	for _, ok := range applied {
		if !ok {
			return nil, false
		}
	}

	out, err := json.Marshal(mergedText)
	if err != nil {
		return nil, false
	}

	return out, true
}
