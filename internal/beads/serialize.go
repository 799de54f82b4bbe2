package beads

import "gopkg.in/yaml.v3"

// beadAlias has the same fields as Bead but none of its custom marshaling,
// so we can delegate to the default struct codec for the known fields and
// handle Extra ourselves.
type beadAlias Bead

// knownBeadKeys are the tags beadAlias's yaml struct exposes. They're
// subtracted from the raw decoded map to compute Extra.
var knownBeadKeys = map[string]bool{
	"id": true, "name": true, "description": true, "test_cases": true,
	"status": true, "priority": true, "verification_status": true,
	"verification_notes": true, "quality_state": true, "created_at": true,
	"updated_at": true, "convoy_id": true, "assigned_to": true,
	"lock_deadline": true, "git_commit": true,
}

// UnmarshalYAML decodes a Bead file, preserving any keys this version of
// the struct doesn't know about in Extra so they survive a save/load
// round-trip untouched.
func (b *Bead) UnmarshalYAML(value *yaml.Node) error {
	var alias beadAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*b = Bead(alias)

	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if !knownBeadKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		b.Extra = extra
	}
	return nil
}

// MarshalYAML emits the known fields plus any preserved Extra keys.
func (b Bead) MarshalYAML() (any, error) {
	alias := beadAlias(b)
	node := &yaml.Node{}
	if err := node.Encode(alias); err != nil {
		return nil, err
	}

	var out map[string]any
	if err := node.Decode(&out); err != nil {
		return nil, err
	}
	for k, v := range b.Extra {
		out[k] = v
	}
	return out, nil
}
