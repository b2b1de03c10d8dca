// ABOUTME: Block tree data model
// ABOUTME: Defines Block, BlockAction and the stored Node view of a block

package document

import (
	"fmt"
	"strings"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
)

// ActionType selects the structural change a BlockAction performs
type ActionType uint8

const (
	ActionInsert ActionType = iota + 1
	ActionUpdate
	ActionDelete
	ActionMove
)

var actionNames = map[ActionType]string{
	ActionInsert: "insert",
	ActionUpdate: "update",
	ActionDelete: "delete",
	ActionMove:   "move",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

func (a ActionType) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("unknown action type %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *ActionType) UnmarshalText(text []byte) error {
	for t, name := range actionNames {
		if strings.EqualFold(name, string(text)) {
			*a = t
			return nil
		}
	}
	return fmt.Errorf("unknown action type %q", text)
}

// Block is the host's description of one outline item
type Block struct {
	ID          string              `json:"id"`
	Type        string              `json:"type,omitempty"`
	Content     map[string]crdt.Any `json:"content,omitempty"`
	ParentID    *string             `json:"parent_id,omitempty"`
	OldParentID *string             `json:"old_parent_id,omitempty"`
	PrevID      *string             `json:"prev_id,omitempty"`
	NextID      *string             `json:"next_id,omitempty"`
}

// BlockAction is one structural change. The last element of a path is the
// position among the parent's children; a nil OldPath means absent.
type BlockAction struct {
	Type    ActionType `json:"action"`
	Block   Block      `json:"block"`
	Path    []int      `json:"path,omitempty"`
	OldPath []int      `json:"old_path,omitempty"`
}

// Node is a stored block. Empty link fields mean absent.
type Node struct {
	ID       string
	Type     string
	Content  crdt.Any // object with the content fields in replicated order
	ParentID string
	PrevID   string
	NextID   string
}

// Ptr returns a pointer to s, for the optional fields of Block.
func Ptr(s string) *string {
	return &s
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
