package group

import (
	"fmt"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// DefaultPageSize is the default bound on groups per page.
const DefaultPageSize = 1000

// Group is one bucket of a grouping query: its composite key and the
// computed aggregation values keyed by aggregation name.
type Group struct {
	Key    checkpoint.Checkpoint
	Values map[string]value.Value
}

// Page is the result of one grouping query execution.
type Page struct {
	// Groups are ordered strictly ascending by key.
	Groups []Group
	// AfterKey is the key of the last group; the next checkpoint once the
	// page has been written. Empty when Groups is empty.
	AfterKey checkpoint.Checkpoint
}

// NewPage builds a page, deriving AfterKey from the last group.
func NewPage(groups []Group) Page {
	p := Page{Groups: groups}
	if len(groups) > 0 {
		p.AfterKey = groups[len(groups)-1].Key
	}
	return p
}

// IsEmpty reports that no groups exist beyond the requested position.
func (p Page) IsEmpty() bool { return len(p.Groups) == 0 }

// CompletionKey returns the key that becomes the next checkpoint.
func (p Page) CompletionKey() checkpoint.Checkpoint { return p.AfterKey }

// Validate checks that group keys are strictly ascending and that AfterKey is
// the last group's key.
func (p Page) Validate() error {
	for i := 1; i < len(p.Groups); i++ {
		c, err := p.Groups[i-1].Key.Compare(p.Groups[i].Key)
		if err != nil {
			return fmt.Errorf("group %d: %w", i, err)
		}
		if c >= 0 {
			return fmt.Errorf("group %d key %s does not sort after %s", i, p.Groups[i].Key, p.Groups[i-1].Key)
		}
	}
	if len(p.Groups) > 0 && !p.AfterKey.Equal(p.Groups[len(p.Groups)-1].Key) {
		return fmt.Errorf("after key %s is not the last group key %s", p.AfterKey, p.Groups[len(p.Groups)-1].Key)
	}
	return nil
}
