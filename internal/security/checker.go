package security

import (
	"github.com/juju/clock"
)

// Checker resolves permissions along a chain of ACPs, nearest document first.
type Checker struct {
	clock clock.Clock
}

// NewChecker returns a checker evaluating time-bound entries with clk.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Checker{clock: clk}
}

// Check reports whether p holds permission given the ACP of a document followed by the ACPs
// of its ancestors up to the root. The first ACP granting or denying decides; a blocked
// inheritance denies through its Everyone/Everything entry.
func (c *Checker) Check(p Principal, permission string, chain ...*ACP) bool {
	if p.IsAdministrator() {
		return true
	}
	now := c.clock.Now()
	principals := p.Principals()
	permissions := ContainingPermissions(permission)
	for _, acp := range chain {
		switch acp.Stored().Access(now, principals, permissions) {
		case Grant:
			return true
		case Deny:
			return false
		}
	}
	return false
}

// Merge returns a copy of local completed with the inherited ACL computed from the ancestors'
// ACPs (nearest first). The inherited ACL is omitted when local blocks the inheritance.
func (c *Checker) Merge(local *ACP, ancestors ...*ACP) *ACP {
	merged := local.Stored()
	if merged == nil {
		merged = NewACP()
	}
	if merged.BlocksInheritance() {
		return merged
	}
	inherited := NewACL(InheritedACL)
	for _, acp := range ancestors {
		stored := acp.Stored()
		if stored == nil {
			continue
		}
		inherited.ACEs = append(inherited.ACEs, stored.MergedACL(InheritedACL).ACEs...)
		if stored.BlocksInheritance() {
			break
		}
	}
	if len(inherited.ACEs) > 0 {
		merged.AddACL(inherited)
	}
	return merged
}
