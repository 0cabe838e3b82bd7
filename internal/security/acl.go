package security

import "time"

const (
	// LocalACL is the user editable ACL of a document.
	LocalACL = "local"
	// InheritedACL holds the entries merged from the ancestors. It is computed, never stored.
	InheritedACL = "inherited"
)

// ACL is a named, ordered list of entries.
type ACL struct {
	Name string `json:"name" bson:"name"`
	ACEs []ACE  `json:"aces" bson:"aces"`
}

// NewACL returns an empty ACL.
func NewACL(name string) *ACL {
	return &ACL{Name: name}
}

// Add appends the entry.
func (l *ACL) Add(ace ACE) {
	l.ACEs = append(l.ACEs, ace)
}

// Insert puts the entry at position i, shifting the following ones.
func (l *ACL) Insert(i int, ace ACE) {
	if i < 0 {
		i = 0
	}
	if i >= len(l.ACEs) {
		l.ACEs = append(l.ACEs, ace)
		return
	}
	l.ACEs = append(l.ACEs[:i+1], l.ACEs[i:]...)
	l.ACEs[i] = ace
}

// Index returns the position of the entry or -1.
func (l *ACL) Index(ace ACE) int {
	for i, a := range l.ACEs {
		if a.Equal(ace) {
			return i
		}
	}
	return -1
}

// Contains reports whether an equal entry is present.
func (l *ACL) Contains(ace ACE) bool {
	return l.Index(ace) >= 0
}

// Remove drops the first equal entry.
func (l *ACL) Remove(ace ACE) bool {
	i := l.Index(ace)
	if i < 0 {
		return false
	}
	l.ACEs = append(l.ACEs[:i], l.ACEs[i+1:]...)
	return true
}

// Replace swaps oldACE for newACE at the same position, only if oldACE exists.
func (l *ACL) Replace(oldACE, newACE ACE) bool {
	i := l.Index(oldACE)
	if i < 0 {
		return false
	}
	l.ACEs[i] = newACE
	return true
}

// RemoveByUsername drops every entry of the user.
func (l *ACL) RemoveByUsername(username string) bool {
	kept := l.ACEs[:0]
	changed := false
	for _, a := range l.ACEs {
		if a.Username == username {
			changed = true
			continue
		}
		kept = append(kept, a)
	}
	l.ACEs = kept
	return changed
}

// BlocksInheritance reports whether the ACL contains the blocking entry.
func (l *ACL) BlocksInheritance() bool {
	for _, a := range l.ACEs {
		if a.IsBlockInheritance() {
			return true
		}
	}
	return false
}

// BlockInheritance keeps Everything for username (when set) and appends the blocking entry.
func (l *ACL) BlockInheritance(username string) bool {
	if l.BlocksInheritance() {
		return false
	}
	if username != "" {
		keep := NewACE(username, Everything, true)
		if !l.Contains(keep) {
			l.Insert(0, keep)
		}
	}
	l.Add(blockACE)
	return true
}

// UnblockInheritance removes the blocking entry.
func (l *ACL) UnblockInheritance() bool {
	return l.Remove(blockACE)
}

// Effective returns the entries applying at now.
func (l *ACL) Effective(now time.Time) []ACE {
	out := make([]ACE, 0, len(l.ACEs))
	for _, a := range l.ACEs {
		if a.IsEffective(now) {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy.
func (l *ACL) Clone() *ACL {
	if l == nil {
		return nil
	}
	c := &ACL{Name: l.Name, ACEs: make([]ACE, len(l.ACEs))}
	for i, a := range l.ACEs {
		c.ACEs[i] = cloneACE(a)
	}
	return c
}

func cloneACE(a ACE) ACE {
	if a.Begin != nil {
		t := *a.Begin
		a.Begin = &t
	}
	if a.End != nil {
		t := *a.End
		a.End = &t
	}
	return a
}
