package security

import "time"

// Access is the outcome of evaluating an ACP.
type Access int

const (
	Unknown Access = iota
	Grant
	Deny
)

func (a Access) String() string {
	switch a {
	case Grant:
		return "GRANT"
	case Deny:
		return "DENY"
	default:
		return "UNKNOWN"
	}
}

// ACP is the access control policy of a document: ordered ACLs, "local" first and "inherited" last.
type ACP struct {
	ACLs []*ACL `json:"acls" bson:"acls"`
}

// NewACP returns an empty policy.
func NewACP() *ACP {
	return &ACP{}
}

// AddACL adds or replaces the ACL of the same name, keeping local first and inherited last.
func (p *ACP) AddACL(acl *ACL) {
	if acl.Name == "" {
		acl.Name = LocalACL
	}
	for i, existing := range p.ACLs {
		if existing.Name == acl.Name {
			p.ACLs[i] = acl
			return
		}
	}
	switch acl.Name {
	case LocalACL:
		p.ACLs = append([]*ACL{acl}, p.ACLs...)
	case InheritedACL:
		p.ACLs = append(p.ACLs, acl)
	default:
		n := len(p.ACLs)
		if n > 0 && p.ACLs[n-1].Name == InheritedACL {
			p.ACLs = append(p.ACLs[:n-1], acl, p.ACLs[n-1])
		} else {
			p.ACLs = append(p.ACLs, acl)
		}
	}
}

// ACL returns the named ACL or nil.
func (p *ACP) ACL(name string) *ACL {
	for _, acl := range p.ACLs {
		if acl.Name == name {
			return acl
		}
	}
	return nil
}

// GetOrCreateACL returns the named ACL, creating it when missing. An empty name means local.
func (p *ACP) GetOrCreateACL(name string) *ACL {
	if name == "" {
		name = LocalACL
	}
	if acl := p.ACL(name); acl != nil {
		return acl
	}
	acl := NewACL(name)
	p.AddACL(acl)
	return acl
}

// RemoveACL drops the named ACL and returns it.
func (p *ACP) RemoveACL(name string) *ACL {
	for i, acl := range p.ACLs {
		if acl.Name == name {
			p.ACLs = append(p.ACLs[:i], p.ACLs[i+1:]...)
			return acl
		}
	}
	return nil
}

// AddACE appends the entry to the named ACL unless already present.
func (p *ACP) AddACE(aclName string, ace ACE) bool {
	acl := p.GetOrCreateACL(aclName)
	if acl.Contains(ace) {
		return false
	}
	if acl.BlocksInheritance() {
		// keep the blocker last
		acl.Insert(len(acl.ACEs)-1, ace)
		return true
	}
	acl.Add(ace)
	return true
}

// ReplaceACE swaps an existing entry of the named ACL.
func (p *ACP) ReplaceACE(aclName string, oldACE, newACE ACE) bool {
	acl := p.ACL(aclName)
	if acl == nil {
		return false
	}
	return acl.Replace(oldACE, newACE)
}

// RemoveACE drops the entry from the named ACL.
func (p *ACP) RemoveACE(aclName string, ace ACE) bool {
	acl := p.ACL(aclName)
	if acl == nil {
		return false
	}
	return acl.Remove(ace)
}

// RemoveACEsByUsername drops the user entries from the named ACL, or from every ACL when aclName is empty.
func (p *ACP) RemoveACEsByUsername(aclName, username string) bool {
	changed := false
	for _, acl := range p.ACLs {
		if aclName != "" && acl.Name != aclName {
			continue
		}
		if acl.RemoveByUsername(username) {
			changed = true
		}
	}
	return changed
}

// BlockInheritance blocks the inheritance on the named ACL, keeping Everything for username.
func (p *ACP) BlockInheritance(aclName, username string) bool {
	return p.GetOrCreateACL(aclName).BlockInheritance(username)
}

// UnblockInheritance removes the blocker from the named ACL.
func (p *ACP) UnblockInheritance(aclName string) bool {
	acl := p.ACL(aclName)
	if acl == nil {
		return false
	}
	return acl.UnblockInheritance()
}

// BlocksInheritance reports whether any stored ACL blocks the inheritance.
func (p *ACP) BlocksInheritance() bool {
	if p == nil {
		return false
	}
	for _, acl := range p.ACLs {
		if acl.Name != InheritedACL && acl.BlocksInheritance() {
			return true
		}
	}
	return false
}

// Access evaluates the ACLs in order: the first effective entry naming one of the principals
// and one of the permissions decides.
func (p *ACP) Access(now time.Time, principals, permissions []string) Access {
	if p == nil {
		return Unknown
	}
	for _, acl := range p.ACLs {
		for _, ace := range acl.ACEs {
			if !ace.IsEffective(now) {
				continue
			}
			if !contains(principals, ace.Username) || !contains(permissions, ace.Permission) {
				continue
			}
			if ace.Granted {
				return Grant
			}
			return Deny
		}
	}
	return Unknown
}

// AccessFor is Access for a single principal and permission, with compound permission expansion.
func (p *ACP) AccessFor(now time.Time, principal, permission string) Access {
	return p.Access(now, []string{principal}, ContainingPermissions(permission))
}

// MergedACL returns the entries of every ACL but the inherited one, in evaluation order.
func (p *ACP) MergedACL(name string) *ACL {
	merged := NewACL(name)
	for _, acl := range p.ACLs {
		if acl.Name == InheritedACL {
			continue
		}
		for _, a := range acl.ACEs {
			merged.Add(cloneACE(a))
		}
	}
	return merged
}

// Stored returns a copy without the computed inherited ACL.
func (p *ACP) Stored() *ACP {
	c := p.Clone()
	if c != nil {
		c.RemoveACL(InheritedACL)
	}
	return c
}

// IsEmpty reports whether no ACL holds an entry.
func (p *ACP) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, acl := range p.ACLs {
		if len(acl.ACEs) > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy sharing nothing with p.
func (p *ACP) Clone() *ACP {
	if p == nil {
		return nil
	}
	c := &ACP{ACLs: make([]*ACL, len(p.ACLs))}
	for i, acl := range p.ACLs {
		c.ACLs[i] = acl.Clone()
	}
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
