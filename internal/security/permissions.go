package security

import "sort"

// Permission names.
const (
	Everything      = "Everything"
	Read            = "Read"
	Write           = "Write"
	ReadWrite       = "ReadWrite"
	ReadRemove      = "ReadRemove"
	Remove          = "Remove"
	Browse          = "Browse"
	ReadProperties  = "ReadProperties"
	ReadChildren    = "ReadChildren"
	ReadLifeCycle   = "ReadLifeCycle"
	ReadSecurity    = "ReadSecurity"
	ReadVersion     = "ReadVersion"
	AddChildren     = "AddChildren"
	RemoveChildren  = "RemoveChildren"
	WriteProperties = "WriteProperties"
	WriteLifeCycle  = "WriteLifeCycle"
	WriteSecurity   = "WriteSecurity"
	WriteVersion    = "WriteVersion"
	Version         = "Version"
	Manage          = "Manage"
)

// compound maps a permission to the permissions it directly includes.
var compound = map[string][]string{
	Read:       {Browse, ReadProperties, ReadChildren, ReadLifeCycle, ReadSecurity, ReadVersion},
	Write:      {AddChildren, RemoveChildren, Remove, WriteProperties, WriteLifeCycle, WriteVersion, Version},
	ReadWrite:  {Read, Write},
	ReadRemove: {Read, Remove},
	Manage:     {WriteSecurity, ReadSecurity},
	Everything: {ReadWrite, ReadRemove, Manage},
}

// Includes returns the permissions directly included by a compound permission.
func Includes(permission string) []string {
	return append([]string(nil), compound[permission]...)
}

// ContainingPermissions returns permission itself plus every compound permission that
// transitively includes it. Everything is always part of the result.
func ContainingPermissions(permission string) []string {
	seen := map[string]bool{permission: true, Everything: true}
	queue := []string{permission}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for parent, subs := range compound {
			if seen[parent] {
				continue
			}
			for _, s := range subs {
				if s == p {
					seen[parent] = true
					queue = append(queue, parent)
					break
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
