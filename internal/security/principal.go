package security

const (
	// Everyone is the pseudo group every principal belongs to.
	Everyone = "Everyone"
	// SystemUsername is the internal principal bypassing security.
	SystemUsername = "system"
	// AdministratorsGroup members bypass security.
	AdministratorsGroup = "administrators"
	// Anonymous is the guest principal name.
	Anonymous = "anonymous"
)

// Principal is the user a session acts for.
type Principal struct {
	Name          string   `json:"name"`
	Groups        []string `json:"groups,omitempty"`
	Administrator bool     `json:"administrator,omitempty"`
}

// System returns the system principal.
func System() Principal {
	return Principal{Name: SystemUsername, Administrator: true}
}

// User returns a plain principal member of groups.
func User(name string, groups ...string) Principal {
	return Principal{Name: name, Groups: groups}
}

// IsAdministrator reports whether security checks are bypassed for p.
func (p Principal) IsAdministrator() bool {
	if p.Administrator || p.Name == SystemUsername {
		return true
	}
	return contains(p.Groups, AdministratorsGroup)
}

// Principals returns the names an ACE may designate for p: the user, the groups and Everyone.
func (p Principal) Principals() []string {
	out := make([]string, 0, len(p.Groups)+2)
	out = append(out, p.Name)
	out = append(out, p.Groups...)
	return append(out, Everyone)
}
