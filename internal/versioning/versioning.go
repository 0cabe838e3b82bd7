package versioning

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/juju/errors"
)

// Option selects how a check-in increments the version number.
type Option int

const (
	// None saves without creating a version.
	None Option = iota
	// Minor increments the minor number.
	Minor
	// Major increments the major number and resets the minor one.
	Major
)

func (o Option) String() string {
	switch o {
	case Minor:
		return "MINOR"
	case Major:
		return "MAJOR"
	default:
		return "NONE"
	}
}

// ParseOption accepts NONE, MINOR or MAJOR in any case.
func ParseOption(s string) (Option, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return None, nil
	case "MINOR":
		return Minor, nil
	case "MAJOR":
		return Major, nil
	}
	return None, errors.NotValidf("versioning option %q", s)
}

// Increment returns the numbers a check-in with opt produces from major.minor.
func Increment(major, minor int64, opt Option) (int64, int64) {
	switch opt {
	case Major:
		return major + 1, 0
	case Minor:
		return major, minor + 1
	default:
		return major, minor
	}
}

// Label formats major.minor. A checked out live document derived from a version gets a "+".
func Label(major, minor int64, checkedOut, hasBaseVersion bool) string {
	label := fmt.Sprintf("%d.%d", major, minor)
	if checkedOut && hasBaseVersion {
		label += "+"
	}
	return label
}

// ParseLabel reads a label produced by Label.
func ParseLabel(label string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimSuffix(label, "+"))
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("version label %q", label))
	}
	return v, nil
}

// Compare orders two labels numerically, so 1.10 sorts after 1.9. A "+" label sorts after its base.
func Compare(a, b string) (int, error) {
	va, err := ParseLabel(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseLabel(b)
	if err != nil {
		return 0, err
	}
	if c := va.Compare(vb); c != 0 {
		return c, nil
	}
	pa, pb := strings.HasSuffix(a, "+"), strings.HasSuffix(b, "+")
	switch {
	case pa == pb:
		return 0, nil
	case pa:
		return 1, nil
	default:
		return -1, nil
	}
}
