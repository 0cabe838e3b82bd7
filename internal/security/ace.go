package security

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Status is the temporal status of an ACE.
type Status int

const (
	// StatusPending means the ACE begin date is still in the future.
	StatusPending Status = iota
	// StatusEffective means the ACE currently applies.
	StatusEffective
	// StatusArchived means the ACE end date is in the past.
	StatusArchived
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusArchived:
		return "archived"
	default:
		return "effective"
	}
}

// ACE is an access control entry: a permission granted or denied to a user or group,
// optionally limited to a time window.
type ACE struct {
	Username   string     `json:"username" bson:"username"`
	Permission string     `json:"permission" bson:"permission"`
	Granted    bool       `json:"granted" bson:"granted"`
	Creator    string     `json:"creator,omitempty" bson:"creator,omitempty"`
	Begin      *time.Time `json:"begin,omitempty" bson:"begin,omitempty"`
	End        *time.Time `json:"end,omitempty" bson:"end,omitempty"`
}

// NewACE returns an ACE without time window.
func NewACE(username, permission string, granted bool) ACE {
	return ACE{Username: username, Permission: permission, Granted: granted}
}

// NewTimedACE returns a granting ACE limited to [begin, end]. Nil bounds are open.
func NewTimedACE(username, permission, creator string, begin, end *time.Time) ACE {
	return ACE{
		Username:   username,
		Permission: permission,
		Granted:    true,
		Creator:    creator,
		Begin:      begin,
		End:        end,
	}
}

// IsDenied reports whether the entry denies its permission.
func (a ACE) IsDenied() bool {
	return !a.Granted
}

// ID encodes the entry as username:permission:granted:creator:begin:end,
// begin and end being epoch milliseconds or empty.
func (a ACE) ID() string {
	var b strings.Builder
	b.WriteString(a.Username)
	b.WriteByte(':')
	b.WriteString(a.Permission)
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(a.Granted))
	b.WriteByte(':')
	b.WriteString(a.Creator)
	b.WriteByte(':')
	if a.Begin != nil {
		b.WriteString(strconv.FormatInt(a.Begin.UnixMilli(), 10))
	}
	b.WriteByte(':')
	if a.End != nil {
		b.WriteString(strconv.FormatInt(a.End.UnixMilli(), 10))
	}
	return b.String()
}

// ParseACEID decodes an id produced by ACE.ID. Trailing empty fields may be omitted,
// but username, permission and granted are mandatory.
func ParseACEID(id string) (ACE, error) {
	parts := strings.Split(id, ":")
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return ACE{}, errors.NotValidf("ACE id %q", id)
	}
	granted, err := strconv.ParseBool(parts[2])
	if err != nil {
		return ACE{}, errors.NotValidf("ACE id %q granted flag", id)
	}
	ace := ACE{Username: parts[0], Permission: parts[1], Granted: granted}
	if len(parts) > 3 {
		ace.Creator = parts[3]
	}
	if len(parts) > 4 && parts[4] != "" {
		t, err := parseMillis(parts[4])
		if err != nil {
			return ACE{}, errors.NotValidf("ACE id %q begin date", id)
		}
		ace.Begin = &t
	}
	if len(parts) > 5 && parts[5] != "" {
		t, err := parseMillis(parts[5])
		if err != nil {
			return ACE{}, errors.NotValidf("ACE id %q end date", id)
		}
		ace.End = &t
	}
	return ace, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Status returns the temporal status of the entry at now.
func (a ACE) Status(now time.Time) Status {
	if a.Begin != nil && now.Before(*a.Begin) {
		return StatusPending
	}
	if a.End != nil && now.After(*a.End) {
		return StatusArchived
	}
	return StatusEffective
}

// IsEffective reports whether the entry applies at now.
func (a ACE) IsEffective(now time.Time) bool {
	return a.Status(now) == StatusEffective
}

// Equal compares every field, dates by instant.
func (a ACE) Equal(b ACE) bool {
	return a.Username == b.Username &&
		a.Permission == b.Permission &&
		a.Granted == b.Granted &&
		a.Creator == b.Creator &&
		sameInstant(a.Begin, b.Begin) &&
		sameInstant(a.End, b.End)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (a ACE) String() string {
	return a.ID()
}

// blockACE denies everything to everyone; placed last in an ACL it stops inheritance.
var blockACE = NewACE(Everyone, Everything, false)

// IsBlockInheritance reports whether the entry is the inheritance blocker.
func (a ACE) IsBlockInheritance() bool {
	return a.Equal(blockACE)
}
