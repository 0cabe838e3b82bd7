// Package nxql parses and evaluates NXQL, the SQL-like document query language.
package nxql

import "strings"

// Language name.
const NXQL = "NXQL"

// System properties.
const (
	ECMPrefix               = "ecm:"
	ECMUUID                 = "ecm:uuid"
	ECMPath                 = "ecm:path"
	ECMName                 = "ecm:name"
	ECMPos                  = "ecm:pos"
	ECMParentID             = "ecm:parentId"
	ECMMixinType            = "ecm:mixinType"
	ECMPrimaryType          = "ecm:primaryType"
	ECMIsProxy              = "ecm:isProxy"
	ECMIsVersion            = "ecm:isVersion"
	ECMIsVersionOld         = "ecm:isCheckedInVersion"
	ECMLifeCycleState       = "ecm:currentLifeCycleState"
	ECMVersionLabel         = "ecm:versionLabel"
	ECMFulltext             = "ecm:fulltext"
	ECMFulltextJobID        = "ecm:fulltextJobId"
	ECMFulltextScore        = "ecm:fulltextScore"
	ECMLock                 = "ecm:lock"
	ECMLockOwner            = "ecm:lockOwner"
	ECMLockCreated          = "ecm:lockCreated"
	ECMTag                  = "ecm:tag"
	ECMProxyTargetID        = "ecm:proxyTargetId"
	ECMProxyVersionableID   = "ecm:proxyVersionableId"
	ECMIsCheckedIn          = "ecm:isCheckedIn"
	ECMIsLatestVersion      = "ecm:isLatestVersion"
	ECMIsLatestMajorVersion = "ecm:isLatestMajorVersion"
	ECMVersionCreated       = "ecm:versionCreated"
	ECMVersionDescription   = "ecm:versionDescription"
	ECMVersionVersionableID = "ecm:versionVersionableId"
	ECMAncestorID           = "ecm:ancestorId"
	ECMACL                  = "ecm:acl"
)

// Sub-fields of ecm:acl/*/..., for instance ecm:acl/*/principal.
const (
	ECMACLPrincipal  = "principal"
	ECMACLPermission = "permission"
	ECMACLGrant      = "grant"
	ECMACLName       = "name"
	ECMACLPos        = "pos"
	ECMACLCreator    = "creator"
	ECMACLBegin      = "begin"
	ECMACLEnd        = "end"
)

// EscapeString quotes s as an NXQL string literal.
func EscapeString(s string) string {
	return "'" + EscapeStringInner(s) + "'"
}

// EscapeStringInner escapes backslashes and single quotes with a backslash.
func EscapeStringInner(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
