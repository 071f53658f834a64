// Package directory is the read side of the user and study-group directory
// that studyhub consults but does not own: does a user exist, is a user an
// approved member of a group, and who leads a group.
package directory

import (
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by GetUser for unknown ids.
var ErrNotFound = errors.New("directory: not found")

// User is the display projection of an identity.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// MemberStatus is a user's standing in a group.
type MemberStatus string

const (
	MemberPending  MemberStatus = "PENDING"
	MemberApproved MemberStatus = "APPROVED"
)

// Role is a user's role in a group.
type Role string

const (
	RoleLeader Role = "LEADER"
	RoleMember Role = "MEMBER"
)

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func clean(s string) string { return strings.TrimSpace(s) }
