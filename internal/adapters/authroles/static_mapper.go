// Package authroles maps identity-provider group claims to application roles.
package authroles

import (
	"strings"

	domainauth "github.com/target/merrymaker/internal/domain/auth"
	"github.com/target/merrymaker/internal/ports"
)

// StaticMapperConfig names the provider groups that grant each role.
type StaticMapperConfig struct {
	AdminGroup     string
	UserGroup      string
	TransportGroup string
}

// StaticMapper grants the most privileged role any configured group matches.
// Group comparison is case-insensitive; members of no configured group are
// guests.
type StaticMapper struct {
	cfg StaticMapperConfig
}

// NewStaticMapper creates a StaticMapper.
func NewStaticMapper(cfg StaticMapperConfig) *StaticMapper {
	return &StaticMapper{cfg: cfg}
}

// Map resolves the caller's role from their group claims.
func (m *StaticMapper) Map(groups []string) domainauth.Role {
	if m.hasGroup(groups, m.cfg.AdminGroup) {
		return domainauth.RoleAdmin
	}
	if m.hasGroup(groups, m.cfg.UserGroup) {
		return domainauth.RoleUser
	}
	if m.hasGroup(groups, m.cfg.TransportGroup) {
		return domainauth.RoleTransport
	}
	return domainauth.RoleGuest
}

func (m *StaticMapper) hasGroup(groups []string, want string) bool {
	if want == "" {
		return false
	}
	for _, g := range groups {
		if strings.EqualFold(g, want) {
			return true
		}
	}
	return false
}

var _ ports.RoleMapper = (*StaticMapper)(nil)
