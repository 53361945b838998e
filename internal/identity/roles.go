package identity

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTeam is returned when a team membership item was purchased but
// the "team" answer does not name a team in the role table.
var ErrUnknownTeam = errors.New("unknown team")

// Item categories understood by DeriveRoles.
const (
	CategoryTeamMember = "team_member"
	CategorySpeaker    = "speaker"
	CategorySprints    = "sprints"
)

// Role names that DeriveRoles looks up directly.
const (
	RoleSpeaker = "speaker"
	RoleSprints = "sprints"
	RoleSponsor = "sponsor"
)

// RoleTable maps Pretix items and answers onto Discord roles.
//
//	Roles – role name to Discord role ID.
//	Items – item category to the Pretix item IDs in that category.
//	Teams – team answer to the role names its members receive.
type RoleTable struct {
	Roles map[string]int64    `yaml:"roles"`
	Items map[string][]int64  `yaml:"items"`
	Teams map[string][]string `yaml:"teams"`
}

// DefaultRoleTable returns the table for the PyCon AU 2024 server.
func DefaultRoleTable() *RoleTable {
	return &RoleTable{
		Roles: map[string]int64{
			"volunteer":  1307641013493305379,
			"core":       1307641013493305380,
			"av":         1307641013493305378,
			"specialist": 1307641013258420242,
			"education":  1307641013258420238,
			"scientific": 1307641013258420241,
			"devoops":    1307641013258420240,
			RoleSpeaker:  1307641013493305377,
			RoleSprints:  1307641013258420237,
			RoleSponsor:  1307641013493305376,
		},
		Items: map[string][]int64{
			CategoryTeamMember: {569202, 637767},
			CategorySpeaker:    {569203, 637766},
			CategorySprints:    {569209, 569215, 569216},
		},
		Teams: map[string][]string{
			"Volunteer Team":    {"volunteer"},
			"Core Team":         {"core"},
			"AV Team":           {"av"},
			"Education":         {"specialist", "education"},
			"Scientific Python": {"specialist", "scientific"},
			"All Things Data":   {"specialist", "scientific"},
			"DevOops":           {"specialist", "devoops"},
		},
	}
}

// LoadRoleTable reads a YAML role table from path and validates it.
func LoadRoleTable(path string) (*RoleTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role table: %w", err)
	}
	var t RoleTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse role table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that every role name referenced by a team or by
// DeriveRoles itself is defined.
func (t *RoleTable) Validate() error {
	for _, name := range []string{RoleSpeaker, RoleSprints, RoleSponsor} {
		if _, ok := t.Roles[name]; !ok {
			return fmt.Errorf("role table: missing role %q", name)
		}
	}
	for team, names := range t.Teams {
		for _, name := range names {
			if _, ok := t.Roles[name]; !ok {
				return fmt.Errorf("role table: team %q references unknown role %q", team, name)
			}
		}
	}
	return nil
}

// DeriveRoles works out the Discord roles for an order.  The result has no
// duplicates and is sorted so that equal inputs always give equal output,
// whatever order the items arrive in.  Items outside every category add
// nothing.
func (t *RoleTable) DeriveRoles(items []int64, answers map[string]string) ([]int64, error) {
	set := make(map[int64]struct{})
	for _, item := range items {
		if slices.Contains(t.Items[CategoryTeamMember], item) {
			team := answers[AnswerTeam]
			names, ok := t.Teams[team]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownTeam, team)
			}
			for _, name := range names {
				set[t.Roles[name]] = struct{}{}
			}
		}
		if slices.Contains(t.Items[CategorySpeaker], item) {
			set[t.Roles[RoleSpeaker]] = struct{}{}
		}
		if slices.Contains(t.Items[CategorySprints], item) {
			set[t.Roles[RoleSprints]] = struct{}{}
		}
	}
	if answers[AnswerSponsor] == answerTrue {
		set[t.Roles[RoleSponsor]] = struct{}{}
	}

	roles := make([]int64, 0, len(set))
	for id := range set {
		roles = append(roles, id)
	}
	slices.Sort(roles)
	return roles, nil
}
