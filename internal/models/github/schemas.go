// Package github declares the graph shape written by the GitHub intel module.
package github

import "github.com/xkilldash9x/cartography/internal/graph/model"

const (
	// OrgURLKwarg scopes users and repositories to the organization being synced.
	OrgURLKwarg       = "ORG_URL"
	OrganizationLabel = "GitHubOrganization"
	UserLabel         = "GitHubUser"
	RepositoryLabel   = "GitHubRepository"
)

// Permissions in the order GitHub ranks them, highest first.
var Permissions = []string{"ADMIN", "MAINTAIN", "WRITE", "TRIAGE", "READ"}

// CollaboratorListKey is the repository record key holding the user ids with permission.
func CollaboratorListKey(permission string) string {
	switch permission {
	case "ADMIN":
		return "direct_collab_admin"
	case "MAINTAIN":
		return "direct_collab_maintain"
	case "WRITE":
		return "direct_collab_write"
	case "TRIAGE":
		return "direct_collab_triage"
	default:
		return "direct_collab_read"
	}
}

func lastUpdated() model.Properties {
	return model.Properties{model.PropLastUpdated: model.KwargRef(model.PropLastUpdated)}
}

func toOrg(rel string) *model.RelSchema {
	return &model.RelSchema{
		TargetNodeLabel:   OrganizationLabel,
		TargetNodeMatcher: model.Properties{model.PropID: model.KwargRef(OrgURLKwarg)},
		Direction:         model.Outward,
		RelLabel:          rel,
		Properties:        lastUpdated(),
	}
}

// OrganizationSchema is never cleaned up: an organization outlives any single sync.
func OrganizationSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: OrganizationLabel,
		Properties: model.Properties{
			"id":          model.Ref("url"),
			"username":    model.Indexed("login"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
	}
}

func userProperties() model.Properties {
	return model.Properties{
		"id":            model.Ref("url"),
		"username":      model.Indexed("login"),
		"fullname":      model.Ref("name"),
		"is_site_admin": model.Ref("site_admin"),
		"lastupdated":   model.KwargRef("lastupdated"),
	}
}

// MemberSchema is a user that belongs to the organization.
func MemberSchema() model.NodeSchema {
	props := userProperties()
	props["role"] = model.Ref("role")
	return model.NodeSchema{
		Label:                   UserLabel,
		Properties:              props,
		SubResourceRelationship: toOrg("MEMBER_OF"),
	}
}

// UnaffiliatedUserSchema is an outside collaborator on one of the organization's repositories.
func UnaffiliatedUserSchema() model.NodeSchema {
	return model.NodeSchema{
		Label:                   UserLabel,
		Properties:              userProperties(),
		SubResourceRelationship: toOrg("UNAFFILIATED"),
	}
}

// RepositorySchema is an organization-owned repository. Its direct
// collaborators are attached from the per-permission lists on each record.
func RepositorySchema() model.NodeSchema {
	rels := make([]model.RelSchema, 0, len(Permissions))
	for _, p := range Permissions {
		rels = append(rels, model.RelSchema{
			TargetNodeLabel:   UserLabel,
			TargetNodeMatcher: model.Properties{model.PropID: {Name: CollaboratorListKey(p), OneToMany: true}},
			Direction:         model.Inward,
			RelLabel:          "DIRECT_COLLAB_" + p,
			Properties:        lastUpdated(),
		})
	}
	return model.NodeSchema{
		Label: RepositoryLabel,
		Properties: model.Properties{
			"id":              model.Ref("url"),
			"name":            model.Ref("name"),
			"fullname":        model.Indexed("fullname"),
			"description":     model.Ref("description"),
			"private":         model.Ref("private"),
			"archived":        model.Ref("archived"),
			"defaultbranch":   model.Ref("default_branch"),
			"primarylanguage": model.Ref("language"),
			"createdat":       model.Ref("created_at"),
			"updatedat":       model.Ref("updated_at"),
			"lastupdated":     model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: toOrg("OWNER"),
		OtherRelationships:      rels,
	}
}
