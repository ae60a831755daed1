// Package openai declares the graph shape written by the OpenAI intel module.
package openai

import "github.com/xkilldash9x/cartography/internal/graph/model"

const (
	OrgIDKwarg     = "ORG_ID"
	ProjectIDKwarg = "project_id"

	OrganizationLabel = "OpenAIOrganization"
	ProjectLabel      = "OpenAIProject"
	UserLabel         = "OpenAIUser"
	APIKeyLabel       = "OpenAIProjectAPIKey"
)

func lastUpdated() model.Properties {
	return model.Properties{model.PropLastUpdated: model.KwargRef(model.PropLastUpdated)}
}

func resourceOf(label, kwarg string) *model.RelSchema {
	return &model.RelSchema{
		TargetNodeLabel:   label,
		TargetNodeMatcher: model.Properties{model.PropID: model.KwargRef(kwarg)},
		Direction:         model.Inward,
		RelLabel:          "RESOURCE",
		Properties:        lastUpdated(),
	}
}

// OrganizationSchema is the organization the admin key belongs to.
func OrganizationSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: OrganizationLabel,
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		UnscopedCleanup: true,
	}
}

// ProjectSchema is a project in the organization.
func ProjectSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: ProjectLabel,
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"name":        model.Ref("name"),
			"status":      model.Ref("status"),
			"created_at":  model.Ref("created_at"),
			"archived_at": model.Ref("archived_at"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(OrganizationLabel, OrgIDKwarg),
	}
}

// UserSchema is an organization user. project_ids and admin_project_ids list
// the projects the user belongs to and administers.
func UserSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: UserLabel,
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"name":        model.Ref("name"),
			"email":       model.Indexed("email"),
			"role":        model.Ref("role"),
			"added_at":    model.Ref("added_at"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(OrganizationLabel, OrgIDKwarg),
		OtherRelationships: []model.RelSchema{
			{
				TargetNodeLabel:   ProjectLabel,
				TargetNodeMatcher: model.Properties{model.PropID: {Name: "project_ids", OneToMany: true}},
				Direction:         model.Outward,
				RelLabel:          "MEMBER_OF",
				Properties:        lastUpdated(),
			},
			{
				TargetNodeLabel:   ProjectLabel,
				TargetNodeMatcher: model.Properties{model.PropID: {Name: "admin_project_ids", OneToMany: true}},
				Direction:         model.Outward,
				RelLabel:          "ADMIN_OF",
				Properties:        lastUpdated(),
			},
		},
	}
}

// APIKeySchema is a project API key, owned by the user who created it.
func APIKeySchema() model.NodeSchema {
	return model.NodeSchema{
		Label: APIKeyLabel,
		Properties: model.Properties{
			"id":             model.Ref("id"),
			"name":           model.Ref("name"),
			"redacted_value": model.Ref("redacted_value"),
			"created_at":     model.Ref("created_at"),
			"last_used_at":   model.Ref("last_used_at"),
			"lastupdated":    model.KwargRef("lastupdated"),
		},
		ExtraNodeLabels:         []string{"APIKey"},
		SubResourceRelationship: resourceOf(ProjectLabel, ProjectIDKwarg),
		OtherRelationships: []model.RelSchema{{
			TargetNodeLabel:   UserLabel,
			TargetNodeMatcher: model.Properties{model.PropID: model.Ref("owner_user_id")},
			Direction:         model.Inward,
			RelLabel:          "OWNS",
			Properties:        lastUpdated(),
		}},
	}
}
