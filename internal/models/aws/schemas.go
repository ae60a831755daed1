// Package aws declares the graph shape written by the AWS intel module.
package aws

import "github.com/xkilldash9x/cartography/internal/graph/model"

// Scope kwargs and labels shared by the AWS schemas.
const (
	AccountIDKwarg = "AWS_ID"
	RegionKwarg    = "Region"
	AccountLabel   = "AWSAccount"
	PrincipalLabel = "AWSPrincipal"
)

func lastUpdated() model.Properties {
	return model.Properties{model.PropLastUpdated: model.KwargRef(model.PropLastUpdated)}
}

// resourceOf is the (:AWSAccount)-[:RESOURCE]->(node) anchor used for cleanup scoping.
func resourceOf() *model.RelSchema {
	return &model.RelSchema{
		TargetNodeLabel:   AccountLabel,
		TargetNodeMatcher: model.Properties{model.PropID: model.KwargRef(AccountIDKwarg)},
		Direction:         model.Inward,
		RelLabel:          "RESOURCE",
		Properties:        lastUpdated(),
	}
}

// AccountSchema is shared by every account sync, so it is never cleaned up by scope.
func AccountSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: AccountLabel,
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"name":        model.Ref("name"),
			"inscope":     model.Ref("inscope"),
			"foreign":     model.Ref("foreign"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		UnscopedCleanup: true,
	}
}

// UserSchema is an IAM user.
func UserSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: "AWSUser",
		Properties: model.Properties{
			"id":               model.Ref("arn"),
			"arn":              model.Indexed("arn"),
			"userid":           model.Ref("userid"),
			"name":             model.Ref("name"),
			"path":             model.Ref("path"),
			"createdate":       model.Ref("createdate"),
			"passwordlastused": model.Ref("passwordlastused"),
			"lastupdated":      model.KwargRef("lastupdated"),
		},
		ExtraNodeLabels:         []string{PrincipalLabel},
		SubResourceRelationship: resourceOf(),
	}
}

// RoleSchema is an IAM role.
func RoleSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: "AWSRole",
		Properties: model.Properties{
			"id":          model.Ref("arn"),
			"arn":         model.Indexed("arn"),
			"roleid":      model.Ref("roleid"),
			"name":        model.Ref("name"),
			"path":        model.Ref("path"),
			"createdate":  model.Ref("createdate"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		ExtraNodeLabels:         []string{PrincipalLabel},
		SubResourceRelationship: resourceOf(),
	}
}

// S3BucketSchema is an S3 bucket. Bucket names are globally unique.
func S3BucketSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: "S3Bucket",
		Properties: model.Properties{
			"id":           model.Ref("name"),
			"name":         model.Ref("name"),
			"arn":          model.Indexed("arn"),
			"region":       model.Ref("region"),
			"creationdate": model.Ref("creationdate"),
			"lastupdated":  model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(),
	}
}

// ECRRepositorySchema is an ECR repository.
func ECRRepositorySchema() model.NodeSchema {
	return model.NodeSchema{
		Label: "ECRRepository",
		Properties: model.Properties{
			"id":          model.Ref("arn"),
			"arn":         model.Ref("arn"),
			"name":        model.Ref("name"),
			"uri":         model.Indexed("uri"),
			"created_at":  model.Ref("created_at"),
			"region":      model.KwargRef(RegionKwarg),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(),
	}
}

// ECRImageSchema is an image manifest, identified by digest. The same digest
// can be pushed to several regions, so region lives on ECRRepositoryImage.
func ECRImageSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: "ECRImage",
		Properties: model.Properties{
			"id":          model.Ref("digest"),
			"digest":      model.Ref("digest"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(),
	}
}

// ECRRepositoryImageSchema is a tag (or untagged digest) within a repository.
func ECRRepositoryImageSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: "ECRRepositoryImage",
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"tag":         model.Ref("tag"),
			"uri":         model.Ref("uri"),
			"repo_uri":    model.Ref("repo_uri"),
			"region":      model.KwargRef(RegionKwarg),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(),
		OtherRelationships: []model.RelSchema{
			{
				TargetNodeLabel:   "ECRRepository",
				TargetNodeMatcher: model.Properties{"uri": model.Ref("repo_uri")},
				Direction:         model.Inward,
				RelLabel:          "REPO_IMAGE",
				Properties:        lastUpdated(),
			},
			{
				TargetNodeLabel:   "ECRImage",
				TargetNodeMatcher: model.Properties{"id": model.Ref("digest")},
				Direction:         model.Outward,
				RelLabel:          "IMAGE",
				Properties:        lastUpdated(),
			},
		},
	}
}

func assumptionProperties() model.Properties {
	return model.Properties{
		model.PropLastUpdated:       model.KwargRef(model.PropLastUpdated),
		model.PropSubResourceLabel:  model.KwargRef(model.PropSubResourceLabel),
		model.PropSubResourceID:     model.KwargRef(model.PropSubResourceID),
		"times_used":                model.Ref("times_used"),
		"first_seen_in_time_window": model.Ref("first_seen_in_time_window"),
		"last_used":                 model.Ref("last_used"),
	}
}

// AssumedRoleMatchLink links any principal to the role it assumed via sts:AssumeRole.
func AssumedRoleMatchLink() model.MatchLinkSchema {
	return model.MatchLinkSchema{
		SourceNodeLabel:   PrincipalLabel,
		SourceNodeMatcher: model.Properties{"arn": model.Ref("source_principal_arn")},
		TargetNodeLabel:   "AWSRole",
		TargetNodeMatcher: model.Properties{"arn": model.Ref("destination_principal_arn")},
		Direction:         model.Outward,
		RelLabel:          "ASSUMED_ROLE",
		Properties:        assumptionProperties(),
	}
}

// AssumedRoleWithSAMLMatchLink links an Identity Center user to the role it assumed.
func AssumedRoleWithSAMLMatchLink() model.MatchLinkSchema {
	return model.MatchLinkSchema{
		SourceNodeLabel:   "AWSSSOUser",
		SourceNodeMatcher: model.Properties{"user_name": model.Ref("source_user_name")},
		TargetNodeLabel:   "AWSRole",
		TargetNodeMatcher: model.Properties{"arn": model.Ref("destination_principal_arn")},
		Direction:         model.Outward,
		RelLabel:          "ASSUMED_ROLE_WITH_SAML",
		Properties:        assumptionProperties(),
	}
}

// GitHubRepoAssumedRoleMatchLink links a GitHub repository whose Actions
// workflows assumed a role through the GitHub OIDC provider.
func GitHubRepoAssumedRoleMatchLink() model.MatchLinkSchema {
	return model.MatchLinkSchema{
		SourceNodeLabel:   "GitHubRepository",
		SourceNodeMatcher: model.Properties{"fullname": model.Ref("source_repo_fullname")},
		TargetNodeLabel:   "AWSRole",
		TargetNodeMatcher: model.Properties{"arn": model.Ref("destination_principal_arn")},
		Direction:         model.Outward,
		RelLabel:          "ASSUMED_ROLE_WITH_WEB_IDENTITY",
		Properties:        assumptionProperties(),
	}
}
