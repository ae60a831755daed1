// Package cloudflare declares the graph shape written by the Cloudflare intel module.
package cloudflare

import "github.com/xkilldash9x/cartography/internal/graph/model"

const (
	AccountIDKwarg = "ACCOUNT_ID"
	ZoneIDKwarg    = "ZONE_ID"

	AccountLabel   = "CloudflareAccount"
	ZoneLabel      = "CloudflareZone"
	DNSRecordLabel = "CloudflareDNSRecord"
)

func resourceOf(label, kwarg string) *model.RelSchema {
	return &model.RelSchema{
		TargetNodeLabel:   label,
		TargetNodeMatcher: model.Properties{model.PropID: model.KwargRef(kwarg)},
		Direction:         model.Inward,
		RelLabel:          "RESOURCE",
		Properties:        model.Properties{model.PropLastUpdated: model.KwargRef(model.PropLastUpdated)},
	}
}

// AccountSchema is every account visible to the API token.
func AccountSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: AccountLabel,
		Properties: model.Properties{
			"id":                model.Ref("id"),
			"name":              model.Ref("name"),
			"type":              model.Ref("type"),
			"created_on":        model.Ref("created_on"),
			"enforce_twofactor": model.Ref("enforce_twofactor"),
			"lastupdated":       model.KwargRef("lastupdated"),
		},
		UnscopedCleanup: true,
	}
}

// ZoneSchema is a zone owned by an account.
func ZoneSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: ZoneLabel,
		Properties: model.Properties{
			"id":           model.Ref("id"),
			"name":         model.Indexed("name"),
			"status":       model.Ref("status"),
			"paused":       model.Ref("paused"),
			"type":         model.Ref("type"),
			"name_servers": model.Ref("name_servers"),
			"created_on":   model.Ref("created_on"),
			"modified_on":  model.Ref("modified_on"),
			"lastupdated":  model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: resourceOf(AccountLabel, AccountIDKwarg),
	}
}

// DNSRecordSchema is a record in a zone.
func DNSRecordSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: DNSRecordLabel,
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"name":        model.Indexed("name"),
			"type":        model.Ref("type"),
			"value":       model.Ref("content"),
			"proxied":     model.Ref("proxied"),
			"ttl":         model.Ref("ttl"),
			"comment":     model.Ref("comment"),
			"created_on":  model.Ref("created_on"),
			"modified_on": model.Ref("modified_on"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		ExtraNodeLabels:         []string{"DNSRecord"},
		SubResourceRelationship: resourceOf(ZoneLabel, ZoneIDKwarg),
	}
}
