// Package permission implements the access predicate applied to documents.
// The same rule is evaluated two ways: in process against loaded records,
// and as a filter fragment compiled into every search query so results are
// filtered at the index rather than post-hoc.
package permission

import (
	"fmt"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
)

// Actor is the authenticated caller. A nil Actor means anonymous.
type Actor struct {
	UserID      string
	OrgID       string
	RoleCodes   []string
	IsSuperuser bool
}

// Resource is the permission snapshot of a document version: the owner and
// org come from the group, the sharing fields from the version.
type Resource struct {
	OwnerID         string
	OrgID           string
	Visibility      string
	SharedUserIDs   []string
	SharedRoleCodes []string
}

// ResourceOf flattens a group and version into the predicate inputs.
func ResourceOf(group *db.DocumentGroup, version *db.DocumentVersion) Resource {
	r := Resource{
		Visibility:      version.Visibility,
		SharedUserIDs:   version.SharedUserIDs,
		SharedRoleCodes: version.SharedRoleCodes,
	}
	if group.OwnerID != nil {
		r.OwnerID = *group.OwnerID
	}
	if group.OrgID != nil {
		r.OrgID = *group.OrgID
	}
	return r
}

// CanRead evaluates the access predicate: superuser, owner, public
// visibility, same-organization visibility, direct user share, or role
// share. Anonymous callers only read public documents.
func CanRead(actor *Actor, res Resource) bool {
	if res.Visibility == db.VisibilityPublic {
		return true
	}
	if actor == nil {
		return false
	}
	if actor.IsSuperuser {
		return true
	}
	if res.OwnerID != "" && actor.UserID == res.OwnerID {
		return true
	}
	if res.Visibility == db.VisibilityOrganization && res.OrgID != "" && actor.OrgID == res.OrgID {
		return true
	}
	for _, id := range res.SharedUserIDs {
		if id == actor.UserID {
			return true
		}
	}
	for _, code := range res.SharedRoleCodes {
		for _, have := range actor.RoleCodes {
			if code == have {
				return true
			}
		}
	}
	return false
}

// CanModify gates writes: permission changes, deletes, restores. Only the
// owner and superusers modify a document; sharing never grants writes.
func CanModify(actor *Actor, res Resource) bool {
	if actor == nil {
		return false
	}
	if actor.IsSuperuser {
		return true
	}
	return res.OwnerID != "" && actor.UserID == res.OwnerID
}

// RequireRead returns a classified permission error when access is denied.
func RequireRead(actor *Actor, res Resource) error {
	if CanRead(actor, res) {
		return nil
	}
	return common.Permission(fmt.Errorf("access denied"))
}

// RequireModify returns a classified permission error when the caller may
// not change the document.
func RequireModify(actor *Actor, res Resource) error {
	if CanModify(actor, res) {
		return nil
	}
	return common.Permission(fmt.Errorf("modification denied"))
}

// ValidVisibility reports whether v is one of the accepted values.
func ValidVisibility(v string) bool {
	switch v {
	case db.VisibilityPublic, db.VisibilityOrganization, db.VisibilityPrivate:
		return true
	}
	return false
}

// QueryFilter compiles the predicate into a bool fragment for the search
// index. The fragment is ANDed into every query as a filter clause, so the
// caller never sees a chunk the predicate would deny.
func QueryFilter(actor *Actor) map[string]interface{} {
	should := []map[string]interface{}{
		{"term": map[string]interface{}{"metadata.visibility": db.VisibilityPublic}},
	}

	if actor != nil {
		if actor.IsSuperuser {
			return map[string]interface{}{"match_all": map[string]interface{}{}}
		}
		should = append(should, map[string]interface{}{
			"term": map[string]interface{}{"metadata.owner_id": actor.UserID},
		})
		if actor.OrgID != "" {
			should = append(should, map[string]interface{}{
				"bool": map[string]interface{}{
					"must": []map[string]interface{}{
						{"term": map[string]interface{}{"metadata.visibility": db.VisibilityOrganization}},
						{"term": map[string]interface{}{"metadata.org_id": actor.OrgID}},
					},
				},
			})
		}
		should = append(should, map[string]interface{}{
			"term": map[string]interface{}{"metadata.shared_with_users": actor.UserID},
		})
		if len(actor.RoleCodes) > 0 {
			should = append(should, map[string]interface{}{
				"terms": map[string]interface{}{"metadata.shared_with_roles": actor.RoleCodes},
			})
		}
	}

	return map[string]interface{}{
		"bool": map[string]interface{}{
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}
