package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hasgeek/lastuser/scope"
	"github.com/hasgeek/lastuser/storage"
)

// ResourceGrant is one resolved scope entry: a resource and the actions
// requested on it. An empty action list means whole-resource access. The
// consent prompt is rendered from these.
type ResourceGrant struct {
	Resource *storage.Resource
	Actions  []*storage.ResourceAction
}

// resolveScope validates a requested scope set against the resource registry
// for a client. The reserved identity tokens bypass resource lookup. Every
// other token names a resource, or a resource/action pair with exactly one
// slash. A resource marked trusted is only grantable to a trusted client,
// regardless of the requesting user.
func (s *Server) resolveScope(ctx context.Context, client *storage.Client, requested scope.Set) ([]*ResourceGrant, *Error) {
	byResourceID := make(map[string]*ResourceGrant)
	var grants []*ResourceGrant

	for _, tok := range requested.Tokens() {
		if tok == scope.TokenID || tok == scope.TokenEmail {
			continue
		}

		parts := strings.Split(tok, "/")
		if len(parts) > 2 {
			return nil, ErrInvalidScope(fmt.Sprintf("too many / characters in %q in scope", tok))
		}
		resourceName := parts[0]

		resource, err := s.resources.GetResourceByName(ctx, resourceName)
		if err != nil {
			if errors.Is(err, storage.ErrResourceNotFound) {
				return nil, ErrInvalidScope(fmt.Sprintf("unknown resource %q in scope", resourceName))
			}
			s.Logger.Error("Resource lookup failed", "resource", resourceName, "error", err)
			return nil, ErrServerError("resource lookup failed")
		}
		if resource.Trusted && !client.Trusted {
			return nil, ErrInvalidScope(fmt.Sprintf("this application does not have access to resource %q", resourceName))
		}

		grant, ok := byResourceID[resource.ID]
		if !ok {
			grant = &ResourceGrant{Resource: resource}
			byResourceID[resource.ID] = grant
			grants = append(grants, grant)
		}

		// A bare trailing slash ("notes/") names no action and grants the
		// whole resource, same as the plain resource token.
		if len(parts) == 2 && parts[1] != "" {
			action, err := s.resources.GetResourceAction(ctx, resource.ID, parts[1])
			if err != nil {
				if errors.Is(err, storage.ErrResourceActionNotFound) {
					return nil, ErrInvalidScope(fmt.Sprintf("unknown action %q on resource %q in scope", parts[1], resourceName))
				}
				s.Logger.Error("Resource action lookup failed",
					"resource", resourceName, "action", parts[1], "error", err)
				return nil, ErrServerError("resource action lookup failed")
			}
			grant.Actions = append(grant.Actions, action)
		}
	}

	return grants, nil
}
