package service

import "fleet-mission-service/internal/model"

func resolveScope(principal model.Principal) (model.Scope, error) {
	scope, ok := model.ScopeFor(principal)
	if !ok {
		return model.Scope{}, ErrPermissionDenied
	}
	return scope, nil
}
