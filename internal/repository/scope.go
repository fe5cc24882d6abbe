package repository

import (
	"gorm.io/gorm"

	"fleet-mission-service/internal/model"
)

// applyDriverScope restricts a query to the rows a scope may see. column is
// the driver reference column of the queried table.
func applyDriverScope(query *gorm.DB, scope model.Scope, column string) *gorm.DB {
	switch scope.Type {
	case model.ScopeFleet:
		return query
	case model.ScopeDriver:
		if scope.DriverID == nil {
			return query.Where("1=0")
		}
		return query.Where(column+" = ?", *scope.DriverID)
	default:
		return query.Where("1=0")
	}
}
