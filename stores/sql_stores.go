package stores

import (
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// NewSQLStores wires every SQL adapter to one database. The super-admin
// directory reads the users table; swap in a RedisSuperAdminDirectory to
// share the flag across services.
func NewSQLStores(db *squealx.DB) (propauthz.Stores, error) {
	audit, err := NewSQLAuditStore(db)
	if err != nil {
		return propauthz.Stores{}, err
	}
	return propauthz.Stores{
		Plans:         NewSQLPlanCatalog(db),
		Subscriptions: NewSQLSubscriptionStore(db),
		Profiles:      NewSQLProfileStore(db),
		Users:         NewSQLUserStore(db),
		SuperAdmins:   NewSQLSuperAdminDirectory(db),
		Usage:         NewSQLUsageStore(db),
		Records:       NewSQLRecordLocator(db),
		Audit:         audit,
	}, nil
}
