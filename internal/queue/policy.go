package queue

import "github.com/marcus/cashew/internal/models"

// priorityPolicy is the data-driven priority table keyed by entity type and
// operation. Keeping it as one table (rather than conditionals scattered
// through enqueue paths) makes the rules auditable and testable in isolation.
// Ledger-affecting operations are always high: a queued payment must reach
// the server before, say, a profile rename.
var priorityPolicy = map[models.EntityType]map[models.Operation]models.Priority{
	models.EntityAccounts: {
		models.OpCreate: models.PriorityHigh,
		models.OpUpdate: models.PriorityHigh,
		models.OpDelete: models.PriorityHigh,
	},
	models.EntityTransactions: {
		models.OpCreate: models.PriorityHigh,
		models.OpUpdate: models.PriorityHigh,
		models.OpDelete: models.PriorityHigh,
	},
	models.EntityTickets: {
		models.OpCreate: models.PriorityNormal,
		models.OpUpdate: models.PriorityNormal,
		models.OpDelete: models.PriorityNormal,
	},
	models.EntityProfiles: {
		models.OpCreate: models.PriorityNormal,
		models.OpUpdate: models.PriorityLow,
		models.OpDelete: models.PriorityNormal,
	},
}

// PriorityFor returns the transmission priority for a mutation. Unknown
// combinations default to normal rather than failing: a new entity type
// should sync correctly before its policy row is tuned.
func PriorityFor(entityType models.EntityType, op models.Operation) models.Priority {
	if ops, ok := priorityPolicy[entityType]; ok {
		if p, ok := ops[op]; ok {
			return p
		}
	}
	return models.PriorityNormal
}
