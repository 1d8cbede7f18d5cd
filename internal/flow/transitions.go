package flow

import (
	"context"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

// effect applies one transition to the working turn.
type effect func(ctx context.Context, c *Controller, t *turn) error

type transitionKey struct {
	from   models.StateType
	intent models.Intent
}

// transitions maps (state, intent) to its effect. Pairs missing from the
// table are unknown transitions.
var transitions = map[transitionKey]effect{
	{models.StateMenu, models.IntentShowMenu}:        showMenu,
	{models.StateMenu, models.IntentRecordClosing}:   recordClosing,
	{models.StateMenu, models.IntentRecordDeposit}:   recordDeposit,
	{models.StateMenu, models.IntentRecordSupply}:    recordSupply,
	{models.StateMenu, models.IntentReviewSummary}:   reviewSummary,
	{models.StateMenu, models.IntentEscalateToHuman}: escalate,
	{models.StateMenu, models.IntentLogout}:          logout,

	{models.StateAwaitingSubstep, models.IntentShowMenu}:        showMenu,
	{models.StateAwaitingSubstep, models.IntentRecordClosing}:   recordClosing,
	{models.StateAwaitingSubstep, models.IntentRecordDeposit}:   recordDeposit,
	{models.StateAwaitingSubstep, models.IntentRecordSupply}:    recordSupply,
	{models.StateAwaitingSubstep, models.IntentConfirm}:         confirm,
	{models.StateAwaitingSubstep, models.IntentCancel}:          cancel,
	{models.StateAwaitingSubstep, models.IntentEscalateToHuman}: escalate,
	{models.StateAwaitingSubstep, models.IntentLogout}:          logout,
}

// lookupTransition returns the effect for (from, intent) if one exists.
func lookupTransition(from models.StateType, intent models.Intent) (effect, bool) {
	e, ok := transitions[transitionKey{from, intent}]
	return e, ok
}

// permitted reports whether role may request intent.
func permitted(role models.Role, intent models.Intent) bool {
	switch intent {
	case models.IntentShowMenu, models.IntentConfirm, models.IntentCancel,
		models.IntentEscalateToHuman, models.IntentLogout:
		return role != models.RoleUnauthenticated
	case models.IntentRecordClosing, models.IntentRecordDeposit:
		return role == models.RoleAttendant
	case models.IntentRecordSupply:
		return role == models.RoleSupplier
	case models.IntentReviewSummary:
		return role == models.RoleSupervisor
	default:
		return false
	}
}
