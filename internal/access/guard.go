package access

import (
	"context"

	"pix-billing/internal/apperr"
	"pix-billing/internal/db"
)

type Role int

const (
	Superadmin Role = iota + 1
	Payer
	TenantAdmin
)

func (r Role) String() string {
	switch r {
	case Superadmin:
		return "superadmin"
	case Payer:
		return "payer"
	case TenantAdmin:
		return "tenant_admin"
	default:
		return "none"
	}
}

var ErrForbidden = apperr.New(apperr.Forbidden, "not allowed to act on this payment")

// Caller is the end user a trusted front end acts for.
type Caller struct {
	ID string
}

type AdminLookup interface {
	IsAdmin(ctx context.Context, tenantID, userID string) (bool, error)
}

type Guard struct {
	superadmins       map[string]struct{}
	admins            AdminLookup
	unclaimedTenantID string
}

func NewGuard(superadmins []string, admins AdminLookup, unclaimedTenantID string) *Guard {
	set := make(map[string]struct{}, len(superadmins))
	for _, id := range superadmins {
		set[id] = struct{}{}
	}
	return &Guard{superadmins: set, admins: admins, unclaimedTenantID: unclaimedTenantID}
}

func (g *Guard) IsSuperadmin(caller Caller) bool {
	_, ok := g.superadmins[caller.ID]
	return ok && caller.ID != ""
}

// Authorize returns the strongest role caller holds over payment. Payments
// of the unclaimed placeholder tenant have no admins, only their payer.
func (g *Guard) Authorize(ctx context.Context, caller Caller, payment *db.PaymentEntity) (Role, error) {
	if caller.ID == "" {
		return 0, ErrForbidden
	}
	if g.IsSuperadmin(caller) {
		return Superadmin, nil
	}
	if caller.ID == payment.PayerID {
		return Payer, nil
	}
	if payment.TenantID == g.unclaimedTenantID {
		return 0, ErrForbidden
	}

	ok, err := g.admins.IsAdmin(ctx, payment.TenantID, caller.ID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrForbidden
	}
	return TenantAdmin, nil
}
