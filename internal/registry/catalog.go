package registry

// Module is a named business domain used as the unit of coarse access control.
type Module string

const (
	ModuleAttendance    Module = "attendance"
	ModuleSales         Module = "sales"
	ModuleInventory     Module = "inventory"
	ModuleExpenses      Module = "expenses"
	ModuleMaintenance   Module = "maintenance"
	ModuleBuyers        Module = "buyers"
	ModuleCompanyConfig Module = "companyconfig"
)

// Catalog maps every module to the tokens that constitute access to it.
type Catalog map[Module][]Token

func crud(domain, entity string) []Token {
	return []Token{
		T(domain, ActionView, entity),
		T(domain, ActionAdd, entity),
		T(domain, ActionChange, entity),
		T(domain, ActionDelete, entity),
	}
}

func join(groups ...[]Token) []Token {
	var out []Token
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// DefaultCatalog is the portal's module catalog. Tokens shared between
// modules (billing.view_invoice, inventory.view_inventoryitem,
// buyers.view_buyer) are only revoked once no sanctioning module remains.
// companyconfig has no tokens; it gates portal pages only.
func DefaultCatalog() Catalog {
	return Catalog{
		ModuleAttendance: join(
			crud("attendance", "attendancerecord"),
			crud("attendance", "employee"),
		),
		ModuleSales: join(
			crud("sales", "sale"),
			[]Token{
				T("billing", ActionView, "invoice"),
				T("billing", ActionAdd, "invoice"),
				T("buyers", ActionView, "buyer"),
			},
		),
		ModuleInventory: join(
			crud("inventory", "inventoryitem"),
			[]Token{
				T("inventory", ActionView, "stockmovement"),
				T("inventory", ActionAdd, "stockmovement"),
			},
		),
		ModuleExpenses: join(
			crud("expenses", "expense"),
			[]Token{T("billing", ActionView, "invoice")},
		),
		ModuleMaintenance: join(
			crud("maintenance", "maintenancetask"),
			[]Token{T("inventory", ActionView, "inventoryitem")},
		),
		ModuleBuyers:        crud("buyers", "buyer"),
		ModuleCompanyConfig: nil,
	}
}
