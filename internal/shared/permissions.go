package shared

// PermWildcard grants everything. Assigned only to the root role.
const PermWildcard = "*"

// User management permissions.
const (
	PermUsersView   = "users.view"
	PermUsersCreate = "users.create"
	PermUsersUpdate = "users.update"
	PermUsersDelete = "users.delete"
)

// Role management permissions.
const (
	PermRolesView   = "roles.view"
	PermRolesCreate = "roles.create"
	PermRolesEdit   = "roles.edit"
	PermRolesDelete = "roles.delete"
	PermRolesManage = "roles.manage"
)

// Ticket permissions.
const (
	PermTicketsCreate       = "tickets.create"
	PermTicketsEdit         = "tickets.edit"
	PermTicketsDelete       = "tickets.delete"
	PermTicketsViewAll      = "tickets.view_all"
	PermTicketsViewCompany  = "tickets.view_company"
	PermTicketsViewOwn      = "tickets.view_own"
	PermTicketsViewAssigned = "tickets.view_assigned"
	PermTicketsAssign       = "tickets.assign"
	PermTicketsDelegate     = "tickets.delegate"
	PermTicketsChangeStatus = "tickets.change_status"
)

// Company (tenant) management permissions.
const (
	PermCompaniesCreate  = "companies.create"
	PermCompaniesUpdate  = "companies.update"
	PermCompaniesDelete  = "companies.delete"
	PermCompaniesSuspend = "companies.suspend"
)

// CompanyAdminGrants is the bundle seeded onto a tenant's admin role when the
// company is provisioned.
func CompanyAdminGrants() []string {
	return []string{
		PermUsersView, PermUsersCreate, PermUsersUpdate, PermUsersDelete,
		PermRolesView, PermRolesCreate, PermRolesEdit, PermRolesDelete,
		PermTicketsCreate, PermTicketsEdit, PermTicketsDelete,
		PermTicketsViewAll, PermTicketsAssign, PermTicketsDelegate,
		PermTicketsChangeStatus,
	}
}

// SupportGrants is the bundle for a tenant's support agents.
func SupportGrants() []string {
	return []string{
		PermTicketsViewAll, PermTicketsViewAssigned,
		PermTicketsChangeStatus, PermTicketsDelegate, PermTicketsEdit,
	}
}

// EndUserGrants is the bundle for an ordinary requester.
func EndUserGrants() []string {
	return []string{PermTicketsCreate, PermTicketsViewOwn}
}

// RootGrants is the stored bundle for the root role. Resolution treats the
// root role as universal regardless of what is stored here.
func RootGrants() []string {
	return []string{PermWildcard}
}
