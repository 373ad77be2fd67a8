package models

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleCustomer UserRole = "CUSTOMER"
	RoleReviewer UserRole = "REVIEWER"
	RoleAdmin    UserRole = "ADMIN"
)

// Actor is the authenticated principal performing a document operation.
type Actor struct {
	UserID string
	Role   UserRole
	Origin string
}

// IsStaff reports whether the actor may act on any claim.
func (a *Actor) IsStaff() bool {
	return a != nil && (a.Role == RoleReviewer || a.Role == RoleAdmin)
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
