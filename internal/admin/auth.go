package admin

// Authorizer decides who may run admin-only commands.
type Authorizer struct {
	adminID int64
}

func NewAuthorizer(adminID int64) Authorizer {
	return Authorizer{adminID: adminID}
}

func (a Authorizer) IsAuthorized(userID int64) bool {
	return a.adminID != 0 && userID == a.adminID
}
