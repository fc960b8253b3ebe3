package exchange

import "github.com/yusufizzetmurat/timebank/internal/catalog"

// Roles names the three seats in a handshake. The receiver consumes the
// service and pays for it; the provider performs it and is credited at
// settlement. Receiver and payer are always the same member.
type Roles struct {
	Payer    string
	Provider string
	Receiver string
}

// DeriveRoles is a pure function of the service type. For an offer the
// requester consumes and pays the owner; for a need the owner consumes and
// pays the requester.
func DeriveRoles(serviceType catalog.ServiceType, ownerID, requesterID string) Roles {
	if serviceType == catalog.TypeNeed {
		return Roles{Payer: ownerID, Provider: requesterID, Receiver: ownerID}
	}
	return Roles{Payer: requesterID, Provider: ownerID, Receiver: requesterID}
}
