// Package rbac decides who may mutate a piece of den content.
//
// Dens have no roles beyond ownership: the author of a post or comment may
// change it, and the creator of the den that contains it may remove it.
package rbac

type Reason string

const (
	ReasonNone       Reason = ""
	ReasonAuthor     Reason = "author"
	ReasonDenCreator Reason = "den_creator"
)

// Ownership is the chain resolved for a target: its author and the creator
// of the den it ultimately belongs to.
type Ownership struct {
	AuthorID     int64
	DenCreatorID int64
}

type Decision struct {
	Allowed bool
	Reason  Reason
}

// CanMutate is pure; callers resolve the ownership chain inside the same
// transaction that performs the mutation.
func CanMutate(actorID int64, owner Ownership) Decision {
	if actorID <= 0 {
		return Decision{}
	}
	switch actorID {
	case owner.AuthorID:
		return Decision{Allowed: true, Reason: ReasonAuthor}
	case owner.DenCreatorID:
		return Decision{Allowed: true, Reason: ReasonDenCreator}
	default:
		return Decision{}
	}
}
