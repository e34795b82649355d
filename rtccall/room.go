package rtccall

import "github.com/binzume/rtccall/store"

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// RoomRoleFor returns the role of selfID in the room. The room of a call is
// always the callee's id, so this is the only place a role is derived.
func RoomRoleFor(selfID, roomID string) Role {
	if selfID == roomID {
		return RoleCallee
	}
	return RoleCaller
}

func (r Role) Other() Role {
	if r == RoleCallee {
		return RoleCaller
	}
	return RoleCallee
}

func callPath(roomID string) string {
	return store.Join("calls", roomID)
}

func answerPath(roomID string) string {
	return store.Join("calls", roomID, "answer")
}

func candidatesRoot(roomID string) string {
	return store.Join("iceCandidates", roomID)
}

func candidatesPath(roomID string, role Role) string {
	return store.Join("iceCandidates", roomID, string(role))
}

func profilePath(uid string) string {
	return store.Join("users", uid)
}

func blockedRoot(uid string) string {
	return store.Join("users", uid, "blocked")
}

func blockedPath(uid, other string) string {
	return store.Join("users", uid, "blocked", other)
}

func missedCallsPath(uid string) string {
	return store.Join("users", uid, "missedCalls")
}
