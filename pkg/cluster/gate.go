package cluster

// Intent classifies an operation by whether it mutates data.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Gate decides whether a node holding role may serve an operation with intent.
// Leaders serve everything; replicas serve reads only.
func Gate(role Role, intent Intent) error {
	switch intent {
	case IntentRead:
		return nil
	case IntentWrite:
		if role == RoleLeader {
			return nil
		}
		return ErrNotLeader
	default:
		return ErrUnknownIntent
	}
}
