package checkpoint

// Status is the lifecycle state of a checkpoint. Resource sections reuse the
// same vocabulary for their own, independent, state.
type Status string

const (
	StatusProtecting Status = "protecting"
	StatusAvailable  Status = "available"
	StatusError      Status = "error"
	StatusDeleting   Status = "deleting"
	StatusDeleted    Status = "deleted"
)

// A checkpoint stranded in protecting by a lost run may still be torn down.
var transitions = map[Status][]Status{
	StatusProtecting: {StatusAvailable, StatusError, StatusDeleting},
	StatusAvailable:  {StatusDeleting},
	StatusError:      {StatusDeleting},
	StatusDeleting:   {StatusDeleted, StatusError},
}

// ValidTransition reports whether a checkpoint may move from one status to
// another.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProtecting, StatusAvailable, StatusError, StatusDeleting, StatusDeleted:
		return true
	}
	return false
}
