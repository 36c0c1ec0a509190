package engine

import "fmt"

// InvalidTransitionError is returned when an operation is illegal in the
// annotation's current status.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid annotation transition %s -> %s", e.From, e.To)
}

// ConflictError is returned when an optimistic version check fails: the
// annotation changed between the caller's read and its write.
type ConflictError struct {
	AnnotationID    string
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("annotation %s changed concurrently (expected version %d)", e.AnnotationID, e.ExpectedVersion)
}

// OwnershipError is returned when an actor other than the annotation's
// annotator tries to decide a correction.
type OwnershipError struct {
	ActorID     string
	AnnotatorID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("actor %s is not the annotator of this annotation", e.ActorID)
}

// AlreadyDecidedError is returned when deciding a correction that is no
// longer pending.
type AlreadyDecidedError struct {
	CorrectionID string
	Status       string
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("correction %s was already %s", e.CorrectionID, e.Status)
}
