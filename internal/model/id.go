package model

import "github.com/google/uuid"

// NewHandleID generates a new VmHandle id of the form "<backend>-<uuid>".
func NewHandleID(backend BackendTag) string {
	return string(backend) + "-" + uuid.NewString()
}
