package compose

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrComposeFailed = errors.New("composition failed")
	ErrNoPhotos      = errors.New("no photos to compose")
)

// Machine-readable failure reasons shared with the compose service.
const (
	ReasonMissingSegments = "missing-segments"
	ReasonInvalidLayout   = "invalid-layout"
	ReasonEncodeError     = "encode-error"
	ReasonInvalidRequest  = "invalid-request"
)

// MissingSegmentsError lists selected shots whose video has not finished
// uploading. The caller can retry once the uploads complete.
type MissingSegmentsError struct {
	Shots []int
}

func (e *MissingSegmentsError) Error() string {
	return "missing segments for shots " + joinInts(e.Shots)
}

// MissingPhotosError lists selected shots with no complete photo.
type MissingPhotosError struct {
	Shots []int
}

func (e *MissingPhotosError) Error() string {
	return "missing photos for shots " + joinInts(e.Shots)
}

// ServiceError is a non-2xx answer from the compose service.
type ServiceError struct {
	Status       int
	Reason       string
	Message      string
	MissingShots []int
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("compose service status %d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("compose service status %d: %s: %s", e.Status, e.Reason, e.Message)
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
