package gcp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lmeireles/snapex/pkg/cloud"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

// capacityCodes are operation error codes that mean "try another machine type".
var capacityCodes = map[string]bool{
	"ZONE_RESOURCE_POOL_EXHAUSTED":              true,
	"ZONE_RESOURCE_POOL_EXHAUSTED_WITH_DETAILS": true,
	"RESOURCE_POOL_EXHAUSTED":                   true,
	"QUOTA_EXCEEDED":                            true,
	"STOCKOUT":                                  true,
}

// capacityReasons are googleapi error reasons with the same meaning.
var capacityReasons = map[string]bool{
	"quotaExceeded":     true,
	"resourceExhausted": true,
}

// translate maps API errors onto the cloud error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", cloud.ErrNotFound, gerr.Message)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", cloud.ErrAlreadyExists, gerr.Message)
		}
	}
	return err
}

// detachReasons are the error reasons DetachDisk reports for a device the
// instance does not have.
var detachReasons = map[string]bool{
	"notFound":         true,
	"resourceNotFound": true,
}

// notAttached reports the 400 DetachDisk returns for a disk that is not
// attached to the instance. The API files that case under "invalid" against
// the deviceName field, so only that field qualifies for the generic reason.
func notAttached(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusBadRequest {
		return false
	}
	for _, item := range gerr.Errors {
		if detachReasons[item.Reason] {
			return true
		}
		if item.Reason == "invalid" && strings.Contains(item.Message, "'deviceName'") {
			return true
		}
	}
	return false
}

// classifyInstanceError turns a capacity rejection into *cloud.CapacityError.
func classifyInstanceError(profile string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *operationError
	if errors.As(err, &opErr) && capacityCodes[opErr.Code] {
		return &cloud.CapacityError{Profile: profile, Code: opErr.Code, Err: err}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if capacityReasons[item.Reason] {
				return &cloud.CapacityError{Profile: profile, Code: item.Reason, Err: err}
			}
		}
		if gerr.Code == http.StatusServiceUnavailable {
			return &cloud.CapacityError{Profile: profile, Code: "UNAVAILABLE", Err: err}
		}
	}
	return translate(err)
}

// operationError is the first error of a failed zonal operation.
type operationError struct {
	Op      string
	Code    string
	Message string
}

func (e *operationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s: %s", e.Op, e.Code, e.Message)
}

func operationErr(op *compute.Operation) error {
	if op == nil || op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	first := op.Error.Errors[0]
	e := &operationError{Op: op.Name, Code: first.Code, Message: first.Message}
	switch {
	case first.Code == "RESOURCE_ALREADY_EXISTS" || strings.HasSuffix(first.Code, "ALREADY_EXISTS"):
		return fmt.Errorf("%w: %v", cloud.ErrAlreadyExists, e)
	case first.Code == "RESOURCE_NOT_FOUND":
		return fmt.Errorf("%w: %v", cloud.ErrNotFound, e)
	}
	return e
}
