package aws

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/lmeireles/snapex/pkg/cloud"
)

var notFoundCodes = map[string]bool{
	"NotFound":                   true,
	"NoSuchKey":                  true,
	"NoSuchBucket":               true,
	"InvalidVolume.NotFound":     true,
	"InvalidInstanceID.NotFound": true,
}

var existsCodes = map[string]bool{
	"BucketAlreadyOwnedByYou": true,
}

var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InstanceLimitExceeded":        true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
	"Unsupported":                  true,
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// translate maps API errors onto the cloud error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	code := errorCode(err)
	switch {
	case notFoundCodes[code]:
		return fmt.Errorf("%w: %v", cloud.ErrNotFound, err)
	case existsCodes[code]:
		return fmt.Errorf("%w: %v", cloud.ErrAlreadyExists, err)
	}
	return err
}

func classifyInstanceError(profile string, err error) error {
	if code := errorCode(err); capacityCodes[code] {
		return &cloud.CapacityError{Profile: profile, Code: code, Err: err}
	}
	return translate(err)
}
