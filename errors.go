package main

import (
	"errors"
	"fmt"
)

// Gateway error taxonomy. The HTTP and SMPP admission surfaces switch on
// these classes to pick a status code and a literal error body; everything
// below them wraps one of these sentinels.
var (
	ErrAuthentication = errors.New("authentication failure")
	ErrAuthorization  = errors.New("authorization failure")
	ErrValidation     = errors.New("validation failure")
	ErrRouting        = errors.New("no route found")
	ErrCharging       = errors.New("charging failure")
	ErrThroughput     = errors.New("throughput exceeded")
	ErrTransport      = errors.New("transport failure")
	ErrRemote         = errors.New("remote failure")
)

func authenticationError(username string) error {
	return fmt.Errorf("%w for username:%s", ErrAuthentication, username)
}

func authorizationError(action string) error {
	return fmt.Errorf("%w: %s is not authorized", ErrAuthorization, action)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func chargingError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCharging, fmt.Sprintf(format, args...))
}
