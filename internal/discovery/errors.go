package discovery

import "errors"

var (
	// ErrUnexpectedStatus is returned for a non-2xx answer.
	ErrUnexpectedStatus = errors.New("discovery: unexpected HTTP status")

	// ErrApartmentNotFound is returned when the complex id is unknown.
	ErrApartmentNotFound = errors.New("discovery: apartment not found")

	// ErrLoginFailed is returned when the web login is refused.
	ErrLoginFailed = errors.New("discovery: login failed")

	// ErrInvalidCredentials is returned when required login fields are empty.
	ErrInvalidCredentials = errors.New("discovery: invalid credentials")
)
