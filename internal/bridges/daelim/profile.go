package daelim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ApartmentProfile identifies one apartment and its credentials.
// It is created once and shared read-only by every session.
type ApartmentProfile struct {
	ServerAddress  string
	ServerPort     int
	ComplexID      string
	BuildingNumber string
	UnitNumber     string
	Username       string
	Password       string

	// DeviceUUID identifies this client to the server at certpin time.
	DeviceUUID string
}

// Port returns the configured port or DefaultPort.
func (p *ApartmentProfile) Port() int {
	if p.ServerPort == 0 {
		return DefaultPort
	}
	return p.ServerPort
}

// Validate reports every missing or invalid field.
func (p *ApartmentProfile) Validate() error {
	var errs []error
	if p.ServerAddress == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	if p.ServerPort < 0 || p.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", p.ServerPort))
	}
	if p.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if p.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("apartment profile: %w", err)
	}
	return nil
}

// NewDeviceUUID returns a fresh client identifier in the upper-case,
// dash-free form the mobile app sends.
func NewDeviceUUID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (p *ApartmentProfile) certPinPayload() map[string]string {
	payload := map[string]string{"id": p.Username, "pw": p.Password}
	if p.DeviceUUID != "" {
		payload["UUID"] = p.DeviceUUID
	}
	if p.ComplexID != "" {
		payload["apartId"] = p.ComplexID
	}
	if p.BuildingNumber != "" {
		payload["dong"] = p.BuildingNumber
	}
	if p.UnitNumber != "" {
		payload["ho"] = p.UnitNumber
	}
	return payload
}
