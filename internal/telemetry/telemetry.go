// Package telemetry implements the vendor cloud clients that pull
// energy-generation readings for a generator. Clients are pure
// request/response: no retries and no ledger writes happen here.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/gaiaecotrack/tokenizer/internal/db"
)

var (
	// ErrCredentialNotFound marks a missing vendor login row
	ErrCredentialNotFound = errors.New("vendor credential not found")
	// ErrAuthenticationFailed marks a vendor-rejected login. Hoymiles
	// signals this with a non-"0" status inside a 200 response.
	ErrAuthenticationFailed = errors.New("vendor authentication failed")
	// ErrNoStationFound marks an empty Hoymiles station list
	ErrNoStationFound = errors.New("no station found for account")
	// ErrPlantNotFound marks a Growatt plant list without a name match
	ErrPlantNotFound = errors.New("no plant found for account")
	// ErrFetchFailed marks any other vendor transport or payload failure
	ErrFetchFailed = errors.New("telemetry fetch failed")
)

// CredentialStore resolves stored vendor logins
type CredentialStore interface {
	FindCredentialByUsername(ctx context.Context, username string) (*db.VendorCredential, error)
	FindCredentialByUserClient(ctx context.Context, userClient string) (*db.VendorCredential, error)
}

// CarbonMetrics carries the informational Growatt plant figures stored as
// ledger snapshots
type CarbonMetrics struct {
	C02          float64
	NominalPower float64
}

// Vendor dates are always rendered in the platform's operating timezone
const vendorTimezone = "America/Bogota"

var vendorLocation = func() *time.Location {
	loc, err := time.LoadLocation(vendorTimezone)
	if err != nil {
		// Bogota has no DST; a fixed offset is equivalent when tzdata
		// is unavailable in the container image.
		return time.FixedZone("COT", -5*3600)
	}
	return loc
}()

// vendorDate returns the current date in the vendor timezone as YYYY-MM-DD
func vendorDate(now time.Time) string {
	return now.In(vendorLocation).Format("2006-01-02")
}
