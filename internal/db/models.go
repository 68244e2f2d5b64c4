package db

import (
	"time"

	"github.com/google/uuid"
)

// Generator brands supported by the reconciliation pipeline
const (
	BrandHoymiles = "Hoymiles"
	BrandGrowatt  = "Growatt"
)

// Generator represents one physical energy producer in the ledger.
// GeneratedKW and Tokens are lifetime accumulators and only ever grow;
// the reconciliation engine is the sole writer.
type Generator struct {
	ID                  uuid.UUID
	Name                string
	Wallet              string
	SecretName          string
	Brand               string
	InstallationCompany string
	Country             string
	Department          string
	Municipality        string
	GeneratedKW         float64
	Tokens              int64
	C02                 float64
	RatedPower          float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// VendorCredential represents one vendor cloud login.
// Hoymiles logins are resolved by Username, Growatt logins by UserClient.
type VendorCredential struct {
	ID         uuid.UUID
	Username   string
	UserClient string
	Password   string
	CreatedAt  time.Time
}
