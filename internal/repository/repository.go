package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gaiaecotrack/tokenizer/internal/db"
)

// ErrNotFound is returned when a generator or credential row does not exist
var ErrNotFound = errors.New("not found")

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const generatorColumns = `
	id, name, wallet, secret_name, brand, installation_company,
	country, department, municipality, generated_kw, tokens,
	c02, rated_power, created_at, updated_at
`

func scanGenerator(row pgx.Row) (*db.Generator, error) {
	var g db.Generator
	err := row.Scan(
		&g.ID,
		&g.Name,
		&g.Wallet,
		&g.SecretName,
		&g.Brand,
		&g.InstallationCompany,
		&g.Country,
		&g.Department,
		&g.Municipality,
		&g.GeneratedKW,
		&g.Tokens,
		&g.C02,
		&g.RatedPower,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGenerators returns every generator in the ledger
func (r *Repository) ListGenerators(ctx context.Context) ([]db.Generator, error) {
	query := `SELECT ` + generatorColumns + ` FROM generators ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query generators: %w", err)
	}
	defer rows.Close()

	var generators []db.Generator
	for rows.Next() {
		g, err := scanGenerator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generator: %w", err)
		}
		generators = append(generators, *g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return generators, nil
}

// GetGenerator returns a single generator by id
func (r *Repository) GetGenerator(ctx context.Context, id uuid.UUID) (*db.Generator, error) {
	query := `SELECT ` + generatorColumns + ` FROM generators WHERE id = $1`

	g, err := scanGenerator(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query generator: %w", err)
	}
	return g, nil
}

// CreateGenerator inserts a new generator row
func (r *Repository) CreateGenerator(ctx context.Context, g *db.Generator) (*db.Generator, error) {
	query := `
		INSERT INTO generators (
			name, wallet, secret_name, brand, installation_company,
			country, department, municipality, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + generatorColumns

	now := time.Now()
	created, err := scanGenerator(r.pool.QueryRow(ctx, query,
		g.Name,
		g.Wallet,
		g.SecretName,
		g.Brand,
		g.InstallationCompany,
		g.Country,
		g.Department,
		g.Municipality,
		now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	return created, nil
}

// ApplyCycle adds one reconciliation cycle's deltas to a generator's
// lifetime accumulators. Deltas are expected to be non-negative; the
// accumulators never decrease.
func (r *Repository) ApplyCycle(ctx context.Context, id uuid.UUID, kwDelta float64, tokenDelta int64) error {
	query := `
		UPDATE generators
		SET generated_kw = generated_kw + $2,
		    tokens = tokens + $3,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, kwDelta, tokenDelta)
	if err != nil {
		return fmt.Errorf("failed to apply cycle deltas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateGrowattSnapshot stores the informational CO2 and nameplate power
// figures reported by the Growatt plant data endpoint
func (r *Repository) UpdateGrowattSnapshot(ctx context.Context, id uuid.UUID, c02, ratedPower float64) error {
	query := `
		UPDATE generators
		SET c02 = $2,
		    rated_power = $3,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, c02, ratedPower)
	if err != nil {
		return fmt.Errorf("failed to update growatt snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// FindCredentialByUsername resolves a Hoymiles login by its account username
func (r *Repository) FindCredentialByUsername(ctx context.Context, username string) (*db.VendorCredential, error) {
	query := `
		SELECT id, username, user_client, password, created_at
		FROM vendor_credentials
		WHERE username = $1
	`

	var c db.VendorCredential
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&c.ID,
		&c.Username,
		&c.UserClient,
		&c.Password,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	return &c, nil
}

// FindCredentialByUserClient resolves a Growatt login by its user_client
// label, case-insensitively
func (r *Repository) FindCredentialByUserClient(ctx context.Context, userClient string) (*db.VendorCredential, error) {
	query := `
		SELECT id, username, user_client, password, created_at
		FROM vendor_credentials
		WHERE lower(user_client) = lower($1)
	`

	var c db.VendorCredential
	err := r.pool.QueryRow(ctx, query, userClient).Scan(
		&c.ID,
		&c.Username,
		&c.UserClient,
		&c.Password,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	return &c, nil
}
