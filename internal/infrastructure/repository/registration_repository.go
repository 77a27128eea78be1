package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentfabric/fabric/internal/domain"
	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// registrationRow is the Postgres row shape that durably mirrors an
// AgentRegistration: the same fields, JSON-encoded for list/map-valued
// ones, plus created_at/updated_at. This is purely a reload aid; the
// in-memory registry is what every core operation reads and writes.
type registrationRow struct {
	AgentID            string         `db:"agent_id"`
	AgentType          string         `db:"agent_type"`
	InteractionModes   string         `db:"interaction_modes"`
	DID                string         `db:"did"`
	PublicKeyPEM       string         `db:"public_key_pem"`
	VerificationStatus string         `db:"verification_status"`
	Name               sql.NullString `db:"name"`
	Summary            sql.NullString `db:"summary"`
	Description        sql.NullString `db:"description"`
	Version            sql.NullString `db:"version"`
	Organization       sql.NullString `db:"organization"`
	Developer          sql.NullString `db:"developer"`
	URL                sql.NullString `db:"url"`
	DocumentationURL   sql.NullString `db:"documentation_url"`
	Capabilities       string         `db:"capabilities"`
	Skills             string         `db:"skills"`
	Examples           string         `db:"examples"`
	Tags               string         `db:"tags"`
	AuthSchemes        string         `db:"auth_schemes"`
	DefaultInputModes  string         `db:"default_input_modes"`
	DefaultOutputModes string         `db:"default_output_modes"`
	PaymentAddress     sql.NullString `db:"payment_address"`
	CustomMetadata     string         `db:"custom_metadata"`
	RegisteredAt       time.Time      `db:"registered_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// RegistrationRepository mirrors registrations durably in Postgres. It
// satisfies application.RegistrationStore.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository wraps an already-connected sqlx handle.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

const upsertRegistrationSQL = `
INSERT INTO agent_registrations (
	agent_id, agent_type, interaction_modes, did, public_key_pem, verification_status,
	name, summary, description, version, organization, developer, url, documentation_url,
	capabilities, skills, examples, tags, auth_schemes, default_input_modes, default_output_modes,
	payment_address, custom_metadata, registered_at, created_at, updated_at
) VALUES (
	:agent_id, :agent_type, :interaction_modes, :did, :public_key_pem, :verification_status,
	:name, :summary, :description, :version, :organization, :developer, :url, :documentation_url,
	:capabilities, :skills, :examples, :tags, :auth_schemes, :default_input_modes, :default_output_modes,
	:payment_address, :custom_metadata, :registered_at, now(), now()
)
ON CONFLICT (agent_id) DO UPDATE SET
	agent_type = EXCLUDED.agent_type,
	interaction_modes = EXCLUDED.interaction_modes,
	verification_status = EXCLUDED.verification_status,
	name = EXCLUDED.name,
	summary = EXCLUDED.summary,
	description = EXCLUDED.description,
	version = EXCLUDED.version,
	organization = EXCLUDED.organization,
	developer = EXCLUDED.developer,
	url = EXCLUDED.url,
	documentation_url = EXCLUDED.documentation_url,
	capabilities = EXCLUDED.capabilities,
	skills = EXCLUDED.skills,
	examples = EXCLUDED.examples,
	tags = EXCLUDED.tags,
	auth_schemes = EXCLUDED.auth_schemes,
	default_input_modes = EXCLUDED.default_input_modes,
	default_output_modes = EXCLUDED.default_output_modes,
	payment_address = EXCLUDED.payment_address,
	custom_metadata = EXCLUDED.custom_metadata,
	updated_at = now()
`

// Save upserts a registration.
func (r *RegistrationRepository) Save(reg *domain.AgentRegistration) error {
	row, err := toRow(reg)
	if err != nil {
		return fmt.Errorf("encode registration %s: %w", reg.AgentID, err)
	}
	start := time.Now()
	_, err = r.db.NamedExec(upsertRegistrationSQL, row)
	metrics.ObserveDatabaseQueryDuration("upsert_registration", time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("save registration %s: %w", reg.AgentID, err)
	}
	return nil
}

// Delete removes agentID's row, if present. Idempotent.
func (r *RegistrationRepository) Delete(agentID string) error {
	start := time.Now()
	_, err := r.db.Exec(`DELETE FROM agent_registrations WHERE agent_id = $1`, agentID)
	metrics.ObserveDatabaseQueryDuration("delete_registration", time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("delete registration %s: %w", agentID, err)
	}
	return nil
}

// LoadAll reloads every stored registration, used only at startup replay.
func (r *RegistrationRepository) LoadAll() ([]*domain.AgentRegistration, error) {
	var rows []registrationRow
	start := time.Now()
	err := r.db.Select(&rows, `SELECT * FROM agent_registrations`)
	metrics.ObserveDatabaseQueryDuration("load_all_registrations", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	out := make([]*domain.AgentRegistration, 0, len(rows))
	for _, row := range rows {
		reg, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode registration %s: %w", row.AgentID, err)
		}
		out = append(out, reg)
	}
	return out, nil
}

func toRow(reg *domain.AgentRegistration) (registrationRow, error) {
	caps, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return registrationRow{}, err
	}
	skills, err := json.Marshal(reg.Skills)
	if err != nil {
		return registrationRow{}, err
	}
	modes, err := json.Marshal(reg.InteractionModes)
	if err != nil {
		return registrationRow{}, err
	}
	meta, err := json.Marshal(reg.CustomMetadata)
	if err != nil {
		return registrationRow{}, err
	}

	return registrationRow{
		AgentID:            reg.AgentID,
		AgentType:          string(reg.AgentType),
		InteractionModes:   string(modes),
		DID:                reg.Identity.DID,
		PublicKeyPEM:       reg.Identity.PublicKeyPEM,
		VerificationStatus: string(reg.Identity.VerificationStatus),
		Name:               nullable(reg.Name),
		Summary:            nullable(reg.Summary),
		Description:        nullable(reg.Description),
		Version:            nullable(reg.Version),
		Organization:       nullable(reg.Organization),
		Developer:          nullable(reg.Developer),
		URL:                nullable(reg.URL),
		DocumentationURL:   nullable(reg.DocumentationURL),
		Capabilities:       string(caps),
		Skills:             string(skills),
		Examples:           joinOrEmpty(reg.Examples),
		Tags:               joinOrEmpty(reg.Tags),
		AuthSchemes:        joinOrEmpty(reg.AuthSchemes),
		DefaultInputModes:  joinOrEmpty(reg.DefaultInputModes),
		DefaultOutputModes: joinOrEmpty(reg.DefaultOutputModes),
		PaymentAddress:     nullable(reg.PaymentAddress),
		CustomMetadata:     string(meta),
		RegisteredAt:       reg.RegisteredAt,
	}, nil
}

func fromRow(row registrationRow) (*domain.AgentRegistration, error) {
	var caps []domain.Capability
	if err := json.Unmarshal([]byte(row.Capabilities), &caps); err != nil {
		return nil, err
	}
	var skills []domain.Skill
	if err := json.Unmarshal([]byte(row.Skills), &skills); err != nil {
		return nil, err
	}
	var modes []domain.InteractionMode
	if err := json.Unmarshal([]byte(row.InteractionModes), &modes); err != nil {
		return nil, err
	}
	var meta map[string]string
	if row.CustomMetadata != "" {
		if err := json.Unmarshal([]byte(row.CustomMetadata), &meta); err != nil {
			return nil, err
		}
	}

	return &domain.AgentRegistration{
		AgentID:   row.AgentID,
		AgentType: domain.AgentType(row.AgentType),
		Identity: &domain.AgentIdentity{
			DID:                row.DID,
			PublicKeyPEM:       row.PublicKeyPEM,
			VerificationStatus: domain.VerificationStatus(row.VerificationStatus),
		},
		InteractionModes:   modes,
		Name:               row.Name.String,
		Summary:            row.Summary.String,
		Description:        row.Description.String,
		Version:            row.Version.String,
		Organization:       row.Organization.String,
		Developer:          row.Developer.String,
		URL:                row.URL.String,
		DocumentationURL:   row.DocumentationURL.String,
		Capabilities:       caps,
		Skills:             skills,
		Examples:           splitOrEmpty(row.Examples),
		Tags:               splitOrEmpty(row.Tags),
		AuthSchemes:        splitOrEmpty(row.AuthSchemes),
		DefaultInputModes:  splitOrEmpty(row.DefaultInputModes),
		DefaultOutputModes: splitOrEmpty(row.DefaultOutputModes),
		PaymentAddress:     row.PaymentAddress.String,
		CustomMetadata:     meta,
		RegisteredAt:       row.RegisteredAt,
	}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func joinOrEmpty(items []string) string {
	data, _ := json.Marshal(items)
	return string(data)
}

func splitOrEmpty(encoded string) []string {
	if encoded == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(encoded), &out)
	return out
}
