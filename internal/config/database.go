package config

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	// Create tables if they don't exist
	if err := CreateTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// CreateTables creates the ledger tables in the database. The layout mirrors
// the schema the Access migration produces, so a migrated dataset is usable
// as-is. Deliberately no unique index on active (id_structure, num_part):
// legacy imports may carry duplicates that the anomaly sweeps must be able
// to report; the engine enforces uniqueness inside its own transactions.
func CreateTables(db *sqlx.DB) error {
	// Reference tables first
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS structures (
			id BIGSERIAL PRIMARY KEY,
			nom_structure VARCHAR(100) NOT NULL,
			type_structure INT NOT NULL DEFAULT 2,
			gfa VARCHAR(50) NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS personnes (
			id BIGSERIAL PRIMARY KEY,
			civilite VARCHAR(20) NOT NULL DEFAULT '',
			nom VARCHAR(100) NOT NULL,
			prenom VARCHAR(100) NOT NULL DEFAULT '',
			adresse VARCHAR(255) NOT NULL DEFAULT '',
			adresse2 VARCHAR(255) NOT NULL DEFAULT '',
			code_postal VARCHAR(15) NOT NULL DEFAULT '',
			ville VARCHAR(100) NOT NULL DEFAULT '',
			tel VARCHAR(50) NOT NULL DEFAULT '',
			mail VARCHAR(255) NOT NULL DEFAULT '',
			npai BOOLEAN NOT NULL DEFAULT FALSE,
			decede BOOLEAN NOT NULL DEFAULT FALSE,
			cr BOOLEAN NOT NULL DEFAULT FALSE,
			pas_convoc_ag BOOLEAN NOT NULL DEFAULT FALSE,
			pas_convoc_tsl BOOLEAN NOT NULL DEFAULT FALSE,
			termine BOOLEAN NOT NULL DEFAULT FALSE,
			est_personne_morale BOOLEAN NOT NULL DEFAULT FALSE,
			id_structure BIGINT REFERENCES structures(id),
			id_personne_morale BIGINT REFERENCES personnes(id)
		)
	`)
	if err != nil {
		return err
	}

	// Membership of natural persons in a personne morale (association, no
	// ownership semantics, no ordering)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS personne_morale_membres (
			id_personne_morale BIGINT NOT NULL REFERENCES personnes(id),
			id_membre BIGINT NOT NULL REFERENCES personnes(id),
			PRIMARY KEY (id_personne_morale, id_membre)
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS actes (
			id BIGSERIAL PRIMARY KEY,
			code_acte VARCHAR(50) NOT NULL,
			date_acte DATE,
			libelle_acte VARCHAR(255) NOT NULL DEFAULT '',
			id_structure BIGINT REFERENCES structures(id),
			provisoire BOOLEAN NOT NULL DEFAULT FALSE
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS types_apport (
			id BIGSERIAL PRIMARY KEY,
			libelle VARCHAR(100) NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS types_remboursement (
			id BIGSERIAL PRIMARY KEY,
			libelle VARCHAR(100) NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS mouvements (
			id BIGSERIAL PRIMARY KEY,
			id_personne BIGINT NOT NULL,
			id_acte BIGINT REFERENCES actes(id),
			date_operation DATE,
			sens BOOLEAN NOT NULL DEFAULT TRUE,
			nb_parts INT NOT NULL,
			id_type_apport BIGINT REFERENCES types_apport(id),
			id_type_remboursement BIGINT REFERENCES types_remboursement(id)
		)
	`)
	if err != nil {
		return err
	}

	// No FK on id_mouvement: migrated rows may carry dangling references
	// that the anomaly sweeps report.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS numeros_parts (
			id BIGSERIAL PRIMARY KEY,
			num_part INT NOT NULL,
			id_personne BIGINT NOT NULL,
			id_mouvement BIGINT,
			id_structure BIGINT REFERENCES structures(id),
			termine BOOLEAN NOT NULL DEFAULT FALSE,
			distribue BOOLEAN NOT NULL DEFAULT FALSE,
			etat INT NOT NULL DEFAULT 0,
			id_mouvement_termine BIGINT REFERENCES mouvements(id)
		)
	`)
	if err != nil {
		return err
	}

	// Create indexes for better performance
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_numeros_parts_structure_num ON numeros_parts(id_structure, num_part) WHERE termine = FALSE",
		"CREATE INDEX IF NOT EXISTS idx_numeros_parts_personne ON numeros_parts(id_personne) WHERE termine = FALSE",
		"CREATE INDEX IF NOT EXISTS idx_mouvements_personne ON mouvements(id_personne)",
		"CREATE INDEX IF NOT EXISTS idx_mouvements_acte ON mouvements(id_acte)",
		"CREATE INDEX IF NOT EXISTS idx_actes_code ON actes(code_acte)",
	}

	for _, idx := range indexes {
		_, err = db.Exec(idx)
		if err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
			// Don't return error here, indexes are not critical
		}
	}

	return nil
}
