package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/camdarley/SCTL-GFA/internal/models"
)

// Repository interface defines the methods that any repository implementation must satisfy
type Repository interface {
	// Structure registry (append-mostly; ledger operations never mutate it)
	CreateStructure(ctx context.Context, structure *models.Structure) error
	GetStructure(ctx context.Context, structureID int64) (*models.Structure, error)
	ListStructures(ctx context.Context, typeStructure int) ([]models.Structure, error)

	// Personne registry
	CreatePersonne(ctx context.Context, personne *models.Personne) error
	GetPersonne(ctx context.Context, personneID int64) (*models.Personne, error)
	UpdatePersonneFlags(ctx context.Context, personneID int64, flags models.PersonneFlags) error
	AddMembre(ctx context.Context, personneMoraleID, membreID int64) error
	ListMembres(ctx context.Context, personneMoraleID int64) ([]models.Personne, error)

	// Acte registry
	CreateActe(ctx context.Context, acte *models.Acte) error
	GetActe(ctx context.Context, acteID int64) (*models.Acte, error)
	GetActeByCode(ctx context.Context, codeActe string) (*models.Acte, error)
	ListActes(ctx context.Context, provisoireOnly bool) ([]models.Acte, error)

	// Ledger writes (each runs in a single serializable transaction)
	RecordAcquisition(ctx context.Context, mouvement *models.Mouvement, structureID int64, numsParts []int) ([]models.NumeroPart, error)
	Cede(ctx context.Context, plan models.CessionPlan) (*models.CessionOutcome, error)

	// Ledger reads
	GetNumeroPart(ctx context.Context, partID int64) (*models.NumeroPart, error)
	GetActivePart(ctx context.Context, structureID int64, numPart int) (*models.NumeroPart, error)
	CountActiveParts(ctx context.Context, personneID int64, structureID *int64) (int, error)
	PartsTotals(ctx context.Context) (*models.PartsTotals, error)
	ListHistory(ctx context.Context, partID int64, afterMouvementID int64, limit int) ([]models.Mouvement, error)

	// Anomaly sweeps (read-only)
	PartsSansMouvements(ctx context.Context, structureID *int64) ([]models.NumeroPart, error)
	MouvementsSansActes(ctx context.Context, structureID *int64) ([]models.Mouvement, error)
	DuplicateActiveNumbers(ctx context.Context, structureID *int64) ([]models.DuplicateActiveNumber, error)
	PartsSansActionnaires(ctx context.Context) ([]models.NumeroPart, error)
	MouvementsSansActionnaires(ctx context.Context) ([]models.Mouvement, error)
	ReissuedNumbers(ctx context.Context, structureID *int64) ([]models.ReissuedNumber, error)
	AnomalySummary(ctx context.Context) (*models.AnomalySummary, error)
}

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// translateTxError maps driver-level serialization failures onto the
// retryable domain error. 40001 = serialization_failure, 40P01 = deadlock.
func translateTxError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return &models.ConcurrencyConflict{Attempts: 1, Err: err}
		}
	}
	return err
}

// Structure repository methods
func (r *PostgresRepository) CreateStructure(ctx context.Context, structure *models.Structure) error {
	query := `
		INSERT INTO structures (nom_structure, type_structure, gfa)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		structure.NomStructure, structure.TypeStructure, structure.Gfa).Scan(&structure.ID)
}

func (r *PostgresRepository) GetStructure(ctx context.Context, structureID int64) (*models.Structure, error) {
	query := `SELECT * FROM structures WHERE id = $1`

	var structure models.Structure
	err := r.db.GetContext(ctx, &structure, query, structureID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Structure not found
		}
		return nil, err
	}

	return &structure, nil
}

func (r *PostgresRepository) ListStructures(ctx context.Context, typeStructure int) ([]models.Structure, error) {
	query := `SELECT * FROM structures`
	args := []interface{}{}

	if typeStructure != models.TypeAllStructures {
		query += ` WHERE type_structure = $1`
		args = append(args, typeStructure)
	}
	query += ` ORDER BY id`

	var structures []models.Structure
	err := r.db.SelectContext(ctx, &structures, query, args...)
	if err != nil {
		return nil, err
	}

	return structures, nil
}

// Personne repository methods
func (r *PostgresRepository) CreatePersonne(ctx context.Context, personne *models.Personne) error {
	query := `
		INSERT INTO personnes (civilite, nom, prenom, adresse, adresse2, code_postal, ville,
			tel, mail, npai, decede, cr, pas_convoc_ag, pas_convoc_tsl, termine,
			est_personne_morale, id_structure, id_personne_morale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		personne.Civilite, personne.Nom, personne.Prenom, personne.Adresse, personne.Adresse2,
		personne.CodePostal, personne.Ville, personne.Tel, personne.Mail,
		personne.Npai, personne.Decede, personne.CourrierRetourne, personne.PasConvocAG,
		personne.PasConvocTSL, personne.Termine, personne.EstPersonneMorale,
		personne.IDStructure, personne.IDPersonneMorale).Scan(&personne.ID)
}

func (r *PostgresRepository) GetPersonne(ctx context.Context, personneID int64) (*models.Personne, error) {
	query := `SELECT * FROM personnes WHERE id = $1`

	var personne models.Personne
	err := r.db.GetContext(ctx, &personne, query, personneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Personne not found
		}
		return nil, err
	}

	return &personne, nil
}

// UpdatePersonneFlags updates advisory status flags only. It deliberately
// runs outside any ledger transaction: the flags are reporting metadata and
// no ledger invariant depends on them.
func (r *PostgresRepository) UpdatePersonneFlags(ctx context.Context, personneID int64, flags models.PersonneFlags) error {
	query := `
		UPDATE personnes
		SET npai = $1, decede = $2, cr = $3, pas_convoc_ag = $4, pas_convoc_tsl = $5, termine = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		flags.Npai, flags.Decede, flags.CourrierRetourne,
		flags.PasConvocAG, flags.PasConvocTSL, flags.Termine, personneID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("personne %d: %w", personneID, models.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) AddMembre(ctx context.Context, personneMoraleID, membreID int64) error {
	query := `
		INSERT INTO personne_morale_membres (id_personne_morale, id_membre)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, personneMoraleID, membreID)
	return err
}

func (r *PostgresRepository) ListMembres(ctx context.Context, personneMoraleID int64) ([]models.Personne, error) {
	query := `
		SELECT p.* FROM personnes p
		JOIN personne_morale_membres pm ON p.id = pm.id_membre
		WHERE pm.id_personne_morale = $1
		ORDER BY p.id
	`

	var membres []models.Personne
	err := r.db.SelectContext(ctx, &membres, query, personneMoraleID)
	if err != nil {
		return nil, err
	}

	return membres, nil
}

// Acte repository methods
func (r *PostgresRepository) CreateActe(ctx context.Context, acte *models.Acte) error {
	query := `
		INSERT INTO actes (code_acte, date_acte, libelle_acte, id_structure, provisoire)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		acte.CodeActe, acte.DateActe, acte.LibelleActe, acte.IDStructure, acte.Provisoire).Scan(&acte.ID)
}

func (r *PostgresRepository) GetActe(ctx context.Context, acteID int64) (*models.Acte, error) {
	query := `SELECT * FROM actes WHERE id = $1`

	var acte models.Acte
	err := r.db.GetContext(ctx, &acte, query, acteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Acte not found
		}
		return nil, err
	}

	return &acte, nil
}

func (r *PostgresRepository) GetActeByCode(ctx context.Context, codeActe string) (*models.Acte, error) {
	query := `SELECT * FROM actes WHERE code_acte = $1 ORDER BY id LIMIT 1`

	var acte models.Acte
	err := r.db.GetContext(ctx, &acte, query, codeActe)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &acte, nil
}

// ListActes returns all actes, or only the provisional ones. Provisional
// acts record unratified transactions and must stay distinguishable.
func (r *PostgresRepository) ListActes(ctx context.Context, provisoireOnly bool) ([]models.Acte, error) {
	query := `SELECT * FROM actes`
	if provisoireOnly {
		query += ` WHERE provisoire = TRUE`
	}
	query += ` ORDER BY id`

	var actes []models.Acte
	err := r.db.SelectContext(ctx, &actes, query)
	if err != nil {
		return nil, err
	}

	return actes, nil
}

// Ledger write methods

// RecordAcquisition creates one acquisition movement plus one NumeroPart row
// per share number, all inside a serializable transaction. Existing active
// rows for the targeted numbers are locked first so a concurrent acquisition
// or cession of the same numbers conflicts instead of double-issuing.
func (r *PostgresRepository) RecordAcquisition(
	ctx context.Context,
	mouvement *models.Mouvement,
	structureID int64,
	numsParts []int,
) ([]models.NumeroPart, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	nums := make(pq.Int64Array, len(numsParts))
	for i, n := range numsParts {
		nums[i] = int64(n)
	}

	// Lock any active rows carrying the requested numbers
	var taken pq.Int64Array
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(num_part ORDER BY num_part), '{}')
		FROM (
			SELECT num_part FROM numeros_parts
			WHERE id_structure = $1 AND termine = FALSE AND num_part = ANY($2)
			FOR UPDATE
		) active
	`, structureID, nums).Scan(&taken)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}
	if len(taken) > 0 {
		err = fmt.Errorf("structure %d, numbers %v: %w", structureID, []int64(taken), models.ErrDuplicateShareNumber)
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mouvements (id_personne, id_acte, date_operation, sens, nb_parts, id_type_apport, id_type_remboursement)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, mouvement.IDPersonne, mouvement.IDActe, mouvement.DateOperation,
		models.SensAcquisition, mouvement.NbParts,
		mouvement.IDTypeApport, mouvement.IDTypeRemboursement).Scan(&mouvement.ID)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}
	mouvement.Sens = models.SensAcquisition

	parts := make([]models.NumeroPart, 0, len(numsParts))
	for _, num := range numsParts {
		part := models.NumeroPart{
			NumPart:     num,
			IDPersonne:  mouvement.IDPersonne,
			IDMouvement: &mouvement.ID,
			IDStructure: &structureID,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO numeros_parts (num_part, id_personne, id_mouvement, id_structure, termine, distribue, etat)
			VALUES ($1, $2, $3, $4, FALSE, FALSE, 0)
			RETURNING id
		`, num, mouvement.IDPersonne, mouvement.ID, structureID).Scan(&part.ID)
		if err != nil {
			err = translateTxError(err)
			return nil, err
		}
		parts = append(parts, part)
	}

	if err = tx.Commit(); err != nil {
		err = translateTxError(err)
		return nil, err
	}
	return parts, nil
}

// Cede runs the whole transfer inside one serializable transaction:
// validate holdings, resolve the acte, create the symmetric movement pair,
// terminate the old rows and create the replacements. Target rows are
// locked in ascending id order so concurrent transfers sharing some shares
// conflict instead of deadlocking.
func (r *PostgresRepository) Cede(ctx context.Context, plan models.CessionPlan) (*models.CessionOutcome, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	ids := pq.Int64Array(plan.PartIDs)

	var parts []models.NumeroPart
	err = tx.SelectContext(ctx, &parts, `
		SELECT * FROM numeros_parts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}

	if len(parts) != len(plan.PartIDs) {
		err = &models.InvalidTransferRequest{
			Reason: fmt.Sprintf("requested %d shares, found %d", len(plan.PartIDs), len(parts)),
		}
		return nil, err
	}

	var structureID int64
	for _, part := range parts {
		if part.Termine {
			err = &models.InvalidTransferRequest{
				Reason: fmt.Sprintf("share %d (n°%d) is terminated", part.ID, part.NumPart),
			}
			return nil, err
		}
		if part.IDPersonne != plan.IDCedant {
			err = &models.InvalidTransferRequest{
				Reason: fmt.Sprintf("share %d (n°%d) is not owned by cedant %d", part.ID, part.NumPart, plan.IDCedant),
			}
			return nil, err
		}
		if part.IDStructure == nil {
			err = &models.StructureResolutionConflict{
				Detail: fmt.Sprintf("share %d has no resolved structure", part.ID),
			}
			return nil, err
		}
		if structureID == 0 {
			structureID = *part.IDStructure
		} else if structureID != *part.IDStructure {
			err = &models.StructureResolutionConflict{
				Detail: fmt.Sprintf("shares span structures %d and %d", structureID, *part.IDStructure),
			}
			return nil, err
		}
	}

	// Resolve the acte: reuse, create, or proceed without one
	var acte *models.Acte
	acteID := plan.IDActe
	if plan.NouvelActe != nil {
		acte = plan.NouvelActe
		err = tx.QueryRowContext(ctx, `
			INSERT INTO actes (code_acte, date_acte, libelle_acte, id_structure, provisoire)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, acte.CodeActe, acte.DateActe, acte.LibelleActe, acte.IDStructure, acte.Provisoire).Scan(&acte.ID)
		if err != nil {
			err = translateTxError(err)
			return nil, err
		}
		acteID = &acte.ID
	} else if acteID != nil {
		acte = &models.Acte{}
		err = tx.GetContext(ctx, acte, `SELECT * FROM actes WHERE id = $1`, *acteID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = fmt.Errorf("acte %d: %w", *acteID, models.ErrNotFound)
			} else {
				err = translateTxError(err)
			}
			return nil, err
		}
	}

	insertMouvement := func(personneID int64, sens bool) (models.Mouvement, error) {
		m := models.Mouvement{
			IDPersonne:    personneID,
			IDActe:        acteID,
			DateOperation: plan.DateOperation,
			Sens:          sens,
			NbParts:       len(parts),
		}
		insertErr := tx.QueryRowContext(ctx, `
			INSERT INTO mouvements (id_personne, id_acte, date_operation, sens, nb_parts)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, m.IDPersonne, m.IDActe, m.DateOperation, m.Sens, m.NbParts).Scan(&m.ID)
		return m, insertErr
	}

	// The symmetric pair: same count, same acte, same date, opposite sens.
	// No code path may create one without the other.
	mouvementCedant, err := insertMouvement(plan.IDCedant, models.SensCession)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}
	mouvementCessionnaire, err := insertMouvement(plan.IDCessionnaire, models.SensAcquisition)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}

	// Terminate the old rows; the creating movement stays untouched
	_, err = tx.ExecContext(ctx, `
		UPDATE numeros_parts
		SET termine = TRUE, id_mouvement_termine = $1
		WHERE id = ANY($2)
	`, mouvementCedant.ID, ids)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}

	newParts := make([]models.NumeroPart, 0, len(parts))
	for _, old := range parts {
		part := models.NumeroPart{
			NumPart:     old.NumPart,
			IDPersonne:  plan.IDCessionnaire,
			IDMouvement: &mouvementCessionnaire.ID,
			IDStructure: old.IDStructure,
			Distribue:   old.Distribue,
			Etat:        old.Etat,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO numeros_parts (num_part, id_personne, id_mouvement, id_structure, termine, distribue, etat)
			VALUES ($1, $2, $3, $4, FALSE, $5, $6)
			RETURNING id
		`, part.NumPart, part.IDPersonne, *part.IDMouvement, *part.IDStructure, part.Distribue, part.Etat).Scan(&part.ID)
		if err != nil {
			err = translateTxError(err)
			return nil, err
		}
		newParts = append(newParts, part)
	}

	// Check invariant 1 before committing: each transferred number must end
	// with exactly one active row in the structure
	nums := make(pq.Int64Array, len(parts))
	for i, part := range parts {
		nums[i] = int64(part.NumPart)
	}
	var violations int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT num_part FROM numeros_parts
			WHERE id_structure = $1 AND num_part = ANY($2) AND termine = FALSE
			GROUP BY num_part
			HAVING COUNT(*) > 1
		) dup
	`, structureID, nums).Scan(&violations)
	if err != nil {
		err = translateTxError(err)
		return nil, err
	}
	if violations > 0 {
		err = &models.IntegrityViolation{
			Invariant: "unique active share number",
			Detail:    fmt.Sprintf("%d duplicated number(s) in structure %d after transfer", violations, structureID),
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		err = translateTxError(err)
		return nil, err
	}

	return &models.CessionOutcome{
		MouvementCedant:       mouvementCedant,
		MouvementCessionnaire: mouvementCessionnaire,
		Acte:                  acte,
		NewParts:              newParts,
	}, nil
}

// Ledger read methods
func (r *PostgresRepository) GetNumeroPart(ctx context.Context, partID int64) (*models.NumeroPart, error) {
	query := `SELECT * FROM numeros_parts WHERE id = $1`

	var part models.NumeroPart
	err := r.db.GetContext(ctx, &part, query, partID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &part, nil
}

// GetActivePart returns the single active row for (structure, number). More
// than one active row is an invariant-1 violation and is reported loudly
// instead of picking one arbitrarily.
func (r *PostgresRepository) GetActivePart(ctx context.Context, structureID int64, numPart int) (*models.NumeroPart, error) {
	query := `
		SELECT * FROM numeros_parts
		WHERE id_structure = $1 AND num_part = $2 AND termine = FALSE
		ORDER BY id
	`

	var parts []models.NumeroPart
	err := r.db.SelectContext(ctx, &parts, query, structureID, numPart)
	if err != nil {
		return nil, err
	}

	switch len(parts) {
	case 0:
		return nil, fmt.Errorf("active share %d in structure %d: %w", numPart, structureID, models.ErrNotFound)
	case 1:
		return &parts[0], nil
	default:
		return nil, &models.IntegrityViolation{
			Invariant: "unique active share number",
			Detail:    fmt.Sprintf("%d active rows for number %d in structure %d", len(parts), numPart, structureID),
		}
	}
}

func (r *PostgresRepository) CountActiveParts(ctx context.Context, personneID int64, structureID *int64) (int, error) {
	query := `SELECT COUNT(*) FROM numeros_parts WHERE id_personne = $1 AND termine = FALSE`
	args := []interface{}{personneID}

	if structureID != nil {
		query += ` AND id_structure = $2`
		args = append(args, *structureID)
	}

	var count int
	err := r.db.GetContext(ctx, &count, query, args...)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// PartsTotals reproduces the legacy "total parts" view over active rows.
func (r *PostgresRepository) PartsTotals(ctx context.Context) (*models.PartsTotals, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE s.type_structure = $1) AS gfa,
			COUNT(*) FILTER (WHERE s.type_structure = $2) AS tsl,
			COUNT(DISTINCT np.id_personne) AS actionnaires
		FROM numeros_parts np
		JOIN structures s ON np.id_structure = s.id
		WHERE np.termine = FALSE
	`

	totals := &models.PartsTotals{}
	err := r.db.QueryRowContext(ctx, query, models.TypeGFA, models.TypeTSL).
		Scan(&totals.Gfa, &totals.Tsl, &totals.Actionnaires)
	if err != nil {
		return nil, err
	}
	totals.Total = totals.Gfa + totals.Tsl

	return totals, nil
}

// ListHistory returns the provenance chain of a share: every movement that
// created or terminated a row carrying the share's number within its
// structure, ordered by movement id. afterMouvementID is a restart cursor;
// pass 0 to start from the beginning.
func (r *PostgresRepository) ListHistory(ctx context.Context, partID int64, afterMouvementID int64, limit int) ([]models.Mouvement, error) {
	part, err := r.GetNumeroPart(ctx, partID)
	if err != nil {
		return nil, err
	}
	if part == nil {
		return nil, fmt.Errorf("share %d: %w", partID, models.ErrNotFound)
	}
	if part.IDStructure == nil {
		return nil, &models.StructureResolutionConflict{
			Detail: fmt.Sprintf("share %d has no resolved structure", partID),
		}
	}

	query := `
		SELECT DISTINCT m.* FROM mouvements m
		JOIN numeros_parts np ON m.id = np.id_mouvement OR m.id = np.id_mouvement_termine
		WHERE np.id_structure = $1 AND np.num_part = $2 AND m.id > $3
		ORDER BY m.id
	`
	args := []interface{}{*part.IDStructure, part.NumPart, afterMouvementID}

	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	var mouvements []models.Mouvement
	err = r.db.SelectContext(ctx, &mouvements, query, args...)
	if err != nil {
		return nil, err
	}

	return mouvements, nil
}

// Anomaly sweeps. All read-only; legacy imports are the expected source of
// findings, the engine's own writes must never add to them.

// PartsSansMouvements finds rows whose creating movement is missing or does
// not resolve (dangling reference from a legacy import).
func (r *PostgresRepository) PartsSansMouvements(ctx context.Context, structureID *int64) ([]models.NumeroPart, error) {
	query := `
		SELECT np.* FROM numeros_parts np
		LEFT JOIN mouvements m ON np.id_mouvement = m.id
		WHERE m.id IS NULL
	`
	args := []interface{}{}

	if structureID != nil {
		query += ` AND np.id_structure = $1`
		args = append(args, *structureID)
	}
	query += ` ORDER BY np.id`

	var parts []models.NumeroPart
	err := r.db.SelectContext(ctx, &parts, query, args...)
	if err != nil {
		return nil, err
	}

	return parts, nil
}

// MouvementsSansActes finds movements with no legal act. Informational: a
// cession without an acte is legal but tracked.
func (r *PostgresRepository) MouvementsSansActes(ctx context.Context, structureID *int64) ([]models.Mouvement, error) {
	query := `SELECT m.* FROM mouvements m WHERE m.id_acte IS NULL`
	args := []interface{}{}

	if structureID != nil {
		query = `
			SELECT m.* FROM mouvements m
			JOIN personnes p ON m.id_personne = p.id
			WHERE m.id_acte IS NULL AND p.id_structure = $1
		`
		args = append(args, *structureID)
	}
	query += ` ORDER BY m.id`

	var mouvements []models.Mouvement
	err := r.db.SelectContext(ctx, &mouvements, query, args...)
	if err != nil {
		return nil, err
	}

	return mouvements, nil
}

// DuplicateActiveNumbers finds direct invariant-1 violations.
func (r *PostgresRepository) DuplicateActiveNumbers(ctx context.Context, structureID *int64) ([]models.DuplicateActiveNumber, error) {
	query := `
		SELECT id_structure, num_part, array_agg(id ORDER BY id) AS part_ids
		FROM numeros_parts
		WHERE termine = FALSE AND id_structure IS NOT NULL
	`
	args := []interface{}{}

	if structureID != nil {
		query += ` AND id_structure = $1`
		args = append(args, *structureID)
	}
	query += `
		GROUP BY id_structure, num_part
		HAVING COUNT(*) > 1
		ORDER BY id_structure, num_part
	`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duplicates []models.DuplicateActiveNumber
	for rows.Next() {
		var dup models.DuplicateActiveNumber
		var ids pq.Int64Array
		if err := rows.Scan(&dup.IDStructure, &dup.NumPart, &ids); err != nil {
			return nil, err
		}
		dup.PartIDs = []int64(ids)
		duplicates = append(duplicates, dup)
	}

	return duplicates, rows.Err()
}

// PartsSansActionnaires finds share rows whose owner does not resolve.
func (r *PostgresRepository) PartsSansActionnaires(ctx context.Context) ([]models.NumeroPart, error) {
	query := `
		SELECT np.* FROM numeros_parts np
		LEFT JOIN personnes p ON np.id_personne = p.id
		WHERE p.id IS NULL
		ORDER BY np.id
	`

	var parts []models.NumeroPart
	err := r.db.SelectContext(ctx, &parts, query)
	if err != nil {
		return nil, err
	}

	return parts, nil
}

// MouvementsSansActionnaires finds movements whose person does not resolve.
func (r *PostgresRepository) MouvementsSansActionnaires(ctx context.Context) ([]models.Mouvement, error) {
	query := `
		SELECT m.* FROM mouvements m
		LEFT JOIN personnes p ON m.id_personne = p.id
		WHERE p.id IS NULL
		ORDER BY m.id
	`

	var mouvements []models.Mouvement
	err := r.db.SelectContext(ctx, &mouvements, query)
	if err != nil {
		return nil, err
	}

	return mouvements, nil
}

// ReissuedNumbers finds active rows whose number was previously closed
// outside a recorded transfer (a terminated predecessor with no terminating
// movement). Engine-made transfers always record the terminating movement,
// so findings point at legacy closures followed by a reissue.
func (r *PostgresRepository) ReissuedNumbers(ctx context.Context, structureID *int64) ([]models.ReissuedNumber, error) {
	query := `
		SELECT a.id_structure, a.num_part, a.id AS active_part_id, COUNT(t.id) AS terminated
		FROM numeros_parts a
		JOIN numeros_parts t
			ON t.id_structure = a.id_structure
			AND t.num_part = a.num_part
			AND t.termine = TRUE
			AND t.id_mouvement_termine IS NULL
		WHERE a.termine = FALSE AND a.id_structure IS NOT NULL
	`
	args := []interface{}{}

	if structureID != nil {
		query += ` AND a.id_structure = $1`
		args = append(args, *structureID)
	}
	query += `
		GROUP BY a.id_structure, a.num_part, a.id
		ORDER BY a.id_structure, a.num_part
	`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reissued []models.ReissuedNumber
	for rows.Next() {
		var re models.ReissuedNumber
		if err := rows.Scan(&re.IDStructure, &re.NumPart, &re.ActivePartID, &re.Terminated); err != nil {
			return nil, err
		}
		reissued = append(reissued, re)
	}

	return reissued, rows.Err()
}

// AnomalySummary counts every sweep inside one repeatable-read transaction
// so the summary reflects a single consistent snapshot even while ledger
// writes are in flight.
func (r *PostgresRepository) AnomalySummary(ctx context.Context) (*models.AnomalySummary, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary := &models.AnomalySummary{}

	counts := []struct {
		dest  *int
		query string
	}{
		{&summary.PartsSansMouvements, `
			SELECT COUNT(*) FROM numeros_parts np
			LEFT JOIN mouvements m ON np.id_mouvement = m.id
			WHERE m.id IS NULL`},
		{&summary.MouvementsSansActes, `
			SELECT COUNT(*) FROM mouvements WHERE id_acte IS NULL`},
		{&summary.DuplicateActiveNumbers, `
			SELECT COUNT(*) FROM (
				SELECT 1 FROM numeros_parts
				WHERE termine = FALSE AND id_structure IS NOT NULL
				GROUP BY id_structure, num_part
				HAVING COUNT(*) > 1
			) dup`},
		{&summary.PartsSansActionnaires, `
			SELECT COUNT(*) FROM numeros_parts np
			LEFT JOIN personnes p ON np.id_personne = p.id
			WHERE p.id IS NULL`},
		{&summary.MouvementsSansPersonnes, `
			SELECT COUNT(*) FROM mouvements m
			LEFT JOIN personnes p ON m.id_personne = p.id
			WHERE p.id IS NULL`},
		{&summary.ReissuedNumbers, `
			SELECT COUNT(*) FROM (
				SELECT a.id FROM numeros_parts a
				JOIN numeros_parts t
					ON t.id_structure = a.id_structure
					AND t.num_part = a.num_part
					AND t.termine = TRUE
					AND t.id_mouvement_termine IS NULL
				WHERE a.termine = FALSE AND a.id_structure IS NOT NULL
				GROUP BY a.id
			) re`},
	}

	for _, c := range counts {
		if err := tx.GetContext(ctx, c.dest, c.query); err != nil {
			return nil, err
		}
	}

	summary.Total = summary.PartsSansMouvements + summary.MouvementsSansActes +
		summary.DuplicateActiveNumbers + summary.PartsSansActionnaires +
		summary.MouvementsSansPersonnes + summary.ReissuedNumbers

	return summary, nil
}
