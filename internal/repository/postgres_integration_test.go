//go:build integration

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/camdarley/SCTL-GFA/internal/config"
	"github.com/camdarley/SCTL-GFA/internal/models"
)

// startPostgres boots a throwaway Postgres, applies the schema and returns
// a connected repository.
func startPostgres(t *testing.T) (*PostgresRepository, *sqlx.DB) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("gersa_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, config.CreateTables(db))

	return NewPostgresRepository(db), db
}

func seedPostgresLedger(t *testing.T, repo *PostgresRepository, nums []int) (structureID, cedantID, cessionnaireID int64, parts []models.NumeroPart) {
	t.Helper()
	ctx := context.Background()

	structure := &models.Structure{NomStructure: "GFA de Montredon", TypeStructure: models.TypeGFA, Gfa: "GFA3"}
	require.NoError(t, repo.CreateStructure(ctx, structure))

	cedant := &models.Personne{Nom: "Galtier", Prenom: "Anne"}
	require.NoError(t, repo.CreatePersonne(ctx, cedant))
	cessionnaire := &models.Personne{Nom: "Soulié", Prenom: "Marc"}
	require.NoError(t, repo.CreatePersonne(ctx, cessionnaire))

	date := time.Date(1985, 6, 1, 0, 0, 0, 0, time.UTC)
	mouvement := &models.Mouvement{IDPersonne: cedant.ID, DateOperation: &date, NbParts: len(nums)}
	parts, err := repo.RecordAcquisition(ctx, mouvement, structure.ID, nums)
	require.NoError(t, err)

	return structure.ID, cedant.ID, cessionnaire.ID, parts
}

func TestPostgresCessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, _ := startPostgres(t)
	ctx := context.Background()

	structureID, cedantID, cessionnaireID, parts := seedPostgresLedger(t, repo, []int{1, 2, 3})
	date := time.Date(2004, 2, 11, 0, 0, 0, 0, time.UTC)

	acteDate := date.AddDate(0, -1, 0)
	outcome, err := repo.Cede(ctx, models.CessionPlan{
		IDCedant:       cedantID,
		IDCessionnaire: cessionnaireID,
		PartIDs:        []int64{parts[0].ID, parts[1].ID},
		NouvelActe:     &models.Acte{CodeActe: "2004-007", DateActe: &acteDate},
		DateOperation:  &date,
	})
	require.NoError(t, err)

	assert.Equal(t, models.SensCession, outcome.MouvementCedant.Sens)
	assert.Equal(t, models.SensAcquisition, outcome.MouvementCessionnaire.Sens)
	assert.Equal(t, outcome.MouvementCedant.NbParts, outcome.MouvementCessionnaire.NbParts)
	require.NotNil(t, outcome.Acte)
	assert.NotZero(t, outcome.Acte.ID)

	for _, id := range []int64{parts[0].ID, parts[1].ID} {
		old, err := repo.GetNumeroPart(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, old)
		assert.True(t, old.Termine)
		require.NotNil(t, old.IDMouvementTermine)
		assert.Equal(t, outcome.MouvementCedant.ID, *old.IDMouvementTermine)
	}

	cedantCount, err := repo.CountActiveParts(ctx, cedantID, &structureID)
	require.NoError(t, err)
	cessionnaireCount, err := repo.CountActiveParts(ctx, cessionnaireID, &structureID)
	require.NoError(t, err)
	assert.Equal(t, 1, cedantCount)
	assert.Equal(t, 2, cessionnaireCount)

	duplicates, err := repo.DuplicateActiveNumbers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, duplicates)

	history, err := repo.ListHistory(ctx, parts[0].ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestPostgresConcurrentCessions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, _ := startPostgres(t)
	ctx := context.Background()

	structureID, cedantID, _, parts := seedPostgresLedger(t, repo, []int{1})

	const buyers = 6
	buyerIDs := make([]int64, buyers)
	for i := range buyerIDs {
		p := &models.Personne{Nom: "Acquéreur", Prenom: string(rune('A' + i))}
		require.NoError(t, repo.CreatePersonne(ctx, p))
		buyerIDs[i] = p.ID
	}

	date := time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	results := make(chan error, buyers)

	for _, buyerID := range buyerIDs {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()
			_, err := repo.Cede(ctx, models.CessionPlan{
				IDCedant:       cedantID,
				IDCessionnaire: buyerID,
				PartIDs:        []int64{parts[0].ID},
				DateOperation:  &date,
			})
			results <- err
		}(buyerID)
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		// Losers either saw the row already terminated or lost the
		// serialization race
		var invalid *models.InvalidTransferRequest
		var conflict *models.ConcurrencyConflict
		assert.True(t, errors.As(err, &invalid) || errors.As(err, &conflict),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)

	part, err := repo.GetActivePart(ctx, structureID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, cedantID, part.IDPersonne)

	duplicates, err := repo.DuplicateActiveNumbers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, duplicates)
}

func TestPostgresAnomalySweeps(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := startPostgres(t)
	ctx := context.Background()

	structureID, ownerID, otherID, _ := seedPostgresLedger(t, repo, []int{1, 2})

	// Inject legacy-style damage directly, as a data import would
	_, err := db.Exec(`
		INSERT INTO numeros_parts (num_part, id_personne, id_mouvement, id_structure, termine, distribue, etat)
		VALUES
			(90, $1, NULL, $2, FALSE, FALSE, 0),
			(92, 4242, NULL, $2, FALSE, FALSE, 0),
			(1,  $3,   NULL, $2, FALSE, FALSE, 0),
			(93, $1,   NULL, $2, TRUE,  FALSE, 0),
			(93, $3,   NULL, $2, FALSE, FALSE, 0)
	`, ownerID, structureID, otherID)
	require.NoError(t, err)

	summary, err := repo.AnomalySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.PartsSansMouvements)
	assert.Equal(t, 1, summary.DuplicateActiveNumbers)
	assert.Equal(t, 1, summary.PartsSansActionnaires)
	assert.Equal(t, 1, summary.ReissuedNumbers)

	reissued, err := repo.ReissuedNumbers(ctx, &structureID)
	require.NoError(t, err)
	require.Len(t, reissued, 1)
	assert.Equal(t, 93, reissued[0].NumPart)
	assert.Equal(t, 1, reissued[0].Terminated)

	duplicates, err := repo.DuplicateActiveNumbers(ctx, &structureID)
	require.NoError(t, err)
	require.Len(t, duplicates, 1)
	assert.Equal(t, 1, duplicates[0].NumPart)
	assert.Len(t, duplicates[0].PartIDs, 2)
}

func TestPostgresPartsTotals(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, _ := startPostgres(t)
	ctx := context.Background()

	_, _, otherID, _ := seedPostgresLedger(t, repo, []int{1, 2, 3})

	tsl := &models.Structure{NomStructure: "Terres Solidaires du Larzac", TypeStructure: models.TypeTSL}
	require.NoError(t, repo.CreateStructure(ctx, tsl))
	mouvement := &models.Mouvement{IDPersonne: otherID, NbParts: 2}
	_, err := repo.RecordAcquisition(ctx, mouvement, tsl.ID, []int{1, 2})
	require.NoError(t, err)

	totals, err := repo.PartsTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Gfa)
	assert.Equal(t, 2, totals.Tsl)
	assert.Equal(t, 5, totals.Total)
	assert.Equal(t, 2, totals.Actionnaires)
}
