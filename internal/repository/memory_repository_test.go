package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdarley/SCTL-GFA/internal/models"
)

// seedLedger creates a structure, two shareholders and an initial
// acquisition of the given share numbers held by the first shareholder.
func seedLedger(t *testing.T, repo *MemoryRepository, nums []int) (structureID, cedantID, cessionnaireID int64, parts []models.NumeroPart) {
	t.Helper()
	ctx := context.Background()

	structure := &models.Structure{NomStructure: "GFA de la Blaquière", TypeStructure: models.TypeGFA, Gfa: "GFA1"}
	require.NoError(t, repo.CreateStructure(ctx, structure))

	cedant := &models.Personne{Nom: "Durand", Prenom: "Marie"}
	require.NoError(t, repo.CreatePersonne(ctx, cedant))
	cessionnaire := &models.Personne{Nom: "Bertrand", Prenom: "Paul"}
	require.NoError(t, repo.CreatePersonne(ctx, cessionnaire))

	date := time.Date(1975, 3, 1, 0, 0, 0, 0, time.UTC)
	mouvement := &models.Mouvement{IDPersonne: cedant.ID, DateOperation: &date, NbParts: len(nums)}
	created, err := repo.RecordAcquisition(ctx, mouvement, structure.ID, nums)
	require.NoError(t, err)
	require.Len(t, created, len(nums))

	return structure.ID, cedant.ID, cessionnaire.ID, created
}

func TestRecordAcquisition(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	structureID, ownerID, _, parts := seedLedger(t, repo, []int{1, 2, 3})

	t.Run("creates one active row per number", func(t *testing.T) {
		for i, part := range parts {
			assert.Equal(t, i+1, part.NumPart)
			assert.Equal(t, ownerID, part.IDPersonne)
			assert.False(t, part.Termine)
			require.NotNil(t, part.IDMouvement)
			assert.Nil(t, part.IDMouvementTermine)
		}

		count, err := repo.CountActiveParts(ctx, ownerID, &structureID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("rejects an already active number", func(t *testing.T) {
		mouvement := &models.Mouvement{IDPersonne: ownerID, NbParts: 1}
		_, err := repo.RecordAcquisition(ctx, mouvement, structureID, []int{2})
		assert.ErrorIs(t, err, models.ErrDuplicateShareNumber)

		// Nothing was written
		count, err := repo.CountActiveParts(ctx, ownerID, &structureID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("same number is free in another structure", func(t *testing.T) {
		other := &models.Structure{NomStructure: "GFA des Homs", TypeStructure: models.TypeGFA, Gfa: "GFA2"}
		require.NoError(t, repo.CreateStructure(ctx, other))

		mouvement := &models.Mouvement{IDPersonne: ownerID, NbParts: 1}
		_, err := repo.RecordAcquisition(ctx, mouvement, other.ID, []int{2})
		assert.NoError(t, err)
	})
}

func TestCede(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	structureID, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{10, 11, 12})
	date := time.Date(2003, 9, 20, 0, 0, 0, 0, time.UTC)

	plan := models.CessionPlan{
		IDCedant:       cedantID,
		IDCessionnaire: cessionnaireID,
		PartIDs:        []int64{parts[0].ID, parts[1].ID},
		DateOperation:  &date,
	}

	outcome, err := repo.Cede(ctx, plan)
	require.NoError(t, err)

	t.Run("movement pair is symmetric", func(t *testing.T) {
		out, in := outcome.MouvementCedant, outcome.MouvementCessionnaire
		assert.Equal(t, models.SensCession, out.Sens)
		assert.Equal(t, models.SensAcquisition, in.Sens)
		assert.Equal(t, out.NbParts, in.NbParts)
		assert.Equal(t, 2, out.NbParts)
		assert.Equal(t, out.IDActe, in.IDActe)
		assert.Equal(t, out.DateOperation, in.DateOperation)
		assert.Equal(t, cedantID, out.IDPersonne)
		assert.Equal(t, cessionnaireID, in.IDPersonne)
	})

	t.Run("old rows terminated, replacements active", func(t *testing.T) {
		for _, id := range plan.PartIDs {
			old, err := repo.GetNumeroPart(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, old)
			assert.True(t, old.Termine)
			require.NotNil(t, old.IDMouvementTermine)
			assert.Equal(t, outcome.MouvementCedant.ID, *old.IDMouvementTermine)
			// The creating movement link is untouched
			assert.NotNil(t, old.IDMouvement)
		}

		require.Len(t, outcome.NewParts, 2)
		for i, part := range outcome.NewParts {
			assert.Equal(t, []int{10, 11}[i], part.NumPart)
			assert.Equal(t, cessionnaireID, part.IDPersonne)
			assert.False(t, part.Termine)
			require.NotNil(t, part.IDMouvement)
			assert.Equal(t, outcome.MouvementCessionnaire.ID, *part.IDMouvement)
		}
	})

	t.Run("total active count is conserved", func(t *testing.T) {
		cedantCount, err := repo.CountActiveParts(ctx, cedantID, &structureID)
		require.NoError(t, err)
		cessionnaireCount, err := repo.CountActiveParts(ctx, cessionnaireID, &structureID)
		require.NoError(t, err)
		assert.Equal(t, 1, cedantCount)
		assert.Equal(t, 2, cessionnaireCount)
		assert.Equal(t, 3, cedantCount+cessionnaireCount)
	})

	t.Run("each number keeps exactly one active row", func(t *testing.T) {
		for _, num := range []int{10, 11, 12} {
			part, err := repo.GetActivePart(ctx, structureID, num)
			require.NoError(t, err)
			require.NotNil(t, part)
		}
		duplicates, err := repo.DuplicateActiveNumbers(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, duplicates)
	})
}

func TestCedeRejections(t *testing.T) {
	ctx := context.Background()

	date := time.Date(2010, 1, 5, 0, 0, 0, 0, time.UTC)

	t.Run("share not owned by cedant", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{1})

		// Reversed direction: cessionnaire does not own anything yet
		_, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cessionnaireID,
			IDCessionnaire: cedantID,
			PartIDs:        []int64{parts[0].ID},
			DateOperation:  &date,
		})
		var invalid *models.InvalidTransferRequest
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "not owned")
	})

	t.Run("terminated share", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{1})

		_, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{parts[0].ID},
			DateOperation:  &date,
		})
		require.NoError(t, err)

		// The original row is now terminated; ceding it again must fail
		_, err = repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{parts[0].ID},
			DateOperation:  &date,
		})
		var invalid *models.InvalidTransferRequest
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "terminated")
	})

	t.Run("unknown share id", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, cedantID, cessionnaireID, _ := seedLedger(t, repo, []int{1})

		_, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{9999},
			DateOperation:  &date,
		})
		var invalid *models.InvalidTransferRequest
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("shares spanning two structures", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{1})

		other := &models.Structure{NomStructure: "TSL", TypeStructure: models.TypeTSL}
		require.NoError(t, repo.CreateStructure(ctx, other))
		mouvement := &models.Mouvement{IDPersonne: cedantID, NbParts: 1}
		otherParts, err := repo.RecordAcquisition(ctx, mouvement, other.ID, []int{1})
		require.NoError(t, err)

		_, err = repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{parts[0].ID, otherParts[0].ID},
			DateOperation:  &date,
		})
		var conflict *models.StructureResolutionConflict
		assert.ErrorAs(t, err, &conflict)
	})

	t.Run("missing acte leaves no partial writes", func(t *testing.T) {
		repo := NewMemoryRepository()
		structureID, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{1, 2})

		missing := int64(404)
		_, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{parts[0].ID, parts[1].ID},
			IDActe:         &missing,
			DateOperation:  &date,
		})
		require.ErrorIs(t, err, models.ErrNotFound)

		// Holdings are untouched and no orphan movement exists
		count, err := repo.CountActiveParts(ctx, cedantID, &structureID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		orphans, err := repo.MouvementsSansActes(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, orphans, 1) // only the seed acquisition
	})
}

func TestCedeActeHandling(t *testing.T) {
	ctx := context.Background()
	date := time.Date(2015, 4, 18, 0, 0, 0, 0, time.UTC)

	t.Run("creates the acte inside the transfer", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{1})

		acteDate := date.AddDate(0, 0, -7)
		outcome, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{parts[0].ID},
			NouvelActe:     &models.Acte{CodeActe: "2015-018", DateActe: &acteDate, Provisoire: true},
			DateOperation:  &date,
		})
		require.NoError(t, err)
		require.NotNil(t, outcome.Acte)
		assert.NotZero(t, outcome.Acte.ID)
		assert.True(t, outcome.Acte.Provisoire)

		stored, err := repo.GetActeByCode(ctx, "2015-018")
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.NotNil(t, outcome.MouvementCedant.IDActe)
		assert.Equal(t, stored.ID, *outcome.MouvementCedant.IDActe)
	})

	t.Run("transfer without acte is committed and visible to the sweep", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{1})

		outcome, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       cedantID,
			IDCessionnaire: cessionnaireID,
			PartIDs:        []int64{parts[0].ID},
			DateOperation:  &date,
		})
		require.NoError(t, err)
		assert.Nil(t, outcome.Acte)
		assert.Nil(t, outcome.MouvementCedant.IDActe)

		orphans, err := repo.MouvementsSansActes(ctx, nil)
		require.NoError(t, err)
		// Seed acquisition plus both halves of the pair
		assert.Len(t, orphans, 3)
	})
}

func TestListHistory(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, cedantID, cessionnaireID, parts := seedLedger(t, repo, []int{7})
	date := time.Date(2018, 11, 30, 0, 0, 0, 0, time.UTC)

	outcome, err := repo.Cede(ctx, models.CessionPlan{
		IDCedant:       cedantID,
		IDCessionnaire: cessionnaireID,
		PartIDs:        []int64{parts[0].ID},
		DateOperation:  &date,
	})
	require.NoError(t, err)

	t.Run("covers the whole lineage", func(t *testing.T) {
		// History of the terminated row and of its replacement is the same
		for _, id := range []int64{parts[0].ID, outcome.NewParts[0].ID} {
			history, err := repo.ListHistory(ctx, id, 0, 0)
			require.NoError(t, err)
			require.Len(t, history, 3) // acquisition + cession pair
			for i := 1; i < len(history); i++ {
				assert.Greater(t, history[i].ID, history[i-1].ID)
			}
		}
	})

	t.Run("cursor resumes after a movement id", func(t *testing.T) {
		full, err := repo.ListHistory(ctx, parts[0].ID, 0, 0)
		require.NoError(t, err)
		rest, err := repo.ListHistory(ctx, parts[0].ID, full[0].ID, 0)
		require.NoError(t, err)
		assert.Len(t, rest, len(full)-1)
	})

	t.Run("limit truncates", func(t *testing.T) {
		history, err := repo.ListHistory(ctx, parts[0].ID, 0, 1)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("unknown share", func(t *testing.T) {
		_, err := repo.ListHistory(ctx, 9999, 0, 0)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestGetActivePart(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	structureID, ownerID, _, _ := seedLedger(t, repo, []int{5})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.GetActivePart(ctx, structureID, 99)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("duplicate active rows surface loudly", func(t *testing.T) {
		// Simulate a legacy import that issued the same number twice
		repo.SeedPart(models.NumeroPart{NumPart: 5, IDPersonne: ownerID, IDStructure: &structureID})

		_, err := repo.GetActivePart(ctx, structureID, 5)
		var violation *models.IntegrityViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "unique active share number", violation.Invariant)
	})
}

func TestAnomalySweeps(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	structureID, ownerID, otherID, parts := seedLedger(t, repo, []int{1, 2})

	// Legacy-style damage, injected directly:
	// a row whose creating movement does not resolve
	dangling := int64(777)
	repo.SeedPart(models.NumeroPart{NumPart: 90, IDPersonne: ownerID, IDStructure: &structureID, IDMouvement: &dangling})
	// a row with no creating movement at all
	repo.SeedPart(models.NumeroPart{NumPart: 91, IDPersonne: ownerID, IDStructure: &structureID})
	// a row held by a person that does not exist
	repo.SeedPart(models.NumeroPart{NumPart: 92, IDPersonne: 4242, IDStructure: &structureID})
	// a movement for a person that does not exist
	repo.SeedMouvement(models.Mouvement{IDPersonne: 4242, Sens: models.SensAcquisition, NbParts: 1})
	// a duplicate active number
	repo.SeedPart(models.NumeroPart{NumPart: 1, IDPersonne: otherID, IDStructure: &structureID})
	// a number closed outside any transfer, then reissued
	repo.SeedPart(models.NumeroPart{NumPart: 93, IDPersonne: ownerID, IDStructure: &structureID, Termine: true})
	repo.SeedPart(models.NumeroPart{NumPart: 93, IDPersonne: otherID, IDStructure: &structureID})

	t.Run("parts sans mouvements", func(t *testing.T) {
		found, err := repo.PartsSansMouvements(ctx, nil)
		require.NoError(t, err)
		// The dangling reference, the null reference, the orphan-owner row,
		// the duplicate and both reissue rows were all seeded without a
		// creating movement
		nums := map[int]bool{}
		for _, p := range found {
			nums[p.NumPart] = true
		}
		assert.True(t, nums[90])
		assert.True(t, nums[91])
	})

	t.Run("duplicate active numbers", func(t *testing.T) {
		found, err := repo.DuplicateActiveNumbers(ctx, &structureID)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, 1, found[0].NumPart)
		assert.Len(t, found[0].PartIDs, 2)
		assert.Contains(t, found[0].PartIDs, parts[0].ID)
	})

	t.Run("parts sans actionnaires", func(t *testing.T) {
		found, err := repo.PartsSansActionnaires(ctx)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, 92, found[0].NumPart)
	})

	t.Run("mouvements sans actionnaires", func(t *testing.T) {
		found, err := repo.MouvementsSansActionnaires(ctx)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, int64(4242), found[0].IDPersonne)
	})

	t.Run("reissued numbers", func(t *testing.T) {
		found, err := repo.ReissuedNumbers(ctx, nil)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, 93, found[0].NumPart)
		assert.Equal(t, 1, found[0].Terminated)
	})

	t.Run("engine transfers never count as reissues", func(t *testing.T) {
		date := time.Date(2020, 2, 2, 0, 0, 0, 0, time.UTC)
		_, err := repo.Cede(ctx, models.CessionPlan{
			IDCedant:       ownerID,
			IDCessionnaire: otherID,
			PartIDs:        []int64{parts[1].ID},
			DateOperation:  &date,
		})
		require.NoError(t, err)

		found, err := repo.ReissuedNumbers(ctx, nil)
		require.NoError(t, err)
		require.Len(t, found, 1) // still only number 93
		assert.Equal(t, 93, found[0].NumPart)
	})

	t.Run("summary counts line up", func(t *testing.T) {
		summary, err := repo.AnomalySummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.DuplicateActiveNumbers)
		assert.Equal(t, 1, summary.PartsSansActionnaires)
		assert.Equal(t, 1, summary.MouvementsSansPersonnes)
		assert.Equal(t, 1, summary.ReissuedNumbers)
		assert.Equal(t,
			summary.PartsSansMouvements+summary.MouvementsSansActes+
				summary.DuplicateActiveNumbers+summary.PartsSansActionnaires+
				summary.MouvementsSansPersonnes+summary.ReissuedNumbers,
			summary.Total)
	})
}

func TestPartsTotals(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, _, otherID, _ := seedLedger(t, repo, []int{1, 2, 3})

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

func TestConcurrentCessions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	structureID, cedantID, _, parts := seedLedger(t, repo, []int{1})

	// Several buyers racing for the same share; exactly one wins
	const buyers = 8
	buyerIDs := make([]int64, buyers)
	for i := range buyerIDs {
		p := &models.Personne{Nom: "Acquéreur", Prenom: string(rune('A' + i))}
		require.NoError(t, repo.CreatePersonne(ctx, p))
		buyerIDs[i] = p.ID
	}

	date := time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC)
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

	successes, rejections := 0, 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var invalid *models.InvalidTransferRequest
		assert.True(t, errors.As(err, &invalid), "unexpected error: %v", err)
		rejections++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, buyers-1, rejections)

	// The number still has exactly one active row
	part, err := repo.GetActivePart(ctx, structureID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, cedantID, part.IDPersonne)

	duplicates, err := repo.DuplicateActiveNumbers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, duplicates)
}

func TestPersonneRegistry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	personne := &models.Personne{Nom: "Lacombe", Prenom: "Jeanne"}
	require.NoError(t, repo.CreatePersonne(ctx, personne))

	t.Run("flag update is independent of holdings", func(t *testing.T) {
		err := repo.UpdatePersonneFlags(ctx, personne.ID, models.PersonneFlags{Npai: true, Decede: true})
		require.NoError(t, err)

		got, err := repo.GetPersonne(ctx, personne.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Npai)
		assert.True(t, got.Decede)
		assert.False(t, got.CourrierRetourne)
	})

	t.Run("flag update on unknown personne", func(t *testing.T) {
		err := repo.UpdatePersonneFlags(ctx, 9999, models.PersonneFlags{})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("personne morale membership", func(t *testing.T) {
		morale := &models.Personne{Nom: "SCTL", EstPersonneMorale: true}
		require.NoError(t, repo.CreatePersonne(ctx, morale))

		require.NoError(t, repo.AddMembre(ctx, morale.ID, personne.ID))
		require.NoError(t, repo.AddMembre(ctx, morale.ID, personne.ID)) // idempotent

		membres, err := repo.ListMembres(ctx, morale.ID)
		require.NoError(t, err)
		require.Len(t, membres, 1)
		assert.Equal(t, personne.ID, membres[0].ID)
	})
}
