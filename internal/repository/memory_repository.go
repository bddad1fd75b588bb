package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/camdarley/SCTL-GFA/internal/models"
)

// MemoryRepository is an in-memory Repository for unit tests and local
// experimentation. A single mutex stands in for the database transaction
// boundary: every write validates fully before mutating, so an aborted
// operation leaves nothing behind, mirroring the rollback semantics of the
// Postgres implementation.
type MemoryRepository struct {
	mu sync.RWMutex

	structures map[int64]models.Structure
	personnes  map[int64]models.Personne
	actes      map[int64]models.Acte
	mouvements map[int64]models.Mouvement
	parts      map[int64]models.NumeroPart
	membres    map[int64][]int64 // personne morale id -> member ids

	nextStructureID int64
	nextPersonneID  int64
	nextActeID      int64
	nextMouvementID int64
	nextPartID      int64
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		structures: make(map[int64]models.Structure),
		personnes:  make(map[int64]models.Personne),
		actes:      make(map[int64]models.Acte),
		mouvements: make(map[int64]models.Mouvement),
		parts:      make(map[int64]models.NumeroPart),
		membres:    make(map[int64][]int64),
	}
}

// Structure repository methods
func (r *MemoryRepository) CreateStructure(ctx context.Context, structure *models.Structure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if structure.ID == 0 {
		r.nextStructureID++
		structure.ID = r.nextStructureID
	} else if structure.ID > r.nextStructureID {
		r.nextStructureID = structure.ID
	}
	r.structures[structure.ID] = *structure
	return nil
}

func (r *MemoryRepository) GetStructure(ctx context.Context, structureID int64) (*models.Structure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	structure, ok := r.structures[structureID]
	if !ok {
		return nil, nil
	}
	return &structure, nil
}

func (r *MemoryRepository) ListStructures(ctx context.Context, typeStructure int) ([]models.Structure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var structures []models.Structure
	for _, s := range r.structures {
		if typeStructure == models.TypeAllStructures || s.TypeStructure == typeStructure {
			structures = append(structures, s)
		}
	}
	sort.Slice(structures, func(i, j int) bool { return structures[i].ID < structures[j].ID })
	return structures, nil
}

// Personne repository methods
func (r *MemoryRepository) CreatePersonne(ctx context.Context, personne *models.Personne) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if personne.ID == 0 {
		r.nextPersonneID++
		personne.ID = r.nextPersonneID
	} else if personne.ID > r.nextPersonneID {
		r.nextPersonneID = personne.ID
	}
	r.personnes[personne.ID] = *personne
	return nil
}

func (r *MemoryRepository) GetPersonne(ctx context.Context, personneID int64) (*models.Personne, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	personne, ok := r.personnes[personneID]
	if !ok {
		return nil, nil
	}
	return &personne, nil
}

func (r *MemoryRepository) UpdatePersonneFlags(ctx context.Context, personneID int64, flags models.PersonneFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	personne, ok := r.personnes[personneID]
	if !ok {
		return fmt.Errorf("personne %d: %w", personneID, models.ErrNotFound)
	}
	personne.Npai = flags.Npai
	personne.Decede = flags.Decede
	personne.CourrierRetourne = flags.CourrierRetourne
	personne.PasConvocAG = flags.PasConvocAG
	personne.PasConvocTSL = flags.PasConvocTSL
	personne.Termine = flags.Termine
	r.personnes[personneID] = personne
	return nil
}

func (r *MemoryRepository) AddMembre(ctx context.Context, personneMoraleID, membreID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.membres[personneMoraleID] {
		if id == membreID {
			return nil
		}
	}
	r.membres[personneMoraleID] = append(r.membres[personneMoraleID], membreID)
	return nil
}

func (r *MemoryRepository) ListMembres(ctx context.Context, personneMoraleID int64) ([]models.Personne, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var membres []models.Personne
	for _, id := range r.membres[personneMoraleID] {
		if p, ok := r.personnes[id]; ok {
			membres = append(membres, p)
		}
	}
	sort.Slice(membres, func(i, j int) bool { return membres[i].ID < membres[j].ID })
	return membres, nil
}

// Acte repository methods
func (r *MemoryRepository) CreateActe(ctx context.Context, acte *models.Acte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.createActeLocked(acte)
	return nil
}

func (r *MemoryRepository) createActeLocked(acte *models.Acte) {
	if acte.ID == 0 {
		r.nextActeID++
		acte.ID = r.nextActeID
	} else if acte.ID > r.nextActeID {
		r.nextActeID = acte.ID
	}
	r.actes[acte.ID] = *acte
}

func (r *MemoryRepository) GetActe(ctx context.Context, acteID int64) (*models.Acte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acte, ok := r.actes[acteID]
	if !ok {
		return nil, nil
	}
	return &acte, nil
}

func (r *MemoryRepository) GetActeByCode(ctx context.Context, codeActe string) (*models.Acte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *models.Acte
	for id, acte := range r.actes {
		if acte.CodeActe == codeActe {
			if found == nil || id < found.ID {
				a := acte
				found = &a
			}
		}
	}
	return found, nil
}

func (r *MemoryRepository) ListActes(ctx context.Context, provisoireOnly bool) ([]models.Acte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var actes []models.Acte
	for _, acte := range r.actes {
		if provisoireOnly && !acte.Provisoire {
			continue
		}
		actes = append(actes, acte)
	}
	sort.Slice(actes, func(i, j int) bool { return actes[i].ID < actes[j].ID })
	return actes, nil
}

// Ledger write methods
func (r *MemoryRepository) RecordAcquisition(
	ctx context.Context,
	mouvement *models.Mouvement,
	structureID int64,
	numsParts []int,
) ([]models.NumeroPart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate before touching anything
	for _, num := range numsParts {
		for _, part := range r.parts {
			if !part.Termine && part.IDStructure != nil && *part.IDStructure == structureID && part.NumPart == num {
				return nil, fmt.Errorf("structure %d, number %d: %w", structureID, num, models.ErrDuplicateShareNumber)
			}
		}
	}

	r.nextMouvementID++
	mouvement.ID = r.nextMouvementID
	mouvement.Sens = models.SensAcquisition
	r.mouvements[mouvement.ID] = *mouvement

	parts := make([]models.NumeroPart, 0, len(numsParts))
	for _, num := range numsParts {
		r.nextPartID++
		sid := structureID
		mid := mouvement.ID
		part := models.NumeroPart{
			ID:          r.nextPartID,
			NumPart:     num,
			IDPersonne:  mouvement.IDPersonne,
			IDMouvement: &mid,
			IDStructure: &sid,
		}
		r.parts[part.ID] = part
		parts = append(parts, part)
	}

	return parts, nil
}

func (r *MemoryRepository) Cede(ctx context.Context, plan models.CessionPlan) (*models.CessionOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Validation phase: nothing is mutated until every check passes, so an
	// abort leaves no partial writes, matching the SQL rollback behavior.
	parts := make([]models.NumeroPart, 0, len(plan.PartIDs))
	var structureID int64
	for _, id := range plan.PartIDs {
		part, ok := r.parts[id]
		if !ok {
			return nil, &models.InvalidTransferRequest{
				Reason: fmt.Sprintf("share %d does not exist", id),
			}
		}
		if part.Termine {
			return nil, &models.InvalidTransferRequest{
				Reason: fmt.Sprintf("share %d (n°%d) is terminated", part.ID, part.NumPart),
			}
		}
		if part.IDPersonne != plan.IDCedant {
			return nil, &models.InvalidTransferRequest{
				Reason: fmt.Sprintf("share %d (n°%d) is not owned by cedant %d", part.ID, part.NumPart, plan.IDCedant),
			}
		}
		if part.IDStructure == nil {
			return nil, &models.StructureResolutionConflict{
				Detail: fmt.Sprintf("share %d has no resolved structure", part.ID),
			}
		}
		if structureID == 0 {
			structureID = *part.IDStructure
		} else if structureID != *part.IDStructure {
			return nil, &models.StructureResolutionConflict{
				Detail: fmt.Sprintf("shares span structures %d and %d", structureID, *part.IDStructure),
			}
		}
		parts = append(parts, part)
	}

	var acte *models.Acte
	acteID := plan.IDActe
	if plan.NouvelActe == nil && acteID != nil {
		existing, ok := r.actes[*acteID]
		if !ok {
			return nil, fmt.Errorf("acte %d: %w", *acteID, models.ErrNotFound)
		}
		acte = &existing
	}

	// Commit phase
	if plan.NouvelActe != nil {
		acte = plan.NouvelActe
		r.createActeLocked(acte)
		acteID = &acte.ID
	}

	newMouvement := func(personneID int64, sens bool) models.Mouvement {
		r.nextMouvementID++
		m := models.Mouvement{
			ID:            r.nextMouvementID,
			IDPersonne:    personneID,
			IDActe:        acteID,
			DateOperation: plan.DateOperation,
			Sens:          sens,
			NbParts:       len(parts),
		}
		r.mouvements[m.ID] = m
		return m
	}

	mouvementCedant := newMouvement(plan.IDCedant, models.SensCession)
	mouvementCessionnaire := newMouvement(plan.IDCessionnaire, models.SensAcquisition)

	newParts := make([]models.NumeroPart, 0, len(parts))
	for _, old := range parts {
		closed := old
		closed.Termine = true
		terminatedBy := mouvementCedant.ID
		closed.IDMouvementTermine = &terminatedBy
		r.parts[closed.ID] = closed

		r.nextPartID++
		mid := mouvementCessionnaire.ID
		part := models.NumeroPart{
			ID:          r.nextPartID,
			NumPart:     old.NumPart,
			IDPersonne:  plan.IDCessionnaire,
			IDMouvement: &mid,
			IDStructure: old.IDStructure,
			Distribue:   old.Distribue,
			Etat:        old.Etat,
		}
		r.parts[part.ID] = part
		newParts = append(newParts, part)
	}

	return &models.CessionOutcome{
		MouvementCedant:       mouvementCedant,
		MouvementCessionnaire: mouvementCessionnaire,
		Acte:                  acte,
		NewParts:              newParts,
	}, nil
}

// Ledger read methods
func (r *MemoryRepository) GetNumeroPart(ctx context.Context, partID int64) (*models.NumeroPart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	part, ok := r.parts[partID]
	if !ok {
		return nil, nil
	}
	return &part, nil
}

func (r *MemoryRepository) GetActivePart(ctx context.Context, structureID int64, numPart int) (*models.NumeroPart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []models.NumeroPart
	for _, part := range r.parts {
		if !part.Termine && part.IDStructure != nil && *part.IDStructure == structureID && part.NumPart == numPart {
			matches = append(matches, part)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("active share %d in structure %d: %w", numPart, structureID, models.ErrNotFound)
	case 1:
		return &matches[0], nil
	default:
		return nil, &models.IntegrityViolation{
			Invariant: "unique active share number",
			Detail:    fmt.Sprintf("%d active rows for number %d in structure %d", len(matches), numPart, structureID),
		}
	}
}

func (r *MemoryRepository) CountActiveParts(ctx context.Context, personneID int64, structureID *int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, part := range r.parts {
		if part.Termine || part.IDPersonne != personneID {
			continue
		}
		if structureID != nil && (part.IDStructure == nil || *part.IDStructure != *structureID) {
			continue
		}
		count++
	}
	return count, nil
}

func (r *MemoryRepository) PartsTotals(ctx context.Context) (*models.PartsTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := &models.PartsTotals{}
	holders := make(map[int64]struct{})
	for _, part := range r.parts {
		if part.Termine || part.IDStructure == nil {
			continue
		}
		s, ok := r.structures[*part.IDStructure]
		if !ok {
			continue
		}
		switch s.TypeStructure {
		case models.TypeGFA:
			totals.Gfa++
		case models.TypeTSL:
			totals.Tsl++
		default:
			continue
		}
		holders[part.IDPersonne] = struct{}{}
	}
	totals.Total = totals.Gfa + totals.Tsl
	totals.Actionnaires = len(holders)
	return totals, nil
}

func (r *MemoryRepository) ListHistory(ctx context.Context, partID int64, afterMouvementID int64, limit int) ([]models.Mouvement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	part, ok := r.parts[partID]
	if !ok {
		return nil, fmt.Errorf("share %d: %w", partID, models.ErrNotFound)
	}
	if part.IDStructure == nil {
		return nil, &models.StructureResolutionConflict{
			Detail: fmt.Sprintf("share %d has no resolved structure", partID),
		}
	}

	seen := make(map[int64]struct{})
	var mouvements []models.Mouvement
	for _, lineage := range r.parts {
		if lineage.IDStructure == nil || *lineage.IDStructure != *part.IDStructure || lineage.NumPart != part.NumPart {
			continue
		}
		for _, ref := range []*int64{lineage.IDMouvement, lineage.IDMouvementTermine} {
			if ref == nil {
				continue
			}
			if _, dup := seen[*ref]; dup {
				continue
			}
			if m, ok := r.mouvements[*ref]; ok && m.ID > afterMouvementID {
				seen[*ref] = struct{}{}
				mouvements = append(mouvements, m)
			}
		}
	}
	sort.Slice(mouvements, func(i, j int) bool { return mouvements[i].ID < mouvements[j].ID })
	if limit > 0 && len(mouvements) > limit {
		mouvements = mouvements[:limit]
	}
	return mouvements, nil
}

// Anomaly sweeps
func (r *MemoryRepository) PartsSansMouvements(ctx context.Context, structureID *int64) ([]models.NumeroPart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var parts []models.NumeroPart
	for _, part := range r.parts {
		if structureID != nil && (part.IDStructure == nil || *part.IDStructure != *structureID) {
			continue
		}
		if part.IDMouvement == nil {
			parts = append(parts, part)
			continue
		}
		if _, ok := r.mouvements[*part.IDMouvement]; !ok {
			parts = append(parts, part) // dangling reference
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	return parts, nil
}

func (r *MemoryRepository) MouvementsSansActes(ctx context.Context, structureID *int64) ([]models.Mouvement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var mouvements []models.Mouvement
	for _, m := range r.mouvements {
		if m.IDActe != nil {
			continue
		}
		if structureID != nil {
			p, ok := r.personnes[m.IDPersonne]
			if !ok || p.IDStructure == nil || *p.IDStructure != *structureID {
				continue
			}
		}
		mouvements = append(mouvements, m)
	}
	sort.Slice(mouvements, func(i, j int) bool { return mouvements[i].ID < mouvements[j].ID })
	return mouvements, nil
}

func (r *MemoryRepository) DuplicateActiveNumbers(ctx context.Context, structureID *int64) ([]models.DuplicateActiveNumber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct {
		structure int64
		num       int
	}
	groups := make(map[key][]int64)
	for _, part := range r.parts {
		if part.Termine || part.IDStructure == nil {
			continue
		}
		if structureID != nil && *part.IDStructure != *structureID {
			continue
		}
		k := key{*part.IDStructure, part.NumPart}
		groups[k] = append(groups[k], part.ID)
	}

	var duplicates []models.DuplicateActiveNumber
	for k, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		duplicates = append(duplicates, models.DuplicateActiveNumber{
			IDStructure: k.structure,
			NumPart:     k.num,
			PartIDs:     ids,
		})
	}
	sort.Slice(duplicates, func(i, j int) bool {
		if duplicates[i].IDStructure != duplicates[j].IDStructure {
			return duplicates[i].IDStructure < duplicates[j].IDStructure
		}
		return duplicates[i].NumPart < duplicates[j].NumPart
	})
	return duplicates, nil
}

func (r *MemoryRepository) PartsSansActionnaires(ctx context.Context) ([]models.NumeroPart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var parts []models.NumeroPart
	for _, part := range r.parts {
		if _, ok := r.personnes[part.IDPersonne]; !ok {
			parts = append(parts, part)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	return parts, nil
}

func (r *MemoryRepository) MouvementsSansActionnaires(ctx context.Context) ([]models.Mouvement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var mouvements []models.Mouvement
	for _, m := range r.mouvements {
		if _, ok := r.personnes[m.IDPersonne]; !ok {
			mouvements = append(mouvements, m)
		}
	}
	sort.Slice(mouvements, func(i, j int) bool { return mouvements[i].ID < mouvements[j].ID })
	return mouvements, nil
}

func (r *MemoryRepository) ReissuedNumbers(ctx context.Context, structureID *int64) ([]models.ReissuedNumber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var reissued []models.ReissuedNumber
	for _, active := range r.parts {
		if active.Termine || active.IDStructure == nil {
			continue
		}
		if structureID != nil && *active.IDStructure != *structureID {
			continue
		}
		closedOutsideTransfer := 0
		for _, other := range r.parts {
			if !other.Termine || other.IDStructure == nil {
				continue
			}
			if *other.IDStructure == *active.IDStructure && other.NumPart == active.NumPart && other.IDMouvementTermine == nil {
				closedOutsideTransfer++
			}
		}
		if closedOutsideTransfer > 0 {
			reissued = append(reissued, models.ReissuedNumber{
				IDStructure:  *active.IDStructure,
				NumPart:      active.NumPart,
				ActivePartID: active.ID,
				Terminated:   closedOutsideTransfer,
			})
		}
	}
	sort.Slice(reissued, func(i, j int) bool {
		if reissued[i].IDStructure != reissued[j].IDStructure {
			return reissued[i].IDStructure < reissued[j].IDStructure
		}
		return reissued[i].NumPart < reissued[j].NumPart
	})
	return reissued, nil
}

func (r *MemoryRepository) AnomalySummary(ctx context.Context) (*models.AnomalySummary, error) {
	partsSansMvt, err := r.PartsSansMouvements(ctx, nil)
	if err != nil {
		return nil, err
	}
	mvtSansActes, err := r.MouvementsSansActes(ctx, nil)
	if err != nil {
		return nil, err
	}
	duplicates, err := r.DuplicateActiveNumbers(ctx, nil)
	if err != nil {
		return nil, err
	}
	partsSansPers, err := r.PartsSansActionnaires(ctx)
	if err != nil {
		return nil, err
	}
	mvtSansPers, err := r.MouvementsSansActionnaires(ctx)
	if err != nil {
		return nil, err
	}
	reissued, err := r.ReissuedNumbers(ctx, nil)
	if err != nil {
		return nil, err
	}

	summary := &models.AnomalySummary{
		PartsSansMouvements:     len(partsSansMvt),
		MouvementsSansActes:     len(mvtSansActes),
		DuplicateActiveNumbers:  len(duplicates),
		PartsSansActionnaires:   len(partsSansPers),
		MouvementsSansPersonnes: len(mvtSansPers),
		ReissuedNumbers:         len(reissued),
	}
	summary.Total = summary.PartsSansMouvements + summary.MouvementsSansActes +
		summary.DuplicateActiveNumbers + summary.PartsSansActionnaires +
		summary.MouvementsSansPersonnes + summary.ReissuedNumbers
	return summary, nil
}

// SeedPart inserts a raw NumeroPart row, bypassing ledger validation.
// Test helper for simulating legacy imports (dangling movement references,
// duplicate active numbers). Not part of the Repository interface.
func (r *MemoryRepository) SeedPart(part models.NumeroPart) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if part.ID == 0 {
		r.nextPartID++
		part.ID = r.nextPartID
	} else if part.ID > r.nextPartID {
		r.nextPartID = part.ID
	}
	r.parts[part.ID] = part
	return part.ID
}

// SeedMouvement inserts a raw Mouvement row, bypassing ledger validation.
func (r *MemoryRepository) SeedMouvement(m models.Mouvement) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == 0 {
		r.nextMouvementID++
		m.ID = r.nextMouvementID
	} else if m.ID > r.nextMouvementID {
		r.nextMouvementID = m.ID
	}
	r.mouvements[m.ID] = m
	return m.ID
}
