package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/camdarley/SCTL-GFA/internal/config"
	"github.com/camdarley/SCTL-GFA/internal/metrics"
	"github.com/camdarley/SCTL-GFA/internal/models"
	"github.com/camdarley/SCTL-GFA/internal/repository"
	"github.com/camdarley/SCTL-GFA/internal/utils"
)

// Service defines all the business logic operations
type Service interface {
	// Registries
	CreateStructure(ctx context.Context, structure *models.Structure) error
	GetStructure(ctx context.Context, structureID int64) (*models.Structure, error)
	ListStructures(ctx context.Context, typeStructure int) ([]models.Structure, error)
	CreatePersonne(ctx context.Context, personne *models.Personne) error
	GetPersonne(ctx context.Context, personneID int64) (*models.Personne, error)
	UpdatePersonneFlags(ctx context.Context, personneID int64, flags models.PersonneFlags) error
	AddMembre(ctx context.Context, personneMoraleID, membreID int64) error
	ListMembres(ctx context.Context, personneMoraleID int64) ([]models.Personne, error)
	CreateActe(ctx context.Context, acte *models.Acte) error
	GetActe(ctx context.Context, acteID int64) (*models.Acte, error)
	ListActes(ctx context.Context, provisoireOnly bool) ([]models.Acte, error)

	// Ledger writes
	RecordAcquisition(ctx context.Context, req models.AcquisitionRequest) (*models.AcquisitionResult, error)
	Cede(ctx context.Context, req models.CessionRequest) (*models.CessionResult, error)

	// Ledger reads
	GetActiveOwner(ctx context.Context, structureID int64, numPart int) (*models.Personne, *models.NumeroPart, error)
	CountActiveParts(ctx context.Context, personneID int64, structureID *int64) (int, error)
	PartsTotals(ctx context.Context) (*models.PartsTotals, error)
	ListHistory(ctx context.Context, partID int64, afterMouvementID int64, limit int) ([]models.Mouvement, error)

	// Anomaly reporting
	AnomalyReport(ctx context.Context, structureID *int64) (*models.AnomalyReport, error)
	AnomalySummary(ctx context.Context) (*models.AnomalySummary, error)
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo     repository.Repository
	validate *validator.Validate
	logger   *utils.Logger
	metrics  *metrics.Metrics
	retries  int
	// backoff between serialization-conflict retries; shortened in tests
	retryBackoff time.Duration
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, cfg *config.Config, logger *utils.Logger, m *metrics.Metrics) *DefaultService {
	retries := cfg.Ledger.CessionRetries
	if retries < 1 {
		retries = 1
	}
	return &DefaultService{
		repo:         repo,
		validate:     validator.New(),
		logger:       logger,
		metrics:      m,
		retries:      retries,
		retryBackoff: 50 * time.Millisecond,
	}
}

// Registry methods. Thin delegations; the registries carry no ledger
// invariants beyond referential existence, which the ledger writes check.

func (s *DefaultService) CreateStructure(ctx context.Context, structure *models.Structure) error {
	if strings.TrimSpace(structure.NomStructure) == "" {
		return &models.ValidationError{Field: "nomStructure", Reason: "must not be empty"}
	}
	return s.repo.CreateStructure(ctx, structure)
}

func (s *DefaultService) GetStructure(ctx context.Context, structureID int64) (*models.Structure, error) {
	return s.repo.GetStructure(ctx, structureID)
}

func (s *DefaultService) ListStructures(ctx context.Context, typeStructure int) ([]models.Structure, error) {
	return s.repo.ListStructures(ctx, typeStructure)
}

func (s *DefaultService) CreatePersonne(ctx context.Context, personne *models.Personne) error {
	if strings.TrimSpace(personne.Nom) == "" {
		return &models.ValidationError{Field: "nom", Reason: "must not be empty"}
	}
	return s.repo.CreatePersonne(ctx, personne)
}

func (s *DefaultService) GetPersonne(ctx context.Context, personneID int64) (*models.Personne, error) {
	return s.repo.GetPersonne(ctx, personneID)
}

func (s *DefaultService) UpdatePersonneFlags(ctx context.Context, personneID int64, flags models.PersonneFlags) error {
	return s.repo.UpdatePersonneFlags(ctx, personneID, flags)
}

func (s *DefaultService) AddMembre(ctx context.Context, personneMoraleID, membreID int64) error {
	morale, err := s.repo.GetPersonne(ctx, personneMoraleID)
	if err != nil {
		return fmt.Errorf("error checking personne morale: %w", err)
	}
	if morale == nil {
		return fmt.Errorf("personne morale %d: %w", personneMoraleID, models.ErrNotFound)
	}
	if !morale.EstPersonneMorale {
		return &models.ValidationError{Field: "idPersonneMorale", Reason: "target is not a personne morale"}
	}
	membre, err := s.repo.GetPersonne(ctx, membreID)
	if err != nil {
		return fmt.Errorf("error checking membre: %w", err)
	}
	if membre == nil {
		return fmt.Errorf("membre %d: %w", membreID, models.ErrNotFound)
	}
	return s.repo.AddMembre(ctx, personneMoraleID, membreID)
}

func (s *DefaultService) ListMembres(ctx context.Context, personneMoraleID int64) ([]models.Personne, error) {
	return s.repo.ListMembres(ctx, personneMoraleID)
}

func (s *DefaultService) CreateActe(ctx context.Context, acte *models.Acte) error {
	if strings.TrimSpace(acte.CodeActe) == "" {
		acte.CodeActe = generateActeCode()
	}
	return s.repo.CreateActe(ctx, acte)
}

func (s *DefaultService) GetActe(ctx context.Context, acteID int64) (*models.Acte, error) {
	return s.repo.GetActe(ctx, acteID)
}

func (s *DefaultService) ListActes(ctx context.Context, provisoireOnly bool) ([]models.Acte, error) {
	return s.repo.ListActes(ctx, provisoireOnly)
}

// Ledger write methods

// RecordAcquisition validates the request, resolves the legacy structure
// fields and records the acquisition movement with its share rows.
func (s *DefaultService) RecordAcquisition(ctx context.Context, req models.AcquisitionRequest) (*models.AcquisitionResult, error) {
	if err := s.validate.Struct(req); err != nil {
		s.metrics.AcquisitionOutcome("rejected")
		return nil, toValidationError(err)
	}
	if req.NbParts != len(req.NumsParts) {
		s.metrics.AcquisitionOutcome("rejected")
		return nil, &models.ValidationError{
			Field:  "nbParts",
			Reason: fmt.Sprintf("declared %d parts but listed %d numbers", req.NbParts, len(req.NumsParts)),
		}
	}
	if dup := firstDuplicateInt(req.NumsParts); dup != 0 {
		s.metrics.AcquisitionOutcome("rejected")
		return nil, &models.ValidationError{
			Field:  "numsParts",
			Reason: fmt.Sprintf("number %d listed more than once", dup),
		}
	}

	structureID, err := models.ResolveStructure(req.LegacyGfa, req.LegacyAutre)
	if err != nil {
		s.metrics.AcquisitionOutcome("rejected")
		return nil, err
	}

	if err := s.checkPersonne(ctx, req.IDPersonne, "idPersonne"); err != nil {
		s.metrics.AcquisitionOutcome("rejected")
		return nil, err
	}
	structure, err := s.repo.GetStructure(ctx, structureID)
	if err != nil {
		return nil, fmt.Errorf("error checking structure: %w", err)
	}
	if structure == nil {
		s.metrics.AcquisitionOutcome("rejected")
		return nil, fmt.Errorf("structure %d: %w", structureID, models.ErrNotFound)
	}
	if req.IDActe != nil {
		acte, err := s.repo.GetActe(ctx, *req.IDActe)
		if err != nil {
			return nil, fmt.Errorf("error checking acte: %w", err)
		}
		if acte == nil {
			s.metrics.AcquisitionOutcome("rejected")
			return nil, fmt.Errorf("acte %d: %w", *req.IDActe, models.ErrNotFound)
		}
	}

	mouvement := &models.Mouvement{
		IDPersonne:          req.IDPersonne,
		IDActe:              req.IDActe,
		DateOperation:       req.DateOperation,
		NbParts:             req.NbParts,
		IDTypeApport:        req.IDTypeApport,
		IDTypeRemboursement: req.IDTypeRemboursement,
	}

	var parts []models.NumeroPart
	err = s.withRetry(ctx, "acquisition", func() error {
		var raErr error
		parts, raErr = s.repo.RecordAcquisition(ctx, mouvement, structureID, req.NumsParts)
		return raErr
	})
	if err != nil {
		var conflict *models.ConcurrencyConflict
		switch {
		case errors.Is(err, models.ErrDuplicateShareNumber):
			s.metrics.AcquisitionOutcome("duplicate")
		case errors.As(err, &conflict):
			s.metrics.AcquisitionOutcome("conflict")
		default:
			s.metrics.AcquisitionOutcome("failed")
		}
		return nil, err
	}

	s.metrics.AcquisitionOutcome("committed")
	s.logger.Info("acquisition committed: personne=%d structure=%d parts=%d mouvement=%d",
		req.IDPersonne, structureID, len(parts), mouvement.ID)

	return &models.AcquisitionResult{
		Mouvement: *mouvement,
		Parts:     parts,
	}, nil
}

// Cede runs the transfer protocol. Validation failures abort before any
// write; serialization conflicts are retried up to the configured bound;
// everything else surfaces as-is. The returned result carries the terminal
// state and a reference for audit correlation.
func (s *DefaultService) Cede(ctx context.Context, req models.CessionRequest) (*models.CessionResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveCession(time.Since(start)) }()

	reference := uuid.New().String()

	plan, err := s.planCession(ctx, req)
	if err != nil {
		s.metrics.CessionOutcome("aborted")
		return nil, err
	}

	var outcome *models.CessionOutcome
	err = s.withRetry(ctx, "cession "+reference, func() error {
		var cedeErr error
		outcome, cedeErr = s.repo.Cede(ctx, *plan)
		return cedeErr
	})
	if err != nil {
		var conflict *models.ConcurrencyConflict
		if errors.As(err, &conflict) {
			s.metrics.CessionOutcome("conflict")
			return nil, err
		}
		var violation *models.IntegrityViolation
		if errors.As(err, &violation) {
			s.logger.Error("cession %s aborted on integrity violation: %v", reference, violation)
		}
		s.metrics.CessionOutcome("aborted")
		return nil, err
	}

	result := &models.CessionResult{
		Reference:             reference,
		MouvementCedant:       outcome.MouvementCedant,
		MouvementCessionnaire: outcome.MouvementCessionnaire,
		Acte:                  outcome.Acte,
		NewPartIDs:            make([]int64, 0, len(outcome.NewParts)),
		SansActe:              outcome.Acte == nil,
		State:                 models.StateCommitted,
	}
	for _, part := range outcome.NewParts {
		result.NewPartIDs = append(result.NewPartIDs, part.ID)
	}

	s.metrics.CessionOutcome("committed")
	if result.SansActe {
		s.metrics.SansActe()
		s.logger.Warn("cession %s committed with no acte: cedant=%d cessionnaire=%d parts=%d",
			reference, req.IDCedant, req.IDCessionnaire, len(result.NewPartIDs))
	} else {
		s.logger.Info("cession %s committed: cedant=%d cessionnaire=%d parts=%d",
			reference, req.IDCedant, req.IDCessionnaire, len(result.NewPartIDs))
	}

	return result, nil
}

// planCession turns a validated request into the repository-level plan.
// Everything here runs before the transaction opens; repeated attempts
// reuse the same plan.
func (s *DefaultService) planCession(ctx context.Context, req models.CessionRequest) (*models.CessionPlan, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}
	if req.IDCedant == req.IDCessionnaire {
		return nil, &models.InvalidTransferRequest{
			Reason: "cedant and cessionnaire are the same person",
		}
	}
	if req.IDActe != nil && req.NouvelActe != nil {
		return nil, &models.ValidationError{
			Field:  "idActe",
			Reason: "cannot both reference an acte and create one",
		}
	}

	if err := s.checkPersonne(ctx, req.IDCedant, "idCedant"); err != nil {
		return nil, err
	}
	if err := s.checkPersonne(ctx, req.IDCessionnaire, "idCessionnaire"); err != nil {
		return nil, err
	}

	// Sort and dedupe so the transaction locks rows in ascending id order
	partIDs := append([]int64(nil), req.PartIDs...)
	sort.Slice(partIDs, func(i, j int) bool { return partIDs[i] < partIDs[j] })
	for i := 1; i < len(partIDs); i++ {
		if partIDs[i] == partIDs[i-1] {
			return nil, &models.ValidationError{
				Field:  "partIds",
				Reason: fmt.Sprintf("share %d listed more than once", partIDs[i]),
			}
		}
	}

	plan := &models.CessionPlan{
		IDCedant:       req.IDCedant,
		IDCessionnaire: req.IDCessionnaire,
		PartIDs:        partIDs,
		IDActe:         req.IDActe,
		DateOperation:  req.DateOperation,
	}

	if req.NouvelActe != nil {
		if err := s.validate.Struct(req.NouvelActe); err != nil {
			return nil, toValidationError(err)
		}
		code := strings.TrimSpace(req.NouvelActe.CodeActe)
		if code == "" {
			code = generateActeCode()
		}
		plan.NouvelActe = &models.Acte{
			CodeActe:    code,
			DateActe:    req.NouvelActe.DateActe,
			LibelleActe: req.NouvelActe.LibelleActe,
			IDStructure: req.NouvelActe.IDStructure,
			Provisoire:  req.NouvelActe.Provisoire,
		}
	}

	return plan, nil
}

// Ledger read methods

// GetActiveOwner resolves the current holder of (structure, number).
func (s *DefaultService) GetActiveOwner(ctx context.Context, structureID int64, numPart int) (*models.Personne, *models.NumeroPart, error) {
	part, err := s.repo.GetActivePart(ctx, structureID, numPart)
	if err != nil {
		return nil, nil, err
	}

	personne, err := s.repo.GetPersonne(ctx, part.IDPersonne)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting owner: %w", err)
	}
	if personne == nil {
		// Active share pointing at a missing person is legacy damage; the
		// sweep reports it, the lookup surfaces it.
		return nil, part, fmt.Errorf("owner %d of share %d: %w", part.IDPersonne, part.ID, models.ErrNotFound)
	}

	return personne, part, nil
}

func (s *DefaultService) CountActiveParts(ctx context.Context, personneID int64, structureID *int64) (int, error) {
	return s.repo.CountActiveParts(ctx, personneID, structureID)
}

func (s *DefaultService) PartsTotals(ctx context.Context) (*models.PartsTotals, error) {
	return s.repo.PartsTotals(ctx)
}

func (s *DefaultService) ListHistory(ctx context.Context, partID int64, afterMouvementID int64, limit int) ([]models.Mouvement, error) {
	return s.repo.ListHistory(ctx, partID, afterMouvementID, limit)
}

// Anomaly reporting

// AnomalyReport fans the six sweeps out concurrently. Each sweep is an
// independent read; approximate cross-sweep consistency is acceptable for
// the full listing, unlike AnomalySummary which takes one snapshot.
func (s *DefaultService) AnomalyReport(ctx context.Context, structureID *int64) (*models.AnomalyReport, error) {
	report := &models.AnomalyReport{}
	g, ctx := errgroup.WithContext(ctx)

	run := func(name string, fn func() error) {
		g.Go(func() error {
			start := time.Now()
			err := fn()
			s.metrics.ObserveSweep(name, time.Since(start))
			if err != nil {
				return fmt.Errorf("%s sweep: %w", name, err)
			}
			return nil
		})
	}

	run("parts_sans_mouvements", func() (err error) {
		report.PartsSansMouvements, err = s.repo.PartsSansMouvements(ctx, structureID)
		return
	})
	run("mouvements_sans_actes", func() (err error) {
		report.MouvementsSansActes, err = s.repo.MouvementsSansActes(ctx, structureID)
		return
	})
	run("duplicate_active_numbers", func() (err error) {
		report.DuplicateActiveNumbers, err = s.repo.DuplicateActiveNumbers(ctx, structureID)
		return
	})
	run("parts_sans_actionnaires", func() (err error) {
		report.PartsSansActionnaires, err = s.repo.PartsSansActionnaires(ctx)
		return
	})
	run("mouvements_sans_actionnaires", func() (err error) {
		report.MouvementsSansPersonnes, err = s.repo.MouvementsSansActionnaires(ctx)
		return
	})
	run("reissued_numbers", func() (err error) {
		report.ReissuedNumbers, err = s.repo.ReissuedNumbers(ctx, structureID)
		return
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *DefaultService) AnomalySummary(ctx context.Context) (*models.AnomalySummary, error) {
	start := time.Now()
	summary, err := s.repo.AnomalySummary(ctx)
	s.metrics.ObserveSweep("summary", time.Since(start))
	if err != nil {
		return nil, err
	}
	s.metrics.SetAnomalyTotal(summary.Total)
	return summary, nil
}

// Helpers

// withRetry runs fn, retrying serialization conflicts up to the configured
// bound with increasing backoff. Every mutating entry point goes through
// it; any other error surfaces on the first attempt.
func (s *DefaultService) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var conflict *models.ConcurrencyConflict
		if !errors.As(err, &conflict) {
			return err
		}
		if attempt >= s.retries {
			s.logger.Error("%s: giving up after %d serialization conflict(s)", op, attempt)
			conflict.Attempts = attempt
			return conflict
		}

		s.metrics.Retry()
		s.logger.Info("%s: serialization conflict, retrying (%d/%d)", op, attempt, s.retries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.retryBackoff):
		}
	}
}

func (s *DefaultService) checkPersonne(ctx context.Context, personneID int64, field string) error {
	personne, err := s.repo.GetPersonne(ctx, personneID)
	if err != nil {
		return fmt.Errorf("error checking %s: %w", field, err)
	}
	if personne == nil {
		return fmt.Errorf("%s %d: %w", field, personneID, models.ErrNotFound)
	}
	return nil
}

// generateActeCode makes a unique fallback code for actes created without
// one, keeping code_acte usable as a human reference.
func generateActeCode() string {
	return "ACTE-" + strings.ToUpper(uuid.New().String()[:8])
}

// toValidationError converts the first validator finding into the domain
// error type.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return &models.ValidationError{
			Field:  first.Field(),
			Reason: fmt.Sprintf("failed %q constraint", first.Tag()),
		}
	}
	return &models.ValidationError{Field: "request", Reason: err.Error()}
}

func firstDuplicateInt(nums []int) int {
	seen := make(map[int]struct{}, len(nums))
	for _, n := range nums {
		if _, ok := seen[n]; ok {
			return n
		}
		seen[n] = struct{}{}
	}
	return 0
}
