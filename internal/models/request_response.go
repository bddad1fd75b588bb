package models

import (
	"time"
)

// AcquisitionRequest asks for a new capital entry: one acquisition movement
// plus one NumeroPart row per supplied share number. The structure is
// addressed through the legacy dual fields and resolved before any write.
type AcquisitionRequest struct {
	IDPersonne          int64      `json:"idPersonne" validate:"required,gt=0"`
	IDActe              *int64     `json:"idActe" validate:"omitempty,gt=0"`
	DateOperation       *time.Time `json:"dateOperation"`
	NbParts             int        `json:"nbParts" validate:"required,gt=0"`
	NumsParts           []int      `json:"numsParts" validate:"required,min=1,dive,gt=0"`
	LegacyGfa           int64      `json:"legacyGfa" validate:"gte=0"`
	LegacyAutre         int64      `json:"legacyAutre" validate:"gte=0"`
	IDTypeApport        *int64     `json:"idTypeApport" validate:"omitempty,gt=0"`
	IDTypeRemboursement *int64     `json:"idTypeRemboursement" validate:"omitempty,gt=0"`
}

// AcquisitionResult reports the committed movement and the created rows.
type AcquisitionResult struct {
	Mouvement Mouvement    `json:"mouvement"`
	Parts     []NumeroPart `json:"parts"`
}

// ActeCreation is the payload for creating an acte inline with a cession.
type ActeCreation struct {
	CodeActe    string     `json:"codeActe" validate:"max=50"`
	DateActe    *time.Time `json:"dateActe"`
	LibelleActe string     `json:"libelleActe" validate:"max=255"`
	IDStructure *int64     `json:"idStructure" validate:"omitempty,gt=0"`
	Provisoire  bool       `json:"provisoire"`
}

// CessionRequest asks for a transfer of the listed shares from the cedant
// to the cessionnaire. Exactly one of IDActe / NouvelActe may be set;
// neither is legal but flags the resulting movements for anomaly tracking.
type CessionRequest struct {
	IDCedant       int64         `json:"idCedant" validate:"required,gt=0"`
	IDCessionnaire int64         `json:"idCessionnaire" validate:"required,gt=0"`
	PartIDs        []int64       `json:"partIds" validate:"required,min=1,dive,gt=0"`
	IDActe         *int64        `json:"idActe" validate:"omitempty,gt=0"`
	NouvelActe     *ActeCreation `json:"nouvelActe"`
	DateOperation  *time.Time    `json:"dateOperation"`
}

// CessionState tracks the protocol's progress. The terminal states are
// StateCommitted and StateAborted.
type CessionState string

const (
	StateInitiated            CessionState = "initiated"
	StatePartsValidated       CessionState = "parts_validated"
	StateActResolved          CessionState = "act_resolved"
	StateMovementsCreated     CessionState = "movements_created"
	StateOwnershipTransferred CessionState = "ownership_transferred"
	StateCommitted            CessionState = "committed"
	StateAborted              CessionState = "aborted"
)

// CessionResult reports a committed transfer: the symmetric movement pair,
// the replacement rows, and a reference for audit correlation.
type CessionResult struct {
	Reference             string       `json:"reference"`
	MouvementCedant       Mouvement    `json:"mouvementCedant"`
	MouvementCessionnaire Mouvement    `json:"mouvementCessionnaire"`
	Acte                  *Acte        `json:"acte"`
	NewPartIDs            []int64      `json:"newPartIds"`
	SansActe              bool         `json:"sansActe"` // legal, but tracked as an anomaly
	State                 CessionState `json:"state"`
}

// CessionPlan is the repository-level input for one transfer transaction.
// The service has already validated the request shape and sorted PartIDs
// ascending so concurrent transfers lock rows in a consistent order.
type CessionPlan struct {
	IDCedant       int64
	IDCessionnaire int64
	PartIDs        []int64
	IDActe         *int64
	NouvelActe     *Acte // created inside the transaction when non-nil
	DateOperation  *time.Time
}

// CessionOutcome is what one committed transfer transaction produced.
type CessionOutcome struct {
	MouvementCedant       Mouvement
	MouvementCessionnaire Mouvement
	Acte                  *Acte
	NewParts              []NumeroPart
}

// DuplicateActiveNumber is one invariant-1 violation: a share number with
// more than one active row in the same structure.
type DuplicateActiveNumber struct {
	IDStructure int64   `json:"idStructure"`
	NumPart     int     `json:"numPart"`
	PartIDs     []int64 `json:"partIds"`
}

// ReissuedNumber is a share number that was fully terminated and later
// reissued by a new acquisition. Legality is an open point in the legacy
// data, so occurrences are reported rather than accepted or rejected.
type ReissuedNumber struct {
	IDStructure  int64 `json:"idStructure"`
	NumPart      int   `json:"numPart"`
	ActivePartID int64 `json:"activePartId"`
	Terminated   int   `json:"terminated"` // count of terminated predecessors
}

// AnomalyReport gathers the full finding lists of every sweep.
type AnomalyReport struct {
	PartsSansMouvements     []NumeroPart            `json:"partsSansMouvements"`
	MouvementsSansActes     []Mouvement             `json:"mouvementsSansActes"`
	DuplicateActiveNumbers  []DuplicateActiveNumber `json:"duplicateActiveNumbers"`
	PartsSansActionnaires   []NumeroPart            `json:"partsSansActionnaires"`
	MouvementsSansPersonnes []Mouvement             `json:"mouvementsSansPersonnes"`
	ReissuedNumbers         []ReissuedNumber        `json:"reissuedNumbers"`
}

// Summary derives the counts of a report's finding lists. Unlike the
// store-level summary it is not a snapshot, but it carries whatever
// structure filter produced the report.
func (r *AnomalyReport) Summary() *AnomalySummary {
	s := &AnomalySummary{
		PartsSansMouvements:     len(r.PartsSansMouvements),
		MouvementsSansActes:     len(r.MouvementsSansActes),
		DuplicateActiveNumbers:  len(r.DuplicateActiveNumbers),
		PartsSansActionnaires:   len(r.PartsSansActionnaires),
		MouvementsSansPersonnes: len(r.MouvementsSansPersonnes),
		ReissuedNumbers:         len(r.ReissuedNumbers),
	}
	s.Total = s.PartsSansMouvements + s.MouvementsSansActes +
		s.DuplicateActiveNumbers + s.PartsSansActionnaires +
		s.MouvementsSansPersonnes + s.ReissuedNumbers
	return s
}

// AnomalySummary holds sweep counts taken from a single consistent
// snapshot, for quick data-quality assessment.
type AnomalySummary struct {
	PartsSansMouvements     int `json:"partsSansMouvements"`
	MouvementsSansActes     int `json:"mouvementsSansActes"`
	DuplicateActiveNumbers  int `json:"duplicateActiveNumbers"`
	PartsSansActionnaires   int `json:"partsSansActionnaires"`
	MouvementsSansPersonnes int `json:"mouvementsSansPersonnes"`
	ReissuedNumbers         int `json:"reissuedNumbers"`
	Total                   int `json:"total"`
}
