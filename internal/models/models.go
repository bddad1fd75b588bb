package models

import (
	"time"
)

// Structure types carried over from the legacy Libelle table.
const (
	TypeAllStructures = 0 // filter disabled
	TypeGFA           = 2 // Groupement Foncier Agricole
	TypeAssociation   = 5
	TypeTSL           = 6 // Terres Solidaires du Larzac
)

// Movement direction. The legacy schema stores it as a boolean ("sens").
const (
	SensAcquisition = true  // shares enter a holding (+)
	SensCession     = false // shares leave a holding (-)
)

// Structure represents a legal entity issuing shares (GFA, association, TSL).
// Identity is immutable once any share references it.
type Structure struct {
	ID            int64  `db:"id" json:"id"`
	NomStructure  string `db:"nom_structure" json:"nomStructure"`
	TypeStructure int    `db:"type_structure" json:"typeStructure"`
	Gfa           string `db:"gfa" json:"gfa"` // legacy GFA code ("GFA1".."GFA4"), empty otherwise
}

// Personne represents an account holder, natural or corporate.
// The boolean flags are advisory reporting metadata: they are updated
// independently of the ledger and no ledger invariant reads them.
type Personne struct {
	ID         int64  `db:"id" json:"id"`
	Civilite   string `db:"civilite" json:"civilite"`
	Nom        string `db:"nom" json:"nom"`
	Prenom     string `db:"prenom" json:"prenom"`
	Adresse    string `db:"adresse" json:"adresse"`
	Adresse2   string `db:"adresse2" json:"adresse2"`
	CodePostal string `db:"code_postal" json:"codePostal"`
	Ville      string `db:"ville" json:"ville"`
	Tel        string `db:"tel" json:"tel"`
	Mail       string `db:"mail" json:"mail"`

	// Status flags (états from the legacy UI)
	Npai             bool `db:"npai" json:"npai"` // undeliverable address
	Decede           bool `db:"decede" json:"decede"`
	CourrierRetourne bool `db:"cr" json:"courrierRetourne"`
	PasConvocAG      bool `db:"pas_convoc_ag" json:"pasConvocAg"`
	PasConvocTSL     bool `db:"pas_convoc_tsl" json:"pasConvocTsl"`
	Termine          bool `db:"termine" json:"termine"`

	EstPersonneMorale bool   `db:"est_personne_morale" json:"estPersonneMorale"`
	IDStructure       *int64 `db:"id_structure" json:"idStructure"`
	IDPersonneMorale  *int64 `db:"id_personne_morale" json:"idPersonneMorale"`
}

// PersonneFlags carries an advisory-flag update for an existing Personne.
type PersonneFlags struct {
	Npai             bool `json:"npai"`
	Decede           bool `json:"decede"`
	CourrierRetourne bool `json:"courrierRetourne"`
	PasConvocAG      bool `json:"pasConvocAg"`
	PasConvocTSL     bool `json:"pasConvocTsl"`
	Termine          bool `json:"termine"`
}

// Acte represents a legal document authorizing one or more movements.
// A provisional acte records an unratified transaction and must stay
// distinguishable in every report.
type Acte struct {
	ID          int64      `db:"id" json:"id"`
	CodeActe    string     `db:"code_acte" json:"codeActe"`
	DateActe    *time.Time `db:"date_acte" json:"dateActe"`
	LibelleActe string     `db:"libelle_acte" json:"libelleActe"`
	IDStructure *int64     `db:"id_structure" json:"idStructure"`
	Provisoire  bool       `db:"provisoire" json:"provisoire"`
}

// Mouvement is one directional ledger entry tied to a Personne. NbParts
// always equals the number of NumeroPart rows the movement creates
// (acquisition) or terminates (cession).
type Mouvement struct {
	ID                  int64      `db:"id" json:"id"`
	IDPersonne          int64      `db:"id_personne" json:"idPersonne"`
	IDActe              *int64     `db:"id_acte" json:"idActe"`
	DateOperation       *time.Time `db:"date_operation" json:"dateOperation"`
	Sens                bool       `db:"sens" json:"sens"`
	NbParts             int        `db:"nb_parts" json:"nbParts"`
	IDTypeApport        *int64     `db:"id_type_apport" json:"idTypeApport"`
	IDTypeRemboursement *int64     `db:"id_type_remboursement" json:"idTypeRemboursement"`
}

// DisplayDate returns the date to show for a movement: its own operation
// date, or the linked acte's date when the operation date is missing.
// Presentation fallback only; the stored DateOperation is never backfilled.
func (m *Mouvement) DisplayDate(acte *Acte) *time.Time {
	if m.DateOperation != nil {
		return m.DateOperation
	}
	if acte != nil {
		return acte.DateActe
	}
	return nil
}

// Direction renders the sens flag for reports.
func (m *Mouvement) Direction() string {
	if m.Sens == SensAcquisition {
		return "acquisition"
	}
	return "cession"
}

// NumeroPart is one individually numbered share. NumPart is meaningful only
// within its structure. Rows are never deleted: a transfer terminates the
// old row and creates a new one, keeping the full audit history.
type NumeroPart struct {
	ID          int64  `db:"id" json:"id"`
	NumPart     int    `db:"num_part" json:"numPart"`
	IDPersonne  int64  `db:"id_personne" json:"idPersonne"`
	IDMouvement *int64 `db:"id_mouvement" json:"idMouvement"`
	IDStructure *int64 `db:"id_structure" json:"idStructure"`
	Termine     bool   `db:"termine" json:"termine"`
	Distribue   bool   `db:"distribue" json:"distribue"`
	Etat        int    `db:"etat" json:"etat"`

	// IDMouvementTermine is the cession movement that closed this row.
	// Null on active rows and on rows terminated before the migration.
	IDMouvementTermine *int64 `db:"id_mouvement_termine" json:"idMouvementTermine"`
}

// TypeApport is the lookup table for contribution kinds (numéraire, nature).
type TypeApport struct {
	ID      int64  `db:"id" json:"id"`
	Libelle string `db:"libelle" json:"libelle"`
}

// TypeRemboursement is the lookup table for reimbursement kinds.
type TypeRemboursement struct {
	ID      int64  `db:"id" json:"id"`
	Libelle string `db:"libelle" json:"libelle"`
}

// PartsTotals mirrors the legacy "total parts" views: active counts per
// structure family plus the number of distinct active shareholders.
type PartsTotals struct {
	Gfa          int `json:"gfa"`
	Tsl          int `json:"tsl"`
	Total        int `json:"total"`
	Actionnaires int `json:"actionnaires"`
}
