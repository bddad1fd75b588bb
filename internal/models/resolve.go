package models

// GFA structures keep the fixed ids they had in the legacy Libelle table.
const (
	LegacyGfaMinID = 11
	LegacyGfaMaxID = 14
)

// ResolveStructure maps the legacy dual structure fields (IdGfa and
// IdTSLouAssoc in the Access schema) to a single structure id. Exactly one
// of the two fields may identify a structure:
//
//   - a GFA id (11..14) is authoritative, and the other field must be zero;
//   - otherwise the other field is authoritative, and the GFA field must be
//     zero.
//
// Any other combination is a StructureResolutionConflict. The function is
// pure; every ledger write resolves through it before persisting a
// structure id, so the dual fields never leak past the input boundary.
func ResolveStructure(legacyGfa, legacyAutre int64) (int64, error) {
	switch {
	case legacyGfa >= LegacyGfaMinID && legacyGfa <= LegacyGfaMaxID:
		if legacyAutre != 0 {
			return 0, &StructureResolutionConflict{LegacyGfa: legacyGfa, LegacyAutre: legacyAutre}
		}
		return legacyGfa, nil
	case legacyGfa == 0 && legacyAutre > 0:
		return legacyAutre, nil
	default:
		return 0, &StructureResolutionConflict{LegacyGfa: legacyGfa, LegacyAutre: legacyAutre}
	}
}
