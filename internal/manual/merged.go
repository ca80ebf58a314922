package manual

import "time"

// SourceInfo records where a merged record came from.
type SourceInfo struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	PageCount int    `json:"page_count"`
	Encrypted bool   `json:"encrypted"`
}

// FieldConflict records a scalar field where a later chunk produced a
// different non-empty value than the one kept.
type FieldConflict struct {
	Field          string `json:"field"`
	Kept           string `json:"kept"`
	KeptChunk      int    `json:"kept_chunk"`
	Discarded      string `json:"discarded"`
	DiscardedChunk int    `json:"discarded_chunk"`
}

// GapRecord marks a page range that contributed nothing to the merged
// record, and why.
type GapRecord struct {
	Range  PageRange `json:"pages"`
	Stage  string    `json:"stage"`
	Reason string    `json:"reason"`
}

// MergedDocument is the single consolidated record of a run. Its JSON form
// is deterministic: struct field order fixes key order and list order is
// chunk order, so marshal/unmarshal/marshal is byte-stable.
type MergedDocument struct {
	Source          SourceInfo             `json:"source"`
	GeneralInfo     GeneralInfo            `json:"general_info"`
	Procedures      []Procedure            `json:"procedures"`
	Maintenance     []MaintenanceTask      `json:"maintenance"`
	Specifications  []Specification        `json:"specifications"`
	Safety          []SafetyNotice         `json:"safety"`
	Calibration     []CalibrationRoutine   `json:"calibration"`
	Troubleshooting []TroubleshootingEntry `json:"troubleshooting"`
	Summary         string                 `json:"summary"`
	Conflicts       []FieldConflict        `json:"conflicts"`
	MissingRanges   []GapRecord            `json:"missing_ranges"`
	Warnings        []string               `json:"warnings"`
	CreatedAt       time.Time              `json:"created_at,omitzero"`
}

// EnsureSections replaces nil slices with explicit empty ones so the
// marshaled record never contains null sections.
func (m *MergedDocument) EnsureSections() {
	if m.GeneralInfo.Applications == nil {
		m.GeneralInfo.Applications = []string{}
	}
	if m.Procedures == nil {
		m.Procedures = []Procedure{}
	}
	if m.Maintenance == nil {
		m.Maintenance = []MaintenanceTask{}
	}
	if m.Specifications == nil {
		m.Specifications = []Specification{}
	}
	if m.Safety == nil {
		m.Safety = []SafetyNotice{}
	}
	if m.Calibration == nil {
		m.Calibration = []CalibrationRoutine{}
	}
	if m.Troubleshooting == nil {
		m.Troubleshooting = []TroubleshootingEntry{}
	}
	if m.Conflicts == nil {
		m.Conflicts = []FieldConflict{}
	}
	if m.MissingRanges == nil {
		m.MissingRanges = []GapRecord{}
	}
	if m.Warnings == nil {
		m.Warnings = []string{}
	}
}

// EntryCount returns the total number of list entries across all sections.
func (m *MergedDocument) EntryCount() int {
	return len(m.Procedures) + len(m.Maintenance) + len(m.Specifications) +
		len(m.Safety) + len(m.Calibration) + len(m.Troubleshooting)
}
