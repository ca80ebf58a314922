package manual

// SectionKeys lists the seven fixed top-level sections of an extraction
// candidate, in document order. Every candidate carries all of them; an
// unknown section is an explicit empty value, never an omitted key.
var SectionKeys = []string{
	"general_info",
	"procedures",
	"maintenance",
	"specifications",
	"safety",
	"calibration",
	"troubleshooting",
}

// GeneralInfo identifies the instrument the manual describes.
type GeneralInfo struct {
	DeviceName   string   `json:"device_name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	DeviceType   string   `json:"device_type"`
	Description  string   `json:"description"`
	Applications []string `json:"applications"`
}

// Procedure is one operating procedure (analysis run, startup sequence, ...).
type Procedure struct {
	Name       string   `json:"name"`
	Purpose    string   `json:"purpose"`
	SampleType string   `json:"sample_type"`
	Steps      []string `json:"steps"`
	Duration   string   `json:"duration"`
	Controls   []string `json:"controls"`
}

// MaintenanceTask is one preventive or corrective maintenance entry.
type MaintenanceTask struct {
	Task      string   `json:"task"`
	Frequency string   `json:"frequency"`
	Duration  string   `json:"duration"`
	Steps     []string `json:"steps"`
	Materials []string `json:"materials"`
}

// Specification is one technical characteristic of the instrument.
type Specification struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Unit     string `json:"unit"`
	Category string `json:"category"`
}

// SafetyNotice captures a hazard and how to work around it.
type SafetyNotice struct {
	Category    string   `json:"category"`
	Hazard      string   `json:"hazard"`
	Precautions []string `json:"precautions"`
	PPE         []string `json:"ppe"`
}

// CalibrationRoutine describes a calibration or verification cycle.
type CalibrationRoutine struct {
	Name      string   `json:"name"`
	Frequency string   `json:"frequency"`
	Standards []string `json:"standards"`
	Steps     []string `json:"steps"`
	Criteria  []string `json:"criteria"`
}

// TroubleshootingEntry maps a symptom to causes and remedies.
type TroubleshootingEntry struct {
	Problem  string   `json:"problem"`
	Causes   []string `json:"causes"`
	Remedies []string `json:"remedies"`
}

// Candidate is the chunk-scoped structured payload produced by extraction,
// awaiting validation. Summary is advisory text used to build the context
// handed to the next chunk's extraction.
type Candidate struct {
	GeneralInfo     GeneralInfo            `json:"general_info"`
	Procedures      []Procedure            `json:"procedures"`
	Maintenance     []MaintenanceTask      `json:"maintenance"`
	Specifications  []Specification        `json:"specifications"`
	Safety          []SafetyNotice         `json:"safety"`
	Calibration     []CalibrationRoutine   `json:"calibration"`
	Troubleshooting []TroubleshootingEntry `json:"troubleshooting"`
	Summary         string                 `json:"summary,omitempty"`

	// Bookkeeping, not part of the payload.
	Chunk Chunk  `json:"-"`
	Raw   []byte `json:"-"`
}

// EnsureSections replaces nil list sections with explicit empty slices so
// the marshaled payload never contains null sections.
func (c *Candidate) EnsureSections() {
	if c.GeneralInfo.Applications == nil {
		c.GeneralInfo.Applications = []string{}
	}
	if c.Procedures == nil {
		c.Procedures = []Procedure{}
	}
	if c.Maintenance == nil {
		c.Maintenance = []MaintenanceTask{}
	}
	if c.Specifications == nil {
		c.Specifications = []Specification{}
	}
	if c.Safety == nil {
		c.Safety = []SafetyNotice{}
	}
	if c.Calibration == nil {
		c.Calibration = []CalibrationRoutine{}
	}
	if c.Troubleshooting == nil {
		c.Troubleshooting = []TroubleshootingEntry{}
	}
}

// EntryCount returns the total number of list entries across all sections.
func (c *Candidate) EntryCount() int {
	return len(c.Procedures) + len(c.Maintenance) + len(c.Specifications) +
		len(c.Safety) + len(c.Calibration) + len(c.Troubleshooting)
}
