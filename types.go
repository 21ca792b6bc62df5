package scantrans

// JobKind identifies the kind of source document behind a job.
type JobKind string

const (
	JobImage JobKind = "image"
	JobPDF   JobKind = "pdf"
)

// UnitKind identifies the kind of an atomic work unit.
type UnitKind string

const (
	UnitImage   UnitKind = "image"
	UnitPDFPage UnitKind = "pdf_page"
)

// Status is the lifecycle state of a work unit or job.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document is one caller-supplied source document. Exactly one of Path or
// URL must be set; URL inputs are always image kind and are passed through
// to the remote service untouched.
type Document struct {
	Name string
	Kind JobKind
	Path string
	URL  string
}

// WorkUnit is the smallest piece of remote work: one image or one PDF page.
// Units are owned by their parent job and mutated only through the Registry.
type WorkUnit struct {
	ID            string
	JobID         string
	Kind          UnitKind
	SequenceIndex int
	InputRef      string
	Status        Status
	RemoteHandle  string
	ResultRef     string
	Err           error
}

// Job is a caller-visible grouping of the work units derived from a single
// document. DoneUnits and Status are derived by the Registry whenever any
// constituent unit changes.
type Job struct {
	ID           string
	Kind         JobKind
	Name         string
	Units        []WorkUnit
	TotalUnits   int
	DoneUnits    int
	Status       Status
	CompositeRef string
	Err          error
}

// Identity names the budget a submission draws from: Key scopes the
// recurring free allowance (an anonymous fingerprint or an account-derived
// key), Account scopes the purchasable credit wallet and may be empty for
// anonymous callers.
type Identity struct {
	Key     string
	Account string
}

// TranslateOptions are the per-submission translation parameters.
// Zero values fall back to the defaults the remote service expects.
type TranslateOptions struct {
	Translator   string // model selection, e.g. "offline"
	TargetLang   string // e.g. "ENG"
	Direction    string // "auto", "horizontal" or "vertical"
	OCR          string // "mocr" or "48px"
	OutputFormat string // "png" or "webp"
}

func (o TranslateOptions) withDefaults(d TranslatorDefaults) TranslateOptions {
	if o.Translator == "" {
		o.Translator = d.Model
	}
	if o.TargetLang == "" {
		o.TargetLang = d.TargetLang
	}
	if o.Direction == "" {
		o.Direction = "auto"
	}
	if o.OCR == "" {
		o.OCR = "mocr"
	}
	if o.OutputFormat == "" {
		o.OutputFormat = "png"
	}
	return o
}

// request builds the normalized remote request for one unit payload.
func (o TranslateOptions) request(image string, d TranslatorDefaults) SubmitRequest {
	return SubmitRequest{
		Image:        image,
		OutputFormat: o.OutputFormat,
		Translator: TranslatorConfig{
			Translator:  o.Translator,
			TargetLang:  o.TargetLang,
			Device:      d.Device,
			ComputeType: d.ComputeType,
		},
		Render: RenderConfig{
			Renderer:        "manga2eng",
			Alignment:       "center",
			Direction:       o.Direction,
			FontSizeMinimum: 9,
		},
		Detector: DetectorConfig{
			Detector:      "default",
			DetectionSize: 2560,
			UnclipRatio:   2.3,
			BoxThreshold:  0.70,
		},
		OCR: OCRConfig{
			Engine: o.OCR,
		},
		MaskDilationOffset: 24,
	}
}

// TranslatorConfig selects the translation model on the remote service.
type TranslatorConfig struct {
	Translator  string `json:"translator"`
	TargetLang  string `json:"target_lang"`
	Device      string `json:"device,omitempty"`
	ComputeType string `json:"compute_type,omitempty"`
}

// RenderConfig controls how translated text is rendered back onto the page.
type RenderConfig struct {
	Renderer        string `json:"renderer"`
	Alignment       string `json:"alignment"`
	Direction       string `json:"direction"`
	FontSizeMinimum int    `json:"font_size_minimum"`
	FontSizeOffset  int    `json:"font_size_offset"`
	LineSpacing     int    `json:"line_spacing"`
}

// DetectorConfig controls text region detection.
type DetectorConfig struct {
	Detector      string  `json:"detector"`
	DetectionSize int     `json:"detection_size"`
	UnclipRatio   float64 `json:"unclip_ratio"`
	BoxThreshold  float64 `json:"box_threshold"`
}

// OCRConfig selects the OCR engine.
type OCRConfig struct {
	Engine        string `json:"ocr"`
	UseMocrMerge  bool   `json:"use_mocr_merge"`
	MinTextLength int    `json:"min_text_length"`
}
