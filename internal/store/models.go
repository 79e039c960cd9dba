package store

import (
	"encoding/json"
	"time"
)

// Question instance status values. "answered" is only ever set by the
// revision ledger; the rest are direct status transitions.
const (
	QuestionUnanswered    = "unanswered"
	QuestionAnswered      = "answered"
	QuestionSkipped       = "skipped"
	QuestionLater         = "later"
	QuestionNotApplicable = "notApplicable"
)

// Revision types. proposedFrom* revisions carry a confidence score;
// confirmed and manualEdit never do.
const (
	RevisionProposedFromCall       = "proposedFromCall"
	RevisionProposedFromUpload     = "proposedFromUpload"
	RevisionProposedFromURLRefresh = "proposedFromUrlRefresh"
	RevisionConfirmed              = "confirmed"
	RevisionManualEdit             = "manualEdit"
)

// Proposal sources and lifecycle states.
const (
	SourcePhoneCall  = "phoneCall"
	SourceFileUpload = "fileUpload"
	SourceURLRefresh = "urlRefresh"
	SourceManualEdit = "manualEdit"

	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Section instance status values.
const (
	SectionNotStarted    = "notStarted"
	SectionInProgress    = "inProgress"
	SectionComplete      = "complete"
	SectionNotApplicable = "notApplicable"
)

// Evidence item types.
const (
	EvidenceTranscript = "transcript"
	EvidenceDocument   = "document"
	EvidenceURL        = "url"
)

type Reviewer struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Intake struct {
	ID                string
	CustomerName      string
	Status            string
	TotalQuestions    int
	AnsweredQuestions int
	PercentComplete   float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type SectionInstance struct {
	ID                string
	IntakeID          string
	TemplateKey       string
	Title             string
	RepeatIndex       int
	Status            string
	TotalQuestions    int
	AnsweredQuestions int
	PercentComplete   float64
	MarkedCompleteAt  *time.Time
	MarkedCompleteBy  string
	CreatedAt         time.Time
}

type QuestionInstance struct {
	ID                      string
	SectionInstanceID       string
	IntakeID                string
	QuestionKey             string
	Prompt                  string
	Required                bool
	ApplicabilityRuleText   string
	Status                  string
	CurrentAnswerRevisionID *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AnswerRevision is one immutable entry in a question's ledger. Seq is a
// per-question monotonic sequence assigned at append time; it breaks
// created_at ties so the ledger has a deterministic total order.
type AnswerRevision struct {
	ID                   string
	QuestionInstanceID   string
	Seq                  int64
	RevisionType         string
	AnswerText           *string
	StructuredData       json.RawMessage
	ConfidenceScore      *float64
	IsCurrent            bool
	SourceSessionID      *string
	SourceEvidenceItemID *string
	CreatedBy            string
	CreatedAt            time.Time
}

// Proposal is a staged candidate answer awaiting human resolution.
// Resolution is terminal; resolved rows are never updated again.
type Proposal struct {
	ID                       string
	IntakeQuestionInstanceID string
	IntakeID                 string
	ProposedAnswerText       *string
	ProposedStructuredData   json.RawMessage
	Source                   string
	ConfidenceScore          float64
	Status                   string
	RejectionReason          string
	SourceSessionID          *string
	SourceEvidenceItemID     *string
	CreatedBy                string
	CreatedAt                time.Time
	ResolvedBy               string
	ResolvedAt               *time.Time
}

type EvidenceItem struct {
	ID              string
	EvidenceType    string
	ExcerptText     string
	StartMs         *int64
	EndMs           *int64
	FileAssetID     *string
	URLSnapshotID   *string
	SourceSessionID *string
	CreatedAt       time.Time
}

type FileAsset struct {
	ID          string
	FileName    string
	ContentType string
	StoragePath string
	SizeBytes   int64
	UploadedBy  string
	CreatedAt   time.Time
}

type URLSnapshot struct {
	ID           string
	URL          string
	Title        string
	CapturedText string
	PDFAssetID   *string
	CapturedAt   time.Time
}
