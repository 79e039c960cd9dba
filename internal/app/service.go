package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"time"

	"atrium/api/internal/applicability"
	"atrium/api/internal/assets"
	"atrium/api/internal/auth"
	"atrium/api/internal/config"
	"atrium/api/internal/progress"
	"atrium/api/internal/rbac"
	"atrium/api/internal/search"
	"atrium/api/internal/snapshot"
	"atrium/api/internal/store"
	"atrium/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// ReviseAnswerInput creates a new ledger entry directly, without going
// through the proposal workflow. Only human-authored revision types are
// accepted here; source-derived types are minted by proposal acceptance.
type ReviseAnswerInput struct {
	RevisionType         string          `json:"revisionType"`
	AnswerText           *string         `json:"answerText"`
	StructuredData       json.RawMessage `json:"structuredData"`
	MakeCurrent          *bool           `json:"makeCurrent"`
	SourceSessionID      *string         `json:"sourceSessionId"`
	SourceEvidenceItemID *string         `json:"sourceEvidenceItemId"`
}

type AcceptProposalInput struct {
	OverrideAnswerText *string `json:"overrideAnswerText"`
}

type RejectProposalInput struct {
	Reason string `json:"reason"`
}

type SetQuestionStatusInput struct {
	Status string `json:"status"`
}

type IngestItem struct {
	QuestionKey    string          `json:"questionKey"`
	AnswerText     *string         `json:"answerText"`
	StructuredData json.RawMessage `json:"structuredData"`
	Confidence     *float64        `json:"confidence"`
	EvidenceItemID *string         `json:"evidenceItemId"`
}

// IngestInput carries a batch of extracted answers from one source: a call
// transcript pass, a parsed upload, a URL refresh, or a manual edit form.
type IngestInput struct {
	Source    string       `json:"source"`
	SessionID *string      `json:"sessionId"`
	Items     []IngestItem `json:"items"`
}

type AttachEvidenceInput struct {
	EvidenceType    string  `json:"evidenceType"`
	ExcerptText     string  `json:"excerptText"`
	StartMs         *int64  `json:"startMs"`
	EndMs           *int64  `json:"endMs"`
	FileAssetID     *string `json:"fileAssetId"`
	URLSnapshotID   *string `json:"urlSnapshotId"`
	SourceSessionID *string `json:"sourceSessionId"`
}

var allowedDirectRevisionTypes = map[string]struct{}{
	store.RevisionConfirmed:  {},
	store.RevisionManualEdit: {},
}

var allowedStatusTransitions = map[string]struct{}{
	store.QuestionUnanswered:    {},
	store.QuestionSkipped:       {},
	store.QuestionLater:         {},
	store.QuestionNotApplicable: {},
}

var allowedIngestSources = map[string]struct{}{
	store.SourcePhoneCall:  {},
	store.SourceFileUpload: {},
	store.SourceURLRefresh: {},
	store.SourceManualEdit: {},
}

var allowedProposalSources = map[string]struct{}{
	store.SourcePhoneCall:  {},
	store.SourceFileUpload: {},
	store.SourceURLRefresh: {},
}

type dataStore interface {
	EnsureReviewerByName(context.Context, string) (store.Reviewer, error)
	GetReviewerByID(context.Context, string) (store.Reviewer, error)
	GetIntake(context.Context, string) (store.Intake, error)
	GetSectionInstance(context.Context, string) (store.SectionInstance, error)
	ListSectionInstances(context.Context, string) ([]store.SectionInstance, error)
	GetQuestionInstance(context.Context, string) (store.QuestionInstance, error)
	ListQuestionInstances(context.Context, string) ([]store.QuestionInstance, error)
	FindQuestionByKey(context.Context, string, string) (store.QuestionInstance, error)
	CurrentAnswersByKey(context.Context, string) (map[string]string, error)
	AppendRevision(context.Context, store.AnswerRevision, bool) (store.AnswerRevision, error)
	ChooseCurrent(context.Context, string, string) (store.AnswerRevision, error)
	GetAnswerRevision(context.Context, string) (store.AnswerRevision, error)
	ListRevisions(context.Context, string) ([]store.AnswerRevision, error)
	SetQuestionStatus(context.Context, string, string) (store.QuestionInstance, error)
	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ResolveProposal(context.Context, string, string, string, string) (bool, error)
	AcceptProposal(context.Context, string, string, store.AnswerRevision) (bool, store.AnswerRevision, error)
	ListPendingProposals(context.Context, string, string, string) ([]store.Proposal, error)
	ListPendingProposalsForQuestion(context.Context, string) ([]store.Proposal, error)
	UpdateSectionProgress(context.Context, string, int, int, float64, string) error
	UpdateIntakeProgress(context.Context, string, int, int, float64) error
	MarkSectionComplete(context.Context, string, string) (store.SectionInstance, error)
	CountUnansweredRequired(context.Context, string) (int, error)
	InsertEvidenceItem(context.Context, store.EvidenceItem) (store.EvidenceItem, error)
	GetEvidenceItem(context.Context, string) (store.EvidenceItem, error)
	InsertFileAsset(context.Context, store.FileAsset) (store.FileAsset, error)
	GetFileAsset(context.Context, string) (store.FileAsset, error)
	InsertURLSnapshot(context.Context, store.URLSnapshot) (store.URLSnapshot, error)
	GetURLSnapshot(context.Context, string) (store.URLSnapshot, error)
	Ping(ctx context.Context) error
}

type snapshotter interface {
	CaptureURL(ctx context.Context, rawURL string) (*snapshot.Capture, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	cache     *progress.Cache
	search    *search.Service
	assets    assets.Store
	snapshots snapshotter
}

// New wires the service. cache, assetStore, and snapshots may be nil when the
// corresponding backend is not configured; searchSvc always has at least the
// Postgres fallback.
func New(cfg config.Config, dataStore *store.PostgresStore, cache *progress.Cache, searchSvc *search.Service, assetStore assets.Store, snapshots *snapshot.Service) *Service {
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		cache:  cache,
		search: searchSvc,
		assets: assetStore,
	}
	if snapshots != nil {
		svc.snapshots = snapshots
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- sessions ----

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	reviewerName := strings.TrimSpace(name)
	if reviewerName == "" {
		reviewerName = "Reviewer"
	}

	reviewer, err := s.store.EnsureReviewerByName(ctx, reviewerName)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  reviewer.ID,
		Name: reviewer.DisplayName,
		Role: reviewer.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    reviewer.ID,
		UserName:  reviewer.DisplayName,
		Role:      reviewer.Role,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	reviewer, err := s.store.GetReviewerByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    reviewer.ID,
		UserName:  reviewer.DisplayName,
		Role:      reviewer.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---- intake and section reads ----

func (s *Service) IntakeOverview(ctx context.Context, intakeID string) (map[string]any, error) {
	if s.cache != nil {
		if payload, ok, err := s.cache.GetIntake(ctx, intakeID); err == nil && ok {
			return payload, nil
		}
	}

	intake, err := s.store.GetIntake(ctx, intakeID)
	if err != nil {
		return nil, err
	}
	sections, err := s.store.ListSectionInstances(ctx, intakeID)
	if err != nil {
		return nil, err
	}

	sectionViews := make([]map[string]any, 0, len(sections))
	for _, sec := range sections {
		sectionViews = append(sectionViews, sectionView(sec))
	}

	payload := intakeView(intake)
	payload["sections"] = sectionViews

	if s.cache != nil {
		if err := s.cache.SetIntake(ctx, intakeID, payload); err != nil {
			log.Printf("progress cache: set intake %s: %v", intakeID, err)
		}
	}
	return payload, nil
}

func (s *Service) SectionDetail(ctx context.Context, sectionInstanceID string) (map[string]any, error) {
	section, err := s.store.GetSectionInstance(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}
	questions, err := s.store.ListQuestionInstances(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}
	answers, err := s.store.CurrentAnswersByKey(ctx, section.IntakeID)
	if err != nil {
		return nil, err
	}

	questionViews := make([]map[string]any, 0, len(questions))
	for _, q := range questions {
		view := questionView(q)
		view["applicable"] = applicability.Applicable(q.ApplicabilityRuleText, answers)
		questionViews = append(questionViews, view)
	}

	payload := sectionView(section)
	payload["questions"] = questionViews
	return payload, nil
}

// ---- revision ledger ----

func (s *Service) ReviseAnswer(ctx context.Context, questionInstanceID string, session Session, input ReviseAnswerInput) (map[string]any, error) {
	revisionType := input.RevisionType
	if revisionType == "" {
		revisionType = store.RevisionManualEdit
	}
	if _, ok := allowedDirectRevisionTypes[revisionType]; !ok {
		return nil, validationError("revisionType must be confirmed or manualEdit", map[string]any{"revisionType": revisionType})
	}

	question, err := s.store.GetQuestionInstance(ctx, questionInstanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("unknown question instance", map[string]any{"questionInstanceId": questionInstanceID})
		}
		return nil, err
	}

	if input.SourceEvidenceItemID != nil {
		if _, err := s.store.GetEvidenceItem(ctx, *input.SourceEvidenceItemID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, validationError("unknown evidence item", map[string]any{"sourceEvidenceItemId": *input.SourceEvidenceItemID})
			}
			return nil, err
		}
	}

	makeCurrent := true
	if input.MakeCurrent != nil {
		makeCurrent = *input.MakeCurrent
	}

	revision, err := s.store.AppendRevision(ctx, store.AnswerRevision{
		ID:                   util.NewID("rev"),
		QuestionInstanceID:   question.ID,
		RevisionType:         revisionType,
		AnswerText:           trimAnswerText(input.AnswerText),
		StructuredData:       input.StructuredData,
		SourceSessionID:      input.SourceSessionID,
		SourceEvidenceItemID: input.SourceEvidenceItemID,
		CreatedBy:            session.UserID,
	}, makeCurrent)
	if err != nil {
		return nil, err
	}

	if makeCurrent {
		if err := s.recomputeAfterChange(ctx, question); err != nil {
			return nil, err
		}
	}
	s.indexRevision(question, revision)

	return revisionView(revision), nil
}

func (s *Service) ListRevisions(ctx context.Context, questionInstanceID string) (map[string]any, error) {
	question, err := s.store.GetQuestionInstance(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRevisions(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}

	revisionViews := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		revisionViews = append(revisionViews, revisionView(rev))
	}
	return map[string]any{
		"question":  questionView(question),
		"revisions": revisionViews,
	}, nil
}

// MakeCurrent rolls the current answer back (or forward) to an existing
// revision without creating a new ledger entry.
func (s *Service) MakeCurrent(ctx context.Context, questionInstanceID, revisionID string, session Session) (map[string]any, error) {
	question, err := s.store.GetQuestionInstance(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}

	revision, err := s.store.ChooseCurrent(ctx, questionInstanceID, revisionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("revision not found for this question")
		}
		return nil, err
	}

	if err := s.recomputeAfterChange(ctx, question); err != nil {
		return nil, err
	}
	s.indexRevision(question, revision)

	return revisionView(revision), nil
}

func (s *Service) SetQuestionStatus(ctx context.Context, questionInstanceID string, session Session, input SetQuestionStatusInput) (map[string]any, error) {
	if input.Status == store.QuestionAnswered {
		return nil, invalidStateError("answered is set by the revision ledger, not directly", nil)
	}
	if _, ok := allowedStatusTransitions[input.Status]; !ok {
		return nil, validationError("unknown question status", map[string]any{"status": input.Status})
	}

	question, err := s.store.GetQuestionInstance(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.SetQuestionStatus(ctx, questionInstanceID, input.Status)
	if err != nil {
		return nil, err
	}

	if err := s.recomputeAfterChange(ctx, question); err != nil {
		return nil, err
	}
	return questionView(updated), nil
}

// QuestionConflict reports whether a question's revision ledger carries more
// than one distinct answer. The detector is a pure read over the full
// history, resolved revisions included: an accepted value followed by a
// differing manual edit is a conflict even with nothing left pending.
// Surfacing the disagreement is the reviewer's cue; resolution stays manual.
func (s *Service) QuestionConflict(ctx context.Context, questionInstanceID string) (map[string]any, error) {
	question, err := s.store.GetQuestionInstance(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}

	revisions, err := s.store.ListRevisions(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.ListPendingProposalsForQuestion(ctx, questionInstanceID)
	if err != nil {
		return nil, err
	}

	distinct := make([]string, 0)
	seen := make(map[string]struct{})
	addValue := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		distinct = append(distinct, value)
	}

	currentAnswer := ""
	// ListRevisions returns newest first; walk oldest first so values keep
	// ledger order.
	for i := len(revisions) - 1; i >= 0; i-- {
		rev := revisions[i]
		if rev.AnswerText == nil {
			continue
		}
		addValue(*rev.AnswerText)
		if rev.IsCurrent {
			currentAnswer = strings.TrimSpace(*rev.AnswerText)
		}
	}

	payload := map[string]any{
		"questionInstanceId": question.ID,
		"conflict":           len(distinct) > 1,
		"pendingCount":       len(pending),
		"values":             distinct,
	}
	if currentAnswer != "" {
		payload["currentAnswer"] = currentAnswer
	}
	return payload, nil
}

// ---- proposal workflow ----

// AcceptProposal resolves a pending proposal and appends the accepted value
// to the question's ledger as the new current revision, both in one store
// transaction. The status swap is a compare-and-swap, so a duplicate accept
// (or an accept racing a reject) loses cleanly instead of double-writing
// the ledger.
func (s *Service) AcceptProposal(ctx context.Context, proposalID string, session Session, input AcceptProposalInput) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != store.ProposalPending {
		return nil, invalidStateError("proposal is already resolved", map[string]any{"status": proposal.Status})
	}

	question, err := s.store.GetQuestionInstance(ctx, proposal.IntakeQuestionInstanceID)
	if err != nil {
		return nil, err
	}

	answerText := proposal.ProposedAnswerText
	if input.OverrideAnswerText != nil {
		answerText = trimAnswerText(input.OverrideAnswerText)
	}

	confidence := proposal.ConfidenceScore
	swapped, revision, err := s.store.AcceptProposal(ctx, proposalID, session.UserID, store.AnswerRevision{
		ID:                   util.NewID("rev"),
		QuestionInstanceID:   proposal.IntakeQuestionInstanceID,
		RevisionType:         revisionTypeForSource(proposal.Source),
		AnswerText:           answerText,
		StructuredData:       proposal.ProposedStructuredData,
		ConfidenceScore:      &confidence,
		SourceSessionID:      proposal.SourceSessionID,
		SourceEvidenceItemID: proposal.SourceEvidenceItemID,
		CreatedBy:            session.UserID,
	})
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, invalidStateError("proposal is already resolved", nil)
	}

	if err := s.recomputeAfterChange(ctx, question); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.DeleteProposal(proposal.ID)
	}
	s.indexRevision(question, revision)

	resolved, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"proposal": proposalView(resolved),
		"revision": revisionView(revision),
	}, nil
}

// RejectProposal resolves a pending proposal without touching the ledger.
// A reason is mandatory; rejections feed back into extraction quality review.
func (s *Service) RejectProposal(ctx context.Context, proposalID string, session Session, input RejectProposalInput) (map[string]any, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, validationError("rejection requires a reason", nil)
	}

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != store.ProposalPending {
		return nil, invalidStateError("proposal is already resolved", map[string]any{"status": proposal.Status})
	}

	swapped, err := s.store.ResolveProposal(ctx, proposalID, store.ProposalRejected, reason, session.UserID)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, invalidStateError("proposal is already resolved", nil)
	}

	if s.search != nil {
		s.search.DeleteProposal(proposal.ID)
	}

	resolved, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return proposalView(resolved), nil
}

func (s *Service) Proposal(ctx context.Context, proposalID string) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return proposalView(proposal), nil
}

func (s *Service) PendingProposals(ctx context.Context, intakeID, source, sectionInstanceID string) (map[string]any, error) {
	if source != "" {
		if _, ok := allowedProposalSources[source]; !ok {
			return nil, validationError("unknown proposal source", map[string]any{"source": source})
		}
	}

	if _, err := s.store.GetIntake(ctx, intakeID); err != nil {
		return nil, err
	}

	proposals, err := s.store.ListPendingProposals(ctx, intakeID, source, sectionInstanceID)
	if err != nil {
		return nil, err
	}

	views := make([]map[string]any, 0, len(proposals))
	for _, p := range proposals {
		views = append(views, proposalView(p))
	}
	return map[string]any{
		"intakeId":  intakeID,
		"proposals": views,
	}, nil
}

// ---- ingest ----

// Ingest applies a batch of extracted answers. Manual edits write straight
// to the ledger; AI-derived sources stage pending proposals for review.
// Unknown question keys are reported per item rather than failing the batch.
func (s *Service) Ingest(ctx context.Context, intakeID string, session Session, input IngestInput) (map[string]any, error) {
	if _, ok := allowedIngestSources[input.Source]; !ok {
		return nil, validationError("unknown ingest source", map[string]any{"source": input.Source})
	}
	if len(input.Items) == 0 {
		return nil, validationError("ingest requires at least one item", nil)
	}

	if _, err := s.store.GetIntake(ctx, intakeID); err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(input.Items))
	touched := make(map[string]store.QuestionInstance)

	for _, item := range input.Items {
		key := strings.TrimSpace(item.QuestionKey)
		if key == "" {
			results = append(results, map[string]any{"questionKey": item.QuestionKey, "outcome": "invalid", "error": "missing questionKey"})
			continue
		}

		question, err := s.store.FindQuestionByKey(ctx, intakeID, key)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				results = append(results, map[string]any{"questionKey": key, "outcome": "unknownKey"})
				continue
			}
			return nil, err
		}

		if item.EvidenceItemID != nil {
			if _, err := s.store.GetEvidenceItem(ctx, *item.EvidenceItemID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					results = append(results, map[string]any{"questionKey": key, "outcome": "invalid", "error": "unknown evidence item"})
					continue
				}
				return nil, err
			}
		}

		if input.Source == store.SourceManualEdit {
			revision, err := s.store.AppendRevision(ctx, store.AnswerRevision{
				ID:                   util.NewID("rev"),
				QuestionInstanceID:   question.ID,
				RevisionType:         store.RevisionManualEdit,
				AnswerText:           trimAnswerText(item.AnswerText),
				StructuredData:       item.StructuredData,
				SourceSessionID:      input.SessionID,
				SourceEvidenceItemID: item.EvidenceItemID,
				CreatedBy:            session.UserID,
			}, true)
			if err != nil {
				return nil, err
			}
			touched[question.SectionInstanceID] = question
			s.indexRevision(question, revision)
			results = append(results, map[string]any{"questionKey": key, "outcome": "applied", "revisionId": revision.ID})
			continue
		}

		if item.Confidence == nil {
			results = append(results, map[string]any{"questionKey": key, "outcome": "invalid", "error": "missing confidence"})
			continue
		}
		confidence := *item.Confidence
		if confidence < 0 || confidence > 1 {
			results = append(results, map[string]any{"questionKey": key, "outcome": "invalid", "error": "confidence must be between 0 and 1"})
			continue
		}

		proposal := store.Proposal{
			ID:                       util.NewID("prp"),
			IntakeQuestionInstanceID: question.ID,
			IntakeID:                 intakeID,
			ProposedAnswerText:       trimAnswerText(item.AnswerText),
			ProposedStructuredData:   item.StructuredData,
			Source:                   input.Source,
			ConfidenceScore:          confidence,
			SourceSessionID:          input.SessionID,
			SourceEvidenceItemID:     item.EvidenceItemID,
			CreatedBy:                session.UserID,
		}
		if err := s.store.CreateProposal(ctx, proposal); err != nil {
			return nil, err
		}
		if s.search != nil {
			s.search.IndexProposal(search.ProposalRecord{
				ID:                 proposal.ID,
				ProposedAnswer:     derefString(proposal.ProposedAnswerText),
				Source:             proposal.Source,
				IntakeID:           intakeID,
				QuestionInstanceID: question.ID,
				Status:             store.ProposalPending,
			})
		}
		results = append(results, map[string]any{"questionKey": key, "outcome": "proposed", "proposalId": proposal.ID})
	}

	for _, question := range touched {
		if err := s.recomputeAfterChange(ctx, question); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"intakeId": intakeID,
		"source":   input.Source,
		"results":  results,
	}, nil
}

// ---- progress aggregation ----

// RecomputeSectionProgress recounts a section's rollup. Questions that are
// marked notApplicable or whose applicability rule evaluates false against
// the intake's current answers are excluded from both counts. A manually
// completed section keeps its status; only the counters move.
func (s *Service) RecomputeSectionProgress(ctx context.Context, sectionInstanceID string) (map[string]any, error) {
	section, err := s.store.GetSectionInstance(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}

	answers, err := s.store.CurrentAnswersByKey(ctx, section.IntakeID)
	if err != nil {
		return nil, err
	}
	questions, err := s.store.ListQuestionInstances(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}

	total := 0
	answered := 0
	for _, q := range questions {
		if q.Status == store.QuestionNotApplicable {
			continue
		}
		if !applicability.Applicable(q.ApplicabilityRuleText, answers) {
			continue
		}
		total++
		if q.Status == store.QuestionAnswered {
			answered++
		}
	}

	// a section with nothing applicable left has nothing outstanding
	percent := 100.0
	if total > 0 {
		percent = roundPercent(float64(answered) / float64(total) * 100)
	}

	status := section.Status
	if status != store.SectionComplete && status != store.SectionNotApplicable {
		if answered == 0 {
			status = store.SectionNotStarted
		} else {
			status = store.SectionInProgress
		}
	}

	if err := s.store.UpdateSectionProgress(ctx, sectionInstanceID, total, answered, percent, status); err != nil {
		return nil, err
	}
	s.invalidateProgress(ctx, sectionInstanceID, section.IntakeID)

	return map[string]any{
		"sectionInstanceId": sectionInstanceID,
		"status":            status,
		"totalQuestions":    total,
		"answeredQuestions": answered,
		"percentComplete":   percent,
	}, nil
}

// RecomputeIntakeProgress sums the section rollups. Sections marked
// notApplicable contribute nothing.
func (s *Service) RecomputeIntakeProgress(ctx context.Context, intakeID string) (map[string]any, error) {
	sections, err := s.store.ListSectionInstances(ctx, intakeID)
	if err != nil {
		return nil, err
	}

	total := 0
	answered := 0
	for _, sec := range sections {
		if sec.Status == store.SectionNotApplicable {
			continue
		}
		total += sec.TotalQuestions
		answered += sec.AnsweredQuestions
	}

	percent := 0.0
	if total > 0 {
		percent = roundPercent(float64(answered) / float64(total) * 100)
	}

	if err := s.store.UpdateIntakeProgress(ctx, intakeID, total, answered, percent); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateIntake(ctx, intakeID); err != nil {
			log.Printf("progress cache: invalidate intake %s: %v", intakeID, err)
		}
	}

	return map[string]any{
		"intakeId":          intakeID,
		"totalQuestions":    total,
		"answeredQuestions": answered,
		"percentComplete":   percent,
	}, nil
}

// SectionProgress serves the stored section rollup, cache-first.
func (s *Service) SectionProgress(ctx context.Context, sectionInstanceID string) (map[string]any, error) {
	if s.cache != nil {
		if payload, ok, err := s.cache.GetSection(ctx, sectionInstanceID); err == nil && ok {
			return payload, nil
		}
	}

	section, err := s.store.GetSectionInstance(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"sectionInstanceId": section.ID,
		"intakeId":          section.IntakeID,
		"status":            section.Status,
		"totalQuestions":    section.TotalQuestions,
		"answeredQuestions": section.AnsweredQuestions,
		"percentComplete":   section.PercentComplete,
	}

	if s.cache != nil {
		if err := s.cache.SetSection(ctx, sectionInstanceID, payload); err != nil {
			log.Printf("progress cache: set section %s: %v", sectionInstanceID, err)
		}
	}
	return payload, nil
}

// IntakeProgress projects the rollup fields out of the cached overview.
func (s *Service) IntakeProgress(ctx context.Context, intakeID string) (map[string]any, error) {
	overview, err := s.IntakeOverview(ctx, intakeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"intakeId":          overview["id"],
		"status":            overview["status"],
		"totalQuestions":    overview["totalQuestions"],
		"answeredQuestions": overview["answeredQuestions"],
		"percentComplete":   overview["percentComplete"],
	}, nil
}

// MarkSectionComplete sets a section complete regardless of its counters.
// The response carries how many required questions are still unanswered so
// the caller can warn the reviewer.
func (s *Service) MarkSectionComplete(ctx context.Context, sectionInstanceID string, session Session) (map[string]any, error) {
	section, err := s.store.GetSectionInstance(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}

	unanswered, err := s.store.CountUnansweredRequired(ctx, sectionInstanceID)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.MarkSectionComplete(ctx, sectionInstanceID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.invalidateProgress(ctx, sectionInstanceID, section.IntakeID)

	payload := sectionView(updated)
	payload["unansweredRequired"] = unanswered
	return payload, nil
}

// ---- evidence ----

func (s *Service) AttachEvidence(ctx context.Context, input AttachEvidenceInput) (map[string]any, error) {
	hasFileAsset := input.FileAssetID != nil && *input.FileAssetID != ""
	hasSnapshot := input.URLSnapshotID != nil && *input.URLSnapshotID != ""

	switch input.EvidenceType {
	case store.EvidenceTranscript:
		if strings.TrimSpace(input.ExcerptText) == "" {
			return nil, validationError("transcript evidence requires excerptText", nil)
		}
		if input.SourceSessionID == nil || *input.SourceSessionID == "" {
			return nil, validationError("transcript evidence requires sourceSessionId", nil)
		}
		if hasFileAsset || hasSnapshot {
			return nil, validationError("transcript evidence must not link a file asset or url snapshot", nil)
		}
		if input.StartMs != nil && input.EndMs != nil && *input.StartMs >= *input.EndMs {
			return nil, validationError("startMs must be before endMs", map[string]any{"startMs": *input.StartMs, "endMs": *input.EndMs})
		}
	case store.EvidenceDocument:
		if !hasFileAsset {
			return nil, validationError("document evidence requires fileAssetId", nil)
		}
		if hasSnapshot {
			return nil, validationError("document evidence must link exactly one file asset, not a url snapshot", nil)
		}
		if _, err := s.store.GetFileAsset(ctx, *input.FileAssetID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, validationError("unknown file asset", map[string]any{"fileAssetId": *input.FileAssetID})
			}
			return nil, err
		}
	case store.EvidenceURL:
		if !hasSnapshot {
			return nil, validationError("url evidence requires urlSnapshotId", nil)
		}
		if hasFileAsset {
			return nil, validationError("url evidence must link exactly one url snapshot, not a file asset", nil)
		}
		if _, err := s.store.GetURLSnapshot(ctx, *input.URLSnapshotID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, validationError("unknown url snapshot", map[string]any{"urlSnapshotId": *input.URLSnapshotID})
			}
			return nil, err
		}
	default:
		return nil, validationError("unknown evidence type", map[string]any{"evidenceType": input.EvidenceType})
	}

	item, err := s.store.InsertEvidenceItem(ctx, store.EvidenceItem{
		ID:              util.NewID("evd"),
		EvidenceType:    input.EvidenceType,
		ExcerptText:     strings.TrimSpace(input.ExcerptText),
		StartMs:         input.StartMs,
		EndMs:           input.EndMs,
		FileAssetID:     input.FileAssetID,
		URLSnapshotID:   input.URLSnapshotID,
		SourceSessionID: input.SourceSessionID,
	})
	if err != nil {
		return nil, err
	}
	return evidenceView(item), nil
}

func (s *Service) Evidence(ctx context.Context, evidenceItemID string) (map[string]any, error) {
	item, err := s.store.GetEvidenceItem(ctx, evidenceItemID)
	if err != nil {
		return nil, err
	}
	return evidenceView(item), nil
}

// ---- file assets ----

func (s *Service) UploadFile(ctx context.Context, session Session, fileName, contentType string, size int64, data io.Reader) (map[string]any, error) {
	if s.assets == nil {
		return nil, domainError(503, "ASSETS_UNAVAILABLE", "File storage is not configured", nil)
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, validationError("fileName is required", nil)
	}

	assetID := util.NewID("fil")
	storagePath, err := s.assets.Upload(ctx, assetID, fileName, size, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("store file bytes: %w", err)
	}

	asset, err := s.store.InsertFileAsset(ctx, store.FileAsset{
		ID:          assetID,
		FileName:    fileName,
		ContentType: contentType,
		StoragePath: storagePath,
		SizeBytes:   size,
		UploadedBy:  session.UserID,
	})
	if err != nil {
		return nil, err
	}
	return fileAssetView(asset), nil
}

func (s *Service) DownloadFile(ctx context.Context, fileAssetID string) (store.FileAsset, io.ReadCloser, error) {
	asset, err := s.store.GetFileAsset(ctx, fileAssetID)
	if err != nil {
		return store.FileAsset{}, nil, err
	}
	if s.assets == nil {
		return store.FileAsset{}, nil, domainError(503, "ASSETS_UNAVAILABLE", "File storage is not configured", nil)
	}
	reader, err := s.assets.Download(ctx, asset.StoragePath)
	if err != nil {
		return store.FileAsset{}, nil, err
	}
	return asset, reader, nil
}

func (s *Service) FileAsset(ctx context.Context, fileAssetID string) (map[string]any, error) {
	asset, err := s.store.GetFileAsset(ctx, fileAssetID)
	if err != nil {
		return nil, err
	}
	return fileAssetView(asset), nil
}

// ---- url snapshots ----

// CaptureSnapshot renders the page with headless Chrome, archives the PDF in
// object storage when available, and records the snapshot row.
func (s *Service) CaptureSnapshot(ctx context.Context, session Session, rawURL string) (map[string]any, error) {
	if s.snapshots == nil {
		return nil, domainError(503, "SNAPSHOTS_UNAVAILABLE", "Snapshot capture is not configured", nil)
	}
	if strings.TrimSpace(rawURL) == "" {
		return nil, validationError("url is required", nil)
	}

	capture, err := s.snapshots.CaptureURL(ctx, rawURL)
	if err != nil {
		return nil, validationError("snapshot capture failed", map[string]any{"error": err.Error()})
	}

	var pdfAssetID *string
	if s.assets != nil && len(capture.PDF) > 0 {
		assetID := util.NewID("fil")
		name := snapshotFileName(capture.Title)
		storagePath, err := s.assets.Upload(ctx, assetID, name, int64(len(capture.PDF)), "application/pdf", bytes.NewReader(capture.PDF))
		if err != nil {
			log.Printf("snapshot: archive pdf for %s: %v", capture.URL, err)
		} else {
			asset, err := s.store.InsertFileAsset(ctx, store.FileAsset{
				ID:          assetID,
				FileName:    name,
				ContentType: "application/pdf",
				StoragePath: storagePath,
				SizeBytes:   int64(len(capture.PDF)),
				UploadedBy:  session.UserID,
			})
			if err != nil {
				return nil, err
			}
			pdfAssetID = &asset.ID
		}
	}

	snap, err := s.store.InsertURLSnapshot(ctx, store.URLSnapshot{
		ID:           util.NewID("snp"),
		URL:          capture.URL,
		Title:        capture.Title,
		CapturedText: capture.Text,
		PDFAssetID:   pdfAssetID,
	})
	if err != nil {
		return nil, err
	}
	return snapshotView(snap), nil
}

func (s *Service) Snapshot(ctx context.Context, snapshotID string) (map[string]any, error) {
	snap, err := s.store.GetURLSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return snapshotView(snap), nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ---- internals ----

func (s *Service) recomputeAfterChange(ctx context.Context, question store.QuestionInstance) error {
	if _, err := s.RecomputeSectionProgress(ctx, question.SectionInstanceID); err != nil {
		return fmt.Errorf("recompute section progress: %w", err)
	}
	if _, err := s.RecomputeIntakeProgress(ctx, question.IntakeID); err != nil {
		return fmt.Errorf("recompute intake progress: %w", err)
	}
	return nil
}

func (s *Service) invalidateProgress(ctx context.Context, sectionInstanceID, intakeID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSection(ctx, sectionInstanceID); err != nil {
		log.Printf("progress cache: invalidate section %s: %v", sectionInstanceID, err)
	}
	if err := s.cache.InvalidateIntake(ctx, intakeID); err != nil {
		log.Printf("progress cache: invalidate intake %s: %v", intakeID, err)
	}
}

func (s *Service) indexRevision(question store.QuestionInstance, revision store.AnswerRevision) {
	if s.search == nil {
		return
	}
	s.search.IndexAnswer(search.AnswerRecord{
		ID:                 revision.ID,
		AnswerText:         derefString(revision.AnswerText),
		RevisionType:       revision.RevisionType,
		IntakeID:           question.IntakeID,
		QuestionInstanceID: question.ID,
		IsCurrent:          revision.IsCurrent,
	})
}

func revisionTypeForSource(source string) string {
	switch source {
	case store.SourcePhoneCall:
		return store.RevisionProposedFromCall
	case store.SourceFileUpload:
		return store.RevisionProposedFromUpload
	case store.SourceURLRefresh:
		return store.RevisionProposedFromURLRefresh
	default:
		return store.RevisionManualEdit
	}
}

func trimAnswerText(text *string) *string {
	if text == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*text)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func roundPercent(value float64) float64 {
	return math.Round(value*10) / 10
}

func snapshotFileName(title string) string {
	name := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			name += string(r)
		case r == ' ':
			name += "-"
		case r == '-', r == '_':
			name += string(r)
		}
	}
	if name == "" {
		name = "snapshot"
	}
	return name + ".pdf"
}

// ---- views ----

func intakeView(it store.Intake) map[string]any {
	return map[string]any{
		"id":                it.ID,
		"customerName":      it.CustomerName,
		"status":            it.Status,
		"totalQuestions":    it.TotalQuestions,
		"answeredQuestions": it.AnsweredQuestions,
		"percentComplete":   it.PercentComplete,
		"createdAt":         it.CreatedAt,
		"updatedAt":         it.UpdatedAt,
	}
}

func sectionView(sec store.SectionInstance) map[string]any {
	view := map[string]any{
		"id":                sec.ID,
		"intakeId":          sec.IntakeID,
		"templateKey":       sec.TemplateKey,
		"title":             sec.Title,
		"repeatIndex":       sec.RepeatIndex,
		"status":            sec.Status,
		"totalQuestions":    sec.TotalQuestions,
		"answeredQuestions": sec.AnsweredQuestions,
		"percentComplete":   sec.PercentComplete,
		"createdAt":         sec.CreatedAt,
	}
	if sec.MarkedCompleteAt != nil {
		view["markedCompleteAt"] = *sec.MarkedCompleteAt
		view["markedCompleteBy"] = sec.MarkedCompleteBy
	}
	return view
}

func questionView(q store.QuestionInstance) map[string]any {
	return map[string]any{
		"id":                      q.ID,
		"sectionInstanceId":       q.SectionInstanceID,
		"intakeId":                q.IntakeID,
		"questionKey":             q.QuestionKey,
		"prompt":                  q.Prompt,
		"required":                q.Required,
		"applicabilityRule":       q.ApplicabilityRuleText,
		"status":                  q.Status,
		"currentAnswerRevisionId": q.CurrentAnswerRevisionID,
		"createdAt":               q.CreatedAt,
		"updatedAt":               q.UpdatedAt,
	}
}

func revisionView(rev store.AnswerRevision) map[string]any {
	return map[string]any{
		"id":                   rev.ID,
		"questionInstanceId":   rev.QuestionInstanceID,
		"seq":                  rev.Seq,
		"revisionType":         rev.RevisionType,
		"answerText":           rev.AnswerText,
		"structuredData":       rev.StructuredData,
		"confidenceScore":      rev.ConfidenceScore,
		"isCurrent":            rev.IsCurrent,
		"sourceSessionId":      rev.SourceSessionID,
		"sourceEvidenceItemId": rev.SourceEvidenceItemID,
		"createdBy":            rev.CreatedBy,
		"createdAt":            rev.CreatedAt,
	}
}

func proposalView(p store.Proposal) map[string]any {
	view := map[string]any{
		"id":                     p.ID,
		"questionInstanceId":     p.IntakeQuestionInstanceID,
		"intakeId":               p.IntakeID,
		"proposedAnswer":         p.ProposedAnswerText,
		"proposedStructuredData": p.ProposedStructuredData,
		"source":                 p.Source,
		"confidenceScore":        p.ConfidenceScore,
		"status":                 p.Status,
		"sourceSessionId":        p.SourceSessionID,
		"sourceEvidenceItemId":   p.SourceEvidenceItemID,
		"createdBy":              p.CreatedBy,
		"createdAt":              p.CreatedAt,
	}
	if p.RejectionReason != "" {
		view["rejectionReason"] = p.RejectionReason
	}
	if p.ResolvedAt != nil {
		view["resolvedBy"] = p.ResolvedBy
		view["resolvedAt"] = *p.ResolvedAt
	}
	return view
}

func evidenceView(item store.EvidenceItem) map[string]any {
	return map[string]any{
		"id":              item.ID,
		"evidenceType":    item.EvidenceType,
		"excerptText":     item.ExcerptText,
		"startMs":         item.StartMs,
		"endMs":           item.EndMs,
		"fileAssetId":     item.FileAssetID,
		"urlSnapshotId":   item.URLSnapshotID,
		"sourceSessionId": item.SourceSessionID,
		"createdAt":       item.CreatedAt,
	}
}

func fileAssetView(asset store.FileAsset) map[string]any {
	return map[string]any{
		"id":          asset.ID,
		"fileName":    asset.FileName,
		"contentType": asset.ContentType,
		"sizeBytes":   asset.SizeBytes,
		"uploadedBy":  asset.UploadedBy,
		"createdAt":   asset.CreatedAt,
	}
}

func snapshotView(snap store.URLSnapshot) map[string]any {
	return map[string]any{
		"id":           snap.ID,
		"url":          snap.URL,
		"title":        snap.Title,
		"capturedText": snap.CapturedText,
		"pdfAssetId":   snap.PDFAssetID,
		"capturedAt":   snap.CapturedAt,
	}
}
