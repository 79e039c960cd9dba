package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"atrium/api/internal/config"
	"atrium/api/internal/store"
)

// memStore is an in-memory dataStore that mirrors the Postgres semantics the
// service depends on: per-question seq assignment, the single-current flip,
// the status/pointer updates, and the pending-only resolve swap.
type memStore struct {
	reviewers map[string]store.Reviewer
	intakes   map[string]store.Intake
	sections  map[string]store.SectionInstance
	questions map[string]store.QuestionInstance
	revisions map[string]*store.AnswerRevision
	proposals map[string]store.Proposal
	evidence  map[string]store.EvidenceItem
	files     map[string]store.FileAsset
	snaps     map[string]store.URLSnapshot
}

func newMemStore() *memStore {
	ms := &memStore{
		reviewers: make(map[string]store.Reviewer),
		intakes:   make(map[string]store.Intake),
		sections:  make(map[string]store.SectionInstance),
		questions: make(map[string]store.QuestionInstance),
		revisions: make(map[string]*store.AnswerRevision),
		proposals: make(map[string]store.Proposal),
		evidence:  make(map[string]store.EvidenceItem),
		files:     make(map[string]store.FileAsset),
		snaps:     make(map[string]store.URLSnapshot),
	}

	ms.reviewers["rvw_1"] = store.Reviewer{ID: "rvw_1", DisplayName: "Dana", Role: "reviewer"}
	ms.reviewers["rvw_2"] = store.Reviewer{ID: "rvw_2", DisplayName: "Sam", Role: "contributor"}

	ms.intakes["int_1"] = store.Intake{ID: "int_1", CustomerName: "Acme Plumbing", Status: "open"}

	ms.sections["sec_basics"] = store.SectionInstance{
		ID: "sec_basics", IntakeID: "int_1", TemplateKey: "basics", Title: "Business Basics", Status: store.SectionNotStarted,
	}
	ms.sections["sec_web"] = store.SectionInstance{
		ID: "sec_web", IntakeID: "int_1", TemplateKey: "web_presence", Title: "Web Presence", Status: store.SectionNotStarted,
	}

	ms.questions["q_name"] = store.QuestionInstance{
		ID: "q_name", SectionInstanceID: "sec_basics", IntakeID: "int_1",
		QuestionKey: "business_name", Prompt: "What is the business name?", Required: true,
		Status: store.QuestionUnanswered,
	}
	ms.questions["q_site"] = store.QuestionInstance{
		ID: "q_site", SectionInstanceID: "sec_basics", IntakeID: "int_1",
		QuestionKey: "has_website", Prompt: "Does the business have a website?", Required: true,
		Status: store.QuestionUnanswered,
	}
	ms.questions["q_url"] = store.QuestionInstance{
		ID: "q_url", SectionInstanceID: "sec_web", IntakeID: "int_1",
		QuestionKey: "website_url", Prompt: "What is the website URL?", Required: true,
		ApplicabilityRuleText: "has_website=Yes",
		Status:                store.QuestionUnanswered,
	}
	return ms
}

func (m *memStore) EnsureReviewerByName(_ context.Context, name string) (store.Reviewer, error) {
	for _, r := range m.reviewers {
		if r.DisplayName == name {
			return r, nil
		}
	}
	r := store.Reviewer{ID: "rvw_" + name, DisplayName: name, Role: "contributor"}
	m.reviewers[r.ID] = r
	return r, nil
}

func (m *memStore) GetReviewerByID(_ context.Context, id string) (store.Reviewer, error) {
	r, ok := m.reviewers[id]
	if !ok {
		return store.Reviewer{}, sql.ErrNoRows
	}
	return r, nil
}

func (m *memStore) GetIntake(_ context.Context, id string) (store.Intake, error) {
	it, ok := m.intakes[id]
	if !ok {
		return store.Intake{}, sql.ErrNoRows
	}
	return it, nil
}

func (m *memStore) GetSectionInstance(_ context.Context, id string) (store.SectionInstance, error) {
	sec, ok := m.sections[id]
	if !ok {
		return store.SectionInstance{}, sql.ErrNoRows
	}
	return sec, nil
}

func (m *memStore) ListSectionInstances(_ context.Context, intakeID string) ([]store.SectionInstance, error) {
	items := make([]store.SectionInstance, 0)
	for _, sec := range m.sections {
		if sec.IntakeID == intakeID {
			items = append(items, sec)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) GetQuestionInstance(_ context.Context, id string) (store.QuestionInstance, error) {
	q, ok := m.questions[id]
	if !ok {
		return store.QuestionInstance{}, sql.ErrNoRows
	}
	return q, nil
}

func (m *memStore) ListQuestionInstances(_ context.Context, sectionInstanceID string) ([]store.QuestionInstance, error) {
	items := make([]store.QuestionInstance, 0)
	for _, q := range m.questions {
		if q.SectionInstanceID == sectionInstanceID {
			items = append(items, q)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) FindQuestionByKey(_ context.Context, intakeID, key string) (store.QuestionInstance, error) {
	for _, q := range m.questions {
		if q.IntakeID == intakeID && q.QuestionKey == key {
			return q, nil
		}
	}
	return store.QuestionInstance{}, sql.ErrNoRows
}

func (m *memStore) CurrentAnswersByKey(_ context.Context, intakeID string) (map[string]string, error) {
	answers := make(map[string]string)
	for _, q := range m.questions {
		if q.IntakeID != intakeID || q.CurrentAnswerRevisionID == nil {
			continue
		}
		rev, ok := m.revisions[*q.CurrentAnswerRevisionID]
		if !ok || rev.AnswerText == nil {
			continue
		}
		answers[q.QuestionKey] = *rev.AnswerText
	}
	return answers, nil
}

func (m *memStore) revisionsFor(questionInstanceID string) []*store.AnswerRevision {
	items := make([]*store.AnswerRevision, 0)
	for _, rev := range m.revisions {
		if rev.QuestionInstanceID == questionInstanceID {
			items = append(items, rev)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

func revisionContent(rev store.AnswerRevision) bool {
	if rev.AnswerText != nil && *rev.AnswerText != "" {
		return true
	}
	return len(rev.StructuredData) > 0 && string(rev.StructuredData) != "null"
}

func (m *memStore) AppendRevision(_ context.Context, rev store.AnswerRevision, makeCurrent bool) (store.AnswerRevision, error) {
	q, ok := m.questions[rev.QuestionInstanceID]
	if !ok {
		return store.AnswerRevision{}, sql.ErrNoRows
	}

	existing := m.revisionsFor(rev.QuestionInstanceID)
	rev.Seq = int64(len(existing)) + 1
	rev.CreatedAt = time.Now()
	rev.IsCurrent = makeCurrent

	if makeCurrent {
		for _, other := range existing {
			other.IsCurrent = false
		}
		id := rev.ID
		q.CurrentAnswerRevisionID = &id
		if revisionContent(rev) {
			q.Status = store.QuestionAnswered
		} else {
			q.Status = store.QuestionUnanswered
		}
		m.questions[q.ID] = q
	}

	stored := rev
	m.revisions[rev.ID] = &stored
	return rev, nil
}

func (m *memStore) ChooseCurrent(_ context.Context, questionInstanceID, revisionID string) (store.AnswerRevision, error) {
	target, ok := m.revisions[revisionID]
	if !ok || target.QuestionInstanceID != questionInstanceID {
		return store.AnswerRevision{}, sql.ErrNoRows
	}

	for _, rev := range m.revisionsFor(questionInstanceID) {
		rev.IsCurrent = false
	}
	target.IsCurrent = true

	q := m.questions[questionInstanceID]
	id := revisionID
	q.CurrentAnswerRevisionID = &id
	if revisionContent(*target) {
		q.Status = store.QuestionAnswered
	} else {
		q.Status = store.QuestionUnanswered
	}
	m.questions[q.ID] = q
	return *target, nil
}

func (m *memStore) GetAnswerRevision(_ context.Context, revisionID string) (store.AnswerRevision, error) {
	rev, ok := m.revisions[revisionID]
	if !ok {
		return store.AnswerRevision{}, sql.ErrNoRows
	}
	return *rev, nil
}

func (m *memStore) ListRevisions(_ context.Context, questionInstanceID string) ([]store.AnswerRevision, error) {
	ordered := m.revisionsFor(questionInstanceID)
	items := make([]store.AnswerRevision, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		items = append(items, *ordered[i])
	}
	return items, nil
}

func (m *memStore) SetQuestionStatus(_ context.Context, questionInstanceID, status string) (store.QuestionInstance, error) {
	q, ok := m.questions[questionInstanceID]
	if !ok {
		return store.QuestionInstance{}, sql.ErrNoRows
	}
	for _, rev := range m.revisionsFor(questionInstanceID) {
		rev.IsCurrent = false
	}
	q.CurrentAnswerRevisionID = nil
	q.Status = status
	m.questions[q.ID] = q
	return q, nil
}

func (m *memStore) CreateProposal(_ context.Context, p store.Proposal) error {
	p.Status = store.ProposalPending
	p.CreatedAt = time.Now()
	m.proposals[p.ID] = p
	return nil
}

func (m *memStore) GetProposal(_ context.Context, id string) (store.Proposal, error) {
	p, ok := m.proposals[id]
	if !ok {
		return store.Proposal{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *memStore) ResolveProposal(_ context.Context, id, status, reason, resolvedBy string) (bool, error) {
	p, ok := m.proposals[id]
	if !ok || p.Status != store.ProposalPending {
		return false, nil
	}
	now := time.Now()
	p.Status = status
	p.RejectionReason = reason
	p.ResolvedBy = resolvedBy
	p.ResolvedAt = &now
	m.proposals[id] = p
	return true, nil
}

// AcceptProposal mirrors the store's single-transaction accept: the append
// runs first so a failed append leaves the proposal pending, exactly like
// the rolled-back transaction would.
func (m *memStore) AcceptProposal(ctx context.Context, id, resolvedBy string, rev store.AnswerRevision) (bool, store.AnswerRevision, error) {
	p, ok := m.proposals[id]
	if !ok || p.Status != store.ProposalPending {
		return false, store.AnswerRevision{}, nil
	}

	appended, err := m.AppendRevision(ctx, rev, true)
	if err != nil {
		return false, store.AnswerRevision{}, err
	}

	now := time.Now()
	p.Status = store.ProposalAccepted
	p.ResolvedBy = resolvedBy
	p.ResolvedAt = &now
	m.proposals[id] = p
	return true, appended, nil
}

func (m *memStore) ListPendingProposals(_ context.Context, intakeID, source, sectionInstanceID string) ([]store.Proposal, error) {
	items := make([]store.Proposal, 0)
	for _, p := range m.proposals {
		if p.IntakeID != intakeID || p.Status != store.ProposalPending {
			continue
		}
		if source != "" && p.Source != source {
			continue
		}
		if sectionInstanceID != "" {
			q, ok := m.questions[p.IntakeQuestionInstanceID]
			if !ok || q.SectionInstanceID != sectionInstanceID {
				continue
			}
		}
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) ListPendingProposalsForQuestion(_ context.Context, questionInstanceID string) ([]store.Proposal, error) {
	items := make([]store.Proposal, 0)
	for _, p := range m.proposals {
		if p.IntakeQuestionInstanceID == questionInstanceID && p.Status == store.ProposalPending {
			items = append(items, p)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) UpdateSectionProgress(_ context.Context, id string, total, answered int, percent float64, status string) error {
	sec, ok := m.sections[id]
	if !ok {
		return sql.ErrNoRows
	}
	sec.TotalQuestions = total
	sec.AnsweredQuestions = answered
	sec.PercentComplete = percent
	sec.Status = status
	m.sections[id] = sec
	return nil
}

func (m *memStore) UpdateIntakeProgress(_ context.Context, id string, total, answered int, percent float64) error {
	it, ok := m.intakes[id]
	if !ok {
		return sql.ErrNoRows
	}
	it.TotalQuestions = total
	it.AnsweredQuestions = answered
	it.PercentComplete = percent
	m.intakes[id] = it
	return nil
}

func (m *memStore) MarkSectionComplete(_ context.Context, id, markedBy string) (store.SectionInstance, error) {
	sec, ok := m.sections[id]
	if !ok {
		return store.SectionInstance{}, sql.ErrNoRows
	}
	now := time.Now()
	sec.Status = store.SectionComplete
	sec.MarkedCompleteAt = &now
	sec.MarkedCompleteBy = markedBy
	m.sections[id] = sec
	return sec, nil
}

func (m *memStore) CountUnansweredRequired(_ context.Context, sectionInstanceID string) (int, error) {
	count := 0
	for _, q := range m.questions {
		if q.SectionInstanceID == sectionInstanceID && q.Required && q.Status != store.QuestionAnswered {
			count++
		}
	}
	return count, nil
}

func (m *memStore) InsertEvidenceItem(_ context.Context, item store.EvidenceItem) (store.EvidenceItem, error) {
	item.CreatedAt = time.Now()
	m.evidence[item.ID] = item
	return item, nil
}

func (m *memStore) GetEvidenceItem(_ context.Context, id string) (store.EvidenceItem, error) {
	item, ok := m.evidence[id]
	if !ok {
		return store.EvidenceItem{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) InsertFileAsset(_ context.Context, asset store.FileAsset) (store.FileAsset, error) {
	asset.CreatedAt = time.Now()
	m.files[asset.ID] = asset
	return asset, nil
}

func (m *memStore) GetFileAsset(_ context.Context, id string) (store.FileAsset, error) {
	asset, ok := m.files[id]
	if !ok {
		return store.FileAsset{}, sql.ErrNoRows
	}
	return asset, nil
}

func (m *memStore) InsertURLSnapshot(_ context.Context, snap store.URLSnapshot) (store.URLSnapshot, error) {
	snap.CapturedAt = time.Now()
	m.snaps[snap.ID] = snap
	return snap, nil
}

func (m *memStore) GetURLSnapshot(_ context.Context, id string) (store.URLSnapshot, error) {
	snap, ok := m.snaps[id]
	if !ok {
		return store.URLSnapshot{}, sql.ErrNoRows
	}
	return snap, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func newTestService(ms *memStore) *Service {
	return &Service{
		cfg:   config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour},
		store: ms,
	}
}

func reviewerSession() Session {
	return Session{UserID: "rvw_1", UserName: "Dana", Role: "reviewer"}
}

func strptr(s string) *string { return &s }

func domainErrFrom(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr
}

func TestReviseAnswerAppendsAndSetsCurrent(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	first, err := svc.ReviseAnswer(ctx, "q_name", reviewerSession(), ReviseAnswerInput{
		AnswerText: strptr("Acme Plumbing"),
	})
	if err != nil {
		t.Fatalf("first revise failed: %v", err)
	}
	if first["seq"] != int64(1) {
		t.Fatalf("expected seq 1, got %v", first["seq"])
	}

	second, err := svc.ReviseAnswer(ctx, "q_name", reviewerSession(), ReviseAnswerInput{
		AnswerText:   strptr("Acme Plumbing LLC"),
		RevisionType: store.RevisionConfirmed,
	})
	if err != nil {
		t.Fatalf("second revise failed: %v", err)
	}
	if second["seq"] != int64(2) {
		t.Fatalf("expected seq 2, got %v", second["seq"])
	}

	currents := 0
	for _, rev := range ms.revisionsFor("q_name") {
		if rev.IsCurrent {
			currents++
			if *rev.AnswerText != "Acme Plumbing LLC" {
				t.Fatalf("wrong current revision: %s", *rev.AnswerText)
			}
		}
	}
	if currents != 1 {
		t.Fatalf("expected exactly one current revision, got %d", currents)
	}

	q := ms.questions["q_name"]
	if q.Status != store.QuestionAnswered {
		t.Fatalf("expected answered status, got %s", q.Status)
	}
	if q.CurrentAnswerRevisionID == nil || *q.CurrentAnswerRevisionID != second["id"] {
		t.Fatal("question pointer not updated to newest revision")
	}
}

func TestReviseAnswerRejectsSourceRevisionTypes(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.ReviseAnswer(context.Background(), "q_name", reviewerSession(), ReviseAnswerInput{
		RevisionType: store.RevisionProposedFromCall,
		AnswerText:   strptr("Acme"),
	})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestReviseAnswerUnknownQuestion(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.ReviseAnswer(context.Background(), "q_missing", reviewerSession(), ReviseAnswerInput{
		AnswerText: strptr("whatever"),
	})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestMakeCurrentRollsBackWithoutNewEntry(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	session := reviewerSession()

	first, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme")})
	if err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme LLC")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}

	rolled, err := svc.MakeCurrent(ctx, "q_name", first["id"].(string), session)
	if err != nil {
		t.Fatalf("make-current failed: %v", err)
	}
	if rolled["isCurrent"] != true {
		t.Fatal("expected rolled-back revision to be current")
	}

	if len(ms.revisionsFor("q_name")) != 2 {
		t.Fatal("rollback must not create a new ledger entry")
	}
	q := ms.questions["q_name"]
	if q.CurrentAnswerRevisionID == nil || *q.CurrentAnswerRevisionID != first["id"] {
		t.Fatal("pointer not rolled back")
	}
}

func TestMakeCurrentRejectsForeignRevision(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	session := reviewerSession()

	other, err := svc.ReviseAnswer(ctx, "q_site", session, ReviseAnswerInput{AnswerText: strptr("Yes")})
	if err != nil {
		t.Fatalf("revise failed: %v", err)
	}

	_, err = svc.MakeCurrent(ctx, "q_name", other["id"].(string), session)
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", domainErr.Code)
	}
}

func seedProposal(ms *memStore, id, questionID, text, source string, confidence float64) {
	ms.proposals[id] = store.Proposal{
		ID:                       id,
		IntakeQuestionInstanceID: questionID,
		IntakeID:                 "int_1",
		ProposedAnswerText:       strptr(text),
		Source:                   source,
		ConfidenceScore:          confidence,
		Status:                   store.ProposalPending,
		CreatedBy:                "rvw_2",
		CreatedAt:                time.Now(),
	}
}

func TestAcceptProposalCreatesSourceTypedRevision(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.92)

	payload, err := svc.AcceptProposal(context.Background(), "prp_1", reviewerSession(), AcceptProposalInput{})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	revision := payload["revision"].(map[string]any)
	if revision["revisionType"] != store.RevisionProposedFromCall {
		t.Fatalf("expected proposedFromCall revision, got %v", revision["revisionType"])
	}
	if revision["isCurrent"] != true {
		t.Fatal("accepted revision must become current")
	}
	conf := revision["confidenceScore"].(*float64)
	if conf == nil || *conf != 0.92 {
		t.Fatalf("confidence not carried: %v", conf)
	}

	proposal := payload["proposal"].(map[string]any)
	if proposal["status"] != store.ProposalAccepted {
		t.Fatalf("expected accepted status, got %v", proposal["status"])
	}

	if ms.questions["q_name"].Status != store.QuestionAnswered {
		t.Fatal("question not marked answered after accept")
	}
}

func TestAcceptProposalHonorsOverrideText(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedProposal(ms, "prp_1", "q_name", "Acme Plumming", store.SourceFileUpload, 0.6)

	payload, err := svc.AcceptProposal(context.Background(), "prp_1", reviewerSession(), AcceptProposalInput{
		OverrideAnswerText: strptr("Acme Plumbing"),
	})
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	revision := payload["revision"].(map[string]any)
	if *revision["answerText"].(*string) != "Acme Plumbing" {
		t.Fatalf("override not applied: %v", revision["answerText"])
	}
	if revision["revisionType"] != store.RevisionProposedFromUpload {
		t.Fatalf("override must keep the source-derived type, got %v", revision["revisionType"])
	}
}

func TestAcceptProposalIsIdempotentlyRejectedOnSecondCall(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.9)
	ctx := context.Background()

	if _, err := svc.AcceptProposal(ctx, "prp_1", reviewerSession(), AcceptProposalInput{}); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	ledgerLen := len(ms.revisionsFor("q_name"))

	_, err := svc.AcceptProposal(ctx, "prp_1", reviewerSession(), AcceptProposalInput{})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}

	if len(ms.revisionsFor("q_name")) != ledgerLen {
		t.Fatal("duplicate accept must not append another revision")
	}
}

func TestAcceptAfterRejectFails(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.9)
	ctx := context.Background()

	if _, err := svc.RejectProposal(ctx, "prp_1", reviewerSession(), RejectProposalInput{Reason: "transcription garbled"}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	_, err := svc.AcceptProposal(ctx, "prp_1", reviewerSession(), AcceptProposalInput{})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestRejectProposalRequiresReason(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.9)

	_, err := svc.RejectProposal(context.Background(), "prp_1", reviewerSession(), RejectProposalInput{Reason: "   "})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
	if ms.proposals["prp_1"].Status != store.ProposalPending {
		t.Fatal("proposal must stay pending without a reason")
	}
}

func TestRejectProposalLeavesLedgerUntouched(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.9)

	payload, err := svc.RejectProposal(context.Background(), "prp_1", reviewerSession(), RejectProposalInput{Reason: "wrong business"})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if payload["status"] != store.ProposalRejected {
		t.Fatalf("expected rejected, got %v", payload["status"])
	}
	if payload["rejectionReason"] != "wrong business" {
		t.Fatalf("reason not recorded: %v", payload["rejectionReason"])
	}

	if len(ms.revisionsFor("q_name")) != 0 {
		t.Fatal("rejection must not write to the revision ledger")
	}
	if ms.questions["q_name"].Status != store.QuestionUnanswered {
		t.Fatal("question status must be unchanged by a rejection")
	}
}

func TestAcceptLeavesProposalPendingWhenAppendFails(t *testing.T) {
	ms := newMemStore()
	ctx := context.Background()
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.9)

	// point the ledger entry at a question that does not exist: the append
	// fails, and the resolution must fail with it
	swapped, _, err := ms.AcceptProposal(ctx, "prp_1", "rvw_1", store.AnswerRevision{
		ID:                 "rev_x",
		QuestionInstanceID: "q_missing",
		RevisionType:       store.RevisionProposedFromCall,
		AnswerText:         strptr("Acme Plumbing"),
		CreatedBy:          "rvw_1",
	})
	if err == nil {
		t.Fatal("expected the failed append to surface an error")
	}
	if swapped {
		t.Fatal("a failed append must not report the proposal as resolved")
	}
	if ms.proposals["prp_1"].Status != store.ProposalPending {
		t.Fatal("proposal must stay pending when the ledger write fails")
	}
}

func TestQuestionConflictDetection(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	session := reviewerSession()

	// empty ledger: no conflict
	payload, err := svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if payload["conflict"] != false {
		t.Fatal("expected no conflict on empty question")
	}

	// pending proposals are not part of the ledger; even a disagreeing
	// pair only shows up in pendingCount
	seedProposal(ms, "prp_1", "q_name", "Acme Plumbing", store.SourcePhoneCall, 0.9)
	seedProposal(ms, "prp_2", "q_name", "Acme Pipes Inc", store.SourceURLRefresh, 0.8)
	payload, err = svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if payload["conflict"] != false {
		t.Fatal("pending proposals alone must not conflict")
	}
	if payload["pendingCount"] != 2 {
		t.Fatalf("expected 2 pending, got %v", payload["pendingCount"])
	}

	// two revisions carrying the same value: still no conflict
	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme Plumbing")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme Plumbing")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	payload, err = svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if payload["conflict"] != false {
		t.Fatal("agreeing revisions must not conflict")
	}

	// a revision with a different value conflicts, superseded or not
	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme Plumbing, Inc.")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	payload, err = svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if payload["conflict"] != true {
		t.Fatal("disagreeing revisions must conflict")
	}
	values := payload["values"].([]string)
	if len(values) != 2 || values[0] != "Acme Plumbing" || values[1] != "Acme Plumbing, Inc." {
		t.Fatalf("expected distinct values in ledger order, got %v", values)
	}
	if payload["currentAnswer"] != "Acme Plumbing, Inc." {
		t.Fatalf("current answer missing from payload: %v", payload["currentAnswer"])
	}
}

func TestQuestionConflictSurvivesResolvedHistory(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	session := reviewerSession()

	// an accepted call answer followed by a reviewer correction leaves
	// two values in the ledger, with nothing pending anymore
	seedProposal(ms, "prp_1", "q_name", "Acme Corp", store.SourcePhoneCall, 0.9)
	if _, err := svc.AcceptProposal(ctx, "prp_1", session, AcceptProposalInput{}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme Corporation, Inc.")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}

	payload, err := svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if payload["conflict"] != true {
		t.Fatal("a manual edit diverging from an accepted answer must conflict")
	}
	if payload["pendingCount"] != 0 {
		t.Fatalf("expected 0 pending, got %v", payload["pendingCount"])
	}
	if payload["currentAnswer"] != "Acme Corporation, Inc." {
		t.Fatalf("unexpected current answer: %v", payload["currentAnswer"])
	}
}

func TestSetQuestionStatusRejectsAnswered(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.SetQuestionStatus(context.Background(), "q_name", reviewerSession(), SetQuestionStatusInput{Status: store.QuestionAnswered})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", domainErr.Code)
	}
}

func TestSetQuestionStatusClearsCurrentPointer(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	if _, err := svc.ReviseAnswer(ctx, "q_name", reviewerSession(), ReviseAnswerInput{AnswerText: strptr("Acme")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}

	payload, err := svc.SetQuestionStatus(ctx, "q_name", reviewerSession(), SetQuestionStatusInput{Status: store.QuestionSkipped})
	if err != nil {
		t.Fatalf("status change failed: %v", err)
	}
	if payload["status"] != store.QuestionSkipped {
		t.Fatalf("expected skipped, got %v", payload["status"])
	}

	q := ms.questions["q_name"]
	if q.CurrentAnswerRevisionID != nil {
		t.Fatal("current pointer must be cleared on a status-only transition")
	}
	for _, rev := range ms.revisionsFor("q_name") {
		if rev.IsCurrent {
			t.Fatal("no revision may remain current after skip")
		}
	}
	if len(ms.revisionsFor("q_name")) != 1 {
		t.Fatal("ledger history must survive a status change")
	}
}

func TestSectionProgressExcludesInapplicableQuestions(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	// has_website answered "No": website_url rule fails, q_url drops from counts
	if _, err := svc.ReviseAnswer(ctx, "q_site", reviewerSession(), ReviseAnswerInput{AnswerText: strptr("No")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}

	payload, err := svc.RecomputeSectionProgress(ctx, "sec_web")
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if payload["totalQuestions"] != 0 {
		t.Fatalf("expected 0 applicable questions, got %v", payload["totalQuestions"])
	}
	if payload["percentComplete"] != 100.0 {
		t.Fatalf("a section with nothing applicable is done, got %v", payload["percentComplete"])
	}

	// flip the answer to "Yes": the rule passes and q_url counts again
	if _, err := svc.ReviseAnswer(ctx, "q_site", reviewerSession(), ReviseAnswerInput{AnswerText: strptr("Yes")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	payload, err = svc.RecomputeSectionProgress(ctx, "sec_web")
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if payload["totalQuestions"] != 1 || payload["answeredQuestions"] != 0 {
		t.Fatalf("expected 1 total / 0 answered, got %v / %v", payload["totalQuestions"], payload["answeredQuestions"])
	}
}

func TestSectionProgressPreservesManualComplete(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	if _, err := svc.MarkSectionComplete(ctx, "sec_basics", reviewerSession()); err != nil {
		t.Fatalf("mark complete failed: %v", err)
	}

	payload, err := svc.RecomputeSectionProgress(ctx, "sec_basics")
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if payload["status"] != store.SectionComplete {
		t.Fatalf("recompute must not demote a manually completed section, got %v", payload["status"])
	}
}

func TestMarkSectionCompleteReportsUnansweredRequired(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	if _, err := svc.ReviseAnswer(ctx, "q_name", reviewerSession(), ReviseAnswerInput{AnswerText: strptr("Acme")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}

	payload, err := svc.MarkSectionComplete(ctx, "sec_basics", reviewerSession())
	if err != nil {
		t.Fatalf("mark complete failed: %v", err)
	}
	if payload["unansweredRequired"] != 1 {
		t.Fatalf("expected 1 unanswered required (has_website), got %v", payload["unansweredRequired"])
	}
	if payload["status"] != store.SectionComplete {
		t.Fatalf("expected complete, got %v", payload["status"])
	}
}

func TestIntakeProgressSumsSections(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	session := reviewerSession()

	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	if _, err := svc.ReviseAnswer(ctx, "q_site", session, ReviseAnswerInput{AnswerText: strptr("Yes")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	if _, err := svc.RecomputeSectionProgress(ctx, "sec_web"); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}

	payload, err := svc.RecomputeIntakeProgress(ctx, "int_1")
	if err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	// basics: 2/2 answered; web: 0/1 answered
	if payload["totalQuestions"] != 3 || payload["answeredQuestions"] != 2 {
		t.Fatalf("expected 3 total / 2 answered, got %v / %v", payload["totalQuestions"], payload["answeredQuestions"])
	}
	if payload["percentComplete"] != 66.7 {
		t.Fatalf("expected 66.7 percent, got %v", payload["percentComplete"])
	}
}

func TestIngestManualEditWritesLedgerDirectly(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	payload, err := svc.Ingest(context.Background(), "int_1", reviewerSession(), IngestInput{
		Source: store.SourceManualEdit,
		Items: []IngestItem{
			{QuestionKey: "business_name", AnswerText: strptr("Acme Plumbing")},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	results := payload["results"].([]map[string]any)
	if results[0]["outcome"] != "applied" {
		t.Fatalf("expected applied, got %v", results[0]["outcome"])
	}
	if ms.questions["q_name"].Status != store.QuestionAnswered {
		t.Fatal("manual edit must answer the question directly")
	}
	if len(ms.proposals) != 0 {
		t.Fatal("manual edit must not stage a proposal")
	}
}

func TestIngestCallSourceStagesProposals(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	payload, err := svc.Ingest(context.Background(), "int_1", reviewerSession(), IngestInput{
		Source: store.SourcePhoneCall,
		Items: []IngestItem{
			{QuestionKey: "business_name", AnswerText: strptr("Acme Plumbing"), Confidence: floatptr(0.91)},
			{QuestionKey: "not_a_real_key", AnswerText: strptr("ignored")},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	results := payload["results"].([]map[string]any)
	if results[0]["outcome"] != "proposed" {
		t.Fatalf("expected proposed, got %v", results[0]["outcome"])
	}
	if results[1]["outcome"] != "unknownKey" {
		t.Fatalf("unknown keys must be reported per item, got %v", results[1]["outcome"])
	}

	if ms.questions["q_name"].Status != store.QuestionUnanswered {
		t.Fatal("a staged proposal must not answer the question")
	}
	if len(ms.proposals) != 1 {
		t.Fatalf("expected 1 staged proposal, got %d", len(ms.proposals))
	}
	for _, p := range ms.proposals {
		if p.Status != store.ProposalPending || p.ConfidenceScore != 0.91 {
			t.Fatalf("bad staged proposal: %+v", p)
		}
	}
}

func TestIngestCallSourceRequiresConfidence(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	payload, err := svc.Ingest(context.Background(), "int_1", reviewerSession(), IngestInput{
		Source: store.SourcePhoneCall,
		Items: []IngestItem{
			{QuestionKey: "business_name", AnswerText: strptr("Acme Plumbing")},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	results := payload["results"].([]map[string]any)
	if results[0]["outcome"] != "invalid" {
		t.Fatalf("extracted answer without confidence must be invalid, got %v", results[0]["outcome"])
	}
	if results[0]["error"] != "missing confidence" {
		t.Fatalf("unexpected error: %v", results[0]["error"])
	}
	if len(ms.proposals) != 0 {
		t.Fatal("an invalid item must not stage a proposal")
	}
}

func TestIngestRejectsUnknownEvidenceItem(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	payload, err := svc.Ingest(context.Background(), "int_1", reviewerSession(), IngestInput{
		Source: store.SourceManualEdit,
		Items: []IngestItem{
			{QuestionKey: "business_name", AnswerText: strptr("Acme Plumbing"), EvidenceItemID: strptr("evd_missing")},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	results := payload["results"].([]map[string]any)
	if results[0]["outcome"] != "invalid" {
		t.Fatalf("dangling evidence reference must be invalid, got %v", results[0]["outcome"])
	}
	if results[0]["error"] != "unknown evidence item" {
		t.Fatalf("unexpected error: %v", results[0]["error"])
	}
	if len(ms.revisionsFor("q_name")) != 0 {
		t.Fatal("an invalid item must not write to the ledger")
	}
}

func TestIngestRejectsUnknownSource(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Ingest(context.Background(), "int_1", reviewerSession(), IngestInput{
		Source: "carrierPigeon",
		Items:  []IngestItem{{QuestionKey: "business_name"}},
	})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestAttachEvidenceValidation(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	cases := []struct {
		name  string
		input AttachEvidenceInput
	}{
		{"unknown type", AttachEvidenceInput{EvidenceType: "hearsay"}},
		{"transcript without excerpt", AttachEvidenceInput{EvidenceType: store.EvidenceTranscript, SourceSessionID: strptr("call_1")}},
		{"transcript without session", AttachEvidenceInput{EvidenceType: store.EvidenceTranscript, ExcerptText: "we are open weekends"}},
		{"transcript with inverted range", AttachEvidenceInput{
			EvidenceType: store.EvidenceTranscript, ExcerptText: "x", SourceSessionID: strptr("call_1"),
			StartMs: int64ptr(5000), EndMs: int64ptr(1000),
		}},
		{"document without asset", AttachEvidenceInput{EvidenceType: store.EvidenceDocument}},
		{"document with missing asset", AttachEvidenceInput{EvidenceType: store.EvidenceDocument, FileAssetID: strptr("fil_missing")}},
		{"url without snapshot", AttachEvidenceInput{EvidenceType: store.EvidenceURL}},
		{"transcript with file asset", AttachEvidenceInput{
			EvidenceType: store.EvidenceTranscript, ExcerptText: "x", SourceSessionID: strptr("call_1"),
			FileAssetID: strptr("fil_1"),
		}},
		{"document with snapshot too", AttachEvidenceInput{
			EvidenceType: store.EvidenceDocument, FileAssetID: strptr("fil_1"), URLSnapshotID: strptr("snp_1"),
		}},
		{"url with file asset too", AttachEvidenceInput{
			EvidenceType: store.EvidenceURL, URLSnapshotID: strptr("snp_1"), FileAssetID: strptr("fil_1"),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AttachEvidence(ctx, tc.input)
			domainErr := domainErrFrom(t, err)
			if domainErr.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
			}
		})
	}

	valid, err := svc.AttachEvidence(ctx, AttachEvidenceInput{
		EvidenceType:    store.EvidenceTranscript,
		ExcerptText:     "we are open weekends",
		SourceSessionID: strptr("call_1"),
		StartMs:         int64ptr(1000),
		EndMs:           int64ptr(5000),
	})
	if err != nil {
		t.Fatalf("valid transcript evidence rejected: %v", err)
	}
	if !strings.HasPrefix(valid["id"].(string), "evd_") {
		t.Fatalf("unexpected evidence id: %v", valid["id"])
	}
}

// Full review pass: a call stages proposals, the reviewer accepts one with an
// edit, rejects a conflicting one, and progress tracks each step.
func TestCallReviewFlow(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()
	session := reviewerSession()

	ingest, err := svc.Ingest(ctx, "int_1", session, IngestInput{
		Source:    store.SourcePhoneCall,
		SessionID: strptr("call_42"),
		Items: []IngestItem{
			{QuestionKey: "business_name", AnswerText: strptr("Acme Plumming"), Confidence: floatptr(0.72)},
			{QuestionKey: "has_website", AnswerText: strptr("Yes"), Confidence: floatptr(0.95)},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	results := ingest["results"].([]map[string]any)

	// nothing is answered yet
	if ms.intakes["int_1"].AnsweredQuestions != 0 {
		t.Fatal("staged proposals must not move progress")
	}

	nameProposalID := results[0]["proposalId"].(string)
	siteProposalID := results[1]["proposalId"].(string)

	if _, err := svc.AcceptProposal(ctx, nameProposalID, session, AcceptProposalInput{
		OverrideAnswerText: strptr("Acme Plumbing"),
	}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := svc.AcceptProposal(ctx, siteProposalID, session, AcceptProposalInput{}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	// basics 2/2, web pending recompute is driven by the accepts
	if _, err := svc.RecomputeSectionProgress(ctx, "sec_web"); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if _, err := svc.RecomputeIntakeProgress(ctx, "int_1"); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	intake := ms.intakes["int_1"]
	if intake.TotalQuestions != 3 || intake.AnsweredQuestions != 2 {
		t.Fatalf("expected 3/2 after accepts, got %d/%d", intake.TotalQuestions, intake.AnsweredQuestions)
	}

	// a second call disagrees about the URL question's sibling answer
	second, err := svc.Ingest(ctx, "int_1", session, IngestInput{
		Source:    store.SourcePhoneCall,
		SessionID: strptr("call_43"),
		Items: []IngestItem{
			{QuestionKey: "business_name", AnswerText: strptr("Acme Pipes Inc"), Confidence: floatptr(0.55)},
		},
	})
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	conflict, err := svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if conflict["conflict"] != false {
		t.Fatal("a staged proposal must not flag a conflict by itself")
	}
	if conflict["pendingCount"] != 1 {
		t.Fatalf("expected 1 pending, got %v", conflict["pendingCount"])
	}

	badProposalID := second["results"].([]map[string]any)[0]["proposalId"].(string)
	if _, err := svc.RejectProposal(ctx, badProposalID, session, RejectProposalInput{Reason: "caller misheard the name"}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	// rejection leaves the accepted answer and the ledger intact
	revisions, err := svc.ListRevisions(ctx, "q_name")
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	ledger := revisions["revisions"].([]map[string]any)
	if len(ledger) != 1 {
		t.Fatalf("expected 1 ledger entry for q_name, got %d", len(ledger))
	}
	if *ledger[0]["answerText"].(*string) != "Acme Plumbing" {
		t.Fatal("rejected proposal must not alter the current answer")
	}

	// a reviewer correction that diverges from the accepted value does conflict
	if _, err := svc.ReviseAnswer(ctx, "q_name", session, ReviseAnswerInput{AnswerText: strptr("Acme Plumbing, Inc.")}); err != nil {
		t.Fatalf("revise failed: %v", err)
	}
	conflict, err = svc.QuestionConflict(ctx, "q_name")
	if err != nil {
		t.Fatalf("conflict check failed: %v", err)
	}
	if conflict["conflict"] != true {
		t.Fatal("diverging correction must conflict with the accepted answer")
	}
}

func floatptr(f float64) *float64 { return &f }
func int64ptr(v int64) *int64     { return &v }
