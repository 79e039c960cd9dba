package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultQuestion ResultType = "question"
	ResultProposal ResultType = "proposal"
	ResultAnswer   ResultType = "answer"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type               ResultType `json:"type"`
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Snippet            string     `json:"snippet"`
	IntakeID           string     `json:"intakeId"`
	QuestionInstanceID string     `json:"questionInstanceId"`
	Status             string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterIntakeID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexQuestion(q QuestionRecord) error
	IndexProposal(p ProposalRecord) error
	IndexAnswer(a AnswerRecord) error
	DeleteProposal(id string) error
}

// QuestionRecord is the data we index for a question instance.
type QuestionRecord struct {
	ID                string `json:"id"`
	QuestionKey       string `json:"questionKey"`
	Prompt            string `json:"prompt"`
	IntakeID          string `json:"intakeId"`
	SectionInstanceID string `json:"sectionInstanceId"`
	Status            string `json:"status"`
}

// ProposalRecord is the data we index for a staged proposal.
type ProposalRecord struct {
	ID                 string `json:"id"`
	ProposedAnswer     string `json:"proposedAnswer"`
	Source             string `json:"source"`
	IntakeID           string `json:"intakeId"`
	QuestionInstanceID string `json:"questionInstanceId"`
	Status             string `json:"status"`
}

// AnswerRecord is the data we index for an answer revision.
type AnswerRecord struct {
	ID                 string `json:"id"`
	AnswerText         string `json:"answerText"`
	RevisionType       string `json:"revisionType"`
	IntakeID           string `json:"intakeId"`
	QuestionInstanceID string `json:"questionInstanceId"`
	IsCurrent          bool   `json:"isCurrent"`
}
