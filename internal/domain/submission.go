package domain

// Submission kinds carried on the ingest topic
const (
	SubmissionGuess = "guess"
	SubmissionBet   = "bet"
)

// Submission is one guess or raffle entry arriving asynchronously
type Submission struct {
	Type             string  `json:"type"`
	Address          string  `json:"address"`
	Day              Day     `json:"day,omitempty"`
	PredictedOutcome Outcome `json:"predictedOutcome,omitempty"`
	ItemCode         string  `json:"itemCode,omitempty"`
}

// Valid reports whether the submission carries the fields its type needs
func (s Submission) Valid() bool {
	if s.Address == "" {
		return false
	}
	switch s.Type {
	case SubmissionGuess:
		return s.Day.Valid() && len(s.PredictedOutcome) > 0
	case SubmissionBet:
		return s.ItemCode != ""
	default:
		return false
	}
}

// SubmissionResult tallies a processed batch
type SubmissionResult struct {
	Accepted int
	Rejected int
}
