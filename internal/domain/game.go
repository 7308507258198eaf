package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Day identifies one of the two scoring phases
type Day int

const (
	DayFirst  Day = 1
	DaySecond Day = 2
)

// Days returns every scoring day in order
func Days() []Day {
	return []Day{DayFirst, DaySecond}
}

// ParseDay accepts "first", "second", "1" or "2" (case-insensitive)
func ParseDay(s string) (Day, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "first", "1":
		return DayFirst, nil
	case "second", "2":
		return DaySecond, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDay, s)
}

// Valid reports whether d is a recognized day
func (d Day) Valid() bool {
	return d == DayFirst || d == DaySecond
}

func (d Day) String() string {
	switch d {
	case DayFirst:
		return "first"
	case DaySecond:
		return "second"
	}
	return "day(" + strconv.Itoa(int(d)) + ")"
}

// MarshalJSON encodes the day by name
func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either the day name or its number
func (d *Day) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64:
		// 1.9 formats as "1.9" and is rejected rather than truncated
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDay, string(data))
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText lets Day act as a JSON object key
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a day name used as a JSON object key
func (d *Day) UnmarshalText(text []byte) error {
	parsed, err := ParseDay(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Outcome is an ordered list of picks, one per game played on a day
type Outcome []string

// NormalizeOutcome lowercases and trims every pick
func NormalizeOutcome(picks []string) Outcome {
	out := make(Outcome, len(picks))
	for i, p := range picks {
		out[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return out
}

// UnmarshalJSON accepts a bare string as a single-game outcome
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*o = NormalizeOutcome([]string{single})
		return nil
	}
	var picks []string
	if err := json.Unmarshal(data, &picks); err != nil {
		return fmt.Errorf("outcome must be a string or list of strings: %w", err)
	}
	*o = NormalizeOutcome(picks)
	return nil
}

// Equal reports whether both outcomes carry the same picks in the same order
func (o Outcome) Equal(other Outcome) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// Matches counts the positions where both outcomes agree
func (o Outcome) Matches(other Outcome) int {
	n := 0
	for i := range o {
		if i < len(other) && o[i] == other[i] {
			n++
		}
	}
	return n
}

func (o Outcome) String() string {
	return strings.Join(o, ",")
}

// Guess is one user's prediction for one day
type Guess struct {
	UserAddress      string    `json:"user_address"`
	Day              Day       `json:"day"`
	PredictedOutcome Outcome   `json:"predicted_outcome"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// RunStatus is the lifecycle state of a scoring run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAbandoned RunStatus = "abandoned"
)

// ScoringRun records that a day was graded against a specific result
type ScoringRun struct {
	ID             string     `json:"id"`
	Day            Day        `json:"day"`
	Version        int64      `json:"version"`
	Result         Outcome    `json:"result"`
	Status         RunStatus  `json:"status"`
	UsersUpdated   int        `json:"users_updated"`
	AlreadyCurrent int        `json:"already_current"`
	StartedAt      time.Time  `json:"started_at"`
	AppliedAt      *time.Time `json:"applied_at,omitempty"`
}

// DayPoints is the contribution a single day makes to a balance
type DayPoints struct {
	Points             int64 `json:"points"`
	LastAppliedVersion int64 `json:"last_applied_version"`
}

// PointsBalance is a user's cumulative score
type PointsBalance struct {
	UserAddress string            `json:"user_address"`
	TotalPoints int64             `json:"total_points"`
	Days        map[Day]DayPoints `json:"days"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// LastAppliedVersion returns the version last committed for day, or zero
func (b *PointsBalance) LastAppliedVersion(day Day) int64 {
	if b == nil || b.Days == nil {
		return 0
	}
	return b.Days[day].LastAppliedVersion
}

// RunSummary is what a scoring invocation reports back
type RunSummary struct {
	RunID          string          `json:"run_id"`
	Day            Day             `json:"day"`
	RunVersion     int64           `json:"run_version"`
	UsersUpdated   int             `json:"users_updated"`
	AlreadyCurrent int             `json:"already_current"`
	AlreadyScored  bool            `json:"already_scored"`
	Balances       []PointsBalance `json:"-"`
}

// RunCompletedEvent is published once a scoring run commits
type RunCompletedEvent struct {
	RunID        string    `json:"run_id"`
	Day          Day       `json:"day"`
	Version      int64     `json:"version"`
	Result       Outcome   `json:"result"`
	UsersUpdated int       `json:"users_updated"`
	Timestamp    time.Time `json:"timestamp"`
}

// ItemCodes are the raffle items a user can bet on
var ItemCodes = []string{"1", "2", "3", "4", "5"}

// ValidItemCode reports whether code names a raffle item
func ValidItemCode(code string) bool {
	for _, c := range ItemCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Bet is a raffle entry on an item
type Bet struct {
	UserAddress string    `json:"user_address"`
	ItemCode    string    `json:"item_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// Mint records an NFT issued to an address
type Mint struct {
	UserAddress string    `json:"user_address"`
	Category    string    `json:"category"`
	TxHash      string    `json:"tx_hash"`
	MintedAt    time.Time `json:"minted_at"`
}

// NFTAttribute is a single trait in NFT metadata
type NFTAttribute struct {
	TraitType string      `json:"trait_type"`
	Value     interface{} `json:"value"`
}

// NFTMetadata follows the common ERC-721 metadata JSON layout
type NFTMetadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Attributes  []NFTAttribute `json:"attributes"`
}

// PlayerPoints is the response for a user's points lookup
type PlayerPoints struct {
	UserAddress string            `json:"user_address"`
	TotalPoints int64             `json:"total_points"`
	Rank        int64             `json:"rank,omitempty"`
	Days        map[Day]DayPoints `json:"days"`
	Guesses     []Guess           `json:"guesses,omitempty"`
}

// LeaderboardEntry represents a single entry in the points leaderboard
type LeaderboardEntry struct {
	Rank        int64  `json:"rank"`
	UserAddress string `json:"user_address"`
	Points      int64  `json:"points"`
}

// GuessSubmission is a guess arriving over HTTP or Kafka
type GuessSubmission struct {
	Address          string  `json:"address" validate:"required"`
	Day              Day     `json:"day" validate:"required"`
	PredictedOutcome Outcome `json:"predictedOutcome" validate:"required,min=1,dive,required"`
}

// BetSubmission is a raffle entry arriving over HTTP or Kafka
type BetSubmission struct {
	Address  string `json:"address" validate:"required"`
	ItemCode string `json:"itemCode" validate:"required,oneof=1 2 3 4 5"`
}
