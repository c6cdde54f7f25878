package store

import "time"

const (
	TopicActive = "active"
	TopicEnded  = "ended"
)

const (
	SideAgree    = "agree"
	SideDisagree = "disagree"
)

type Topic struct {
	ID            string
	TopicText     string
	CreatedBy     string
	CreatedByName string
	Status        string
	CreatedAt     time.Time
	EndDate       *time.Time
}

type SideCommitment struct {
	TopicID   string
	UserID    string
	Side      string
	CreatedAt time.Time
}

type Message struct {
	Seq        int64
	ID         string
	TopicID    string
	AuthorID   string
	AuthorName string
	Side       string
	Text       string
	CreatedAt  time.Time
}

type DebateResult struct {
	TopicID      string
	Summary      string
	TopicText    string
	MessageCount int
	CreatedAt    time.Time
}

// LeaderboardEntry is derived from the message stream, never stored.
type LeaderboardEntry struct {
	Name  string
	Count int
}

type VoteTotals struct {
	Agree    int
	Disagree int
}
