package search

// Result is a single topic hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	TopicText     string `json:"topicText"`
	Snippet       string `json:"snippet"`
	CreatedByName string `json:"createdByName"`
	Status        string `json:"status"`
}

// Query describes a search request over the topic feed.
type Query struct {
	Text         string
	FilterStatus string // empty = all statuses
	Limit        int
	Offset       int
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

// TopicRecord is the data we index for a topic.
type TopicRecord struct {
	ID            string `json:"id"`
	TopicText     string `json:"topicText"`
	CreatedByName string `json:"createdByName"`
	Status        string `json:"status"`
}
