package models

// WikiDocument is one article line of a CirrusSearch content dump.
type WikiDocument struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// IndexedDocument is the record written to Elasticsearch.
type IndexedDocument struct {
	ID         string    `json:"-"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	TextVector []float32 `json:"text_vector"`
}
