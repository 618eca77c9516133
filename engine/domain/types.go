// Package domain defines the catalog entities, embedding records and the error
// taxonomy shared by the index, ingestion and identification paths.
package domain

// Entity is one entry of the external catalog.
type Entity struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	// PhotoURL is empty when the catalog has no reference photo for the entity.
	PhotoURL string `json:"photo_url,omitempty"`
}

// HasPhoto reports whether the entity carries a reference photo.
func (e Entity) HasPhoto() bool { return e.PhotoURL != "" }

// Page is a single page of catalog entities.
type Page struct {
	Number   int      `json:"number"`
	Entities []Entity `json:"entities"`
	// TotalPages is the page count reported by the source, 0 when unknown.
	TotalPages int `json:"total_pages,omitempty"`
}

// IsEmpty reports whether the page carries no entities.
func (p Page) IsEmpty() bool { return len(p.Entities) == 0 }

// IsLast reports whether the source says no page follows this one.
func (p Page) IsLast() bool { return p.TotalPages > 0 && p.Number >= p.TotalPages }

// Record is a reference embedding held by the index.
type Record struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	ImageURL    string    `json:"image_url"`
	Vector      []float32 `json:"vector"`
}

// StoredRecord is the persisted form of a Record with its vector serialized.
type StoredRecord struct {
	ID          int64
	DisplayName string
	ImageURL    string
	Vector      []byte
}

// Match is one ranked identification candidate.
type Match struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	ImageURL    string  `json:"image_url"`
	Similarity  float64 `json:"similarity"`
}
