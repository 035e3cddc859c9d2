package domain

import "time"

// Grade bounds for a single rating.
const (
	GradeMin = 1
	GradeMax = 5
)

// Rating is one user's grade for one book. A book holds at most one
// rating per user.
type Rating struct {
	UserID string `json:"userId"`
	Grade  int    `json:"grade"`
}

// Book is a catalog record owned by the user that created it.
// ImageURL always points at the current cover derivative; the raw
// upload it was produced from is gone once the record is persisted.
type Book struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Year          int       `json:"year"`
	Genre         string    `json:"genre"`
	ImageURL      string    `json:"imageUrl"`
	Ratings       []Rating  `json:"ratings"`
	AverageRating float64   `json:"averageRating"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ValidGrade reports whether g is inside the allowed rating range.
func ValidGrade(g int) bool {
	return g >= GradeMin && g <= GradeMax
}

// RatedBy reports whether userID already rated the book.
func (b Book) RatedBy(userID string) bool {
	for _, r := range b.Ratings {
		if r.UserID == userID {
			return true
		}
	}
	return false
}
