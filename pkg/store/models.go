package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"grimoire/pkg/domain"
)

// BookModel is the database shape of a book record. Ratings live in a
// JSONB column so the whole record is written in one statement.
type BookModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"index"`
	Title         string
	Author        string
	Year          int
	Genre         string
	ImageURL      string
	Ratings       datatypes.JSON
	AverageRating float64 `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func bookToModel(b domain.Book) BookModel {
	rawRatings, _ := json.Marshal(b.Ratings)
	return BookModel{
		ID:            b.ID,
		OwnerID:       b.OwnerID,
		Title:         b.Title,
		Author:        b.Author,
		Year:          b.Year,
		Genre:         b.Genre,
		ImageURL:      b.ImageURL,
		Ratings:       rawRatings,
		AverageRating: b.AverageRating,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	var ratings []domain.Rating
	if len(m.Ratings) > 0 {
		_ = json.Unmarshal(m.Ratings, &ratings)
	}
	return domain.Book{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Title:         m.Title,
		Author:        m.Author,
		Year:          m.Year,
		Genre:         m.Genre,
		ImageURL:      m.ImageURL,
		Ratings:       ratings,
		AverageRating: m.AverageRating,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
