package domain

import "math"

// ApplyRating returns a copy of the book with the rating appended and
// the average recomputed as the mean of all grades rounded to one
// decimal place. It is pure: the input book is not modified, and the
// duplicate-user precondition is the caller's responsibility.
func ApplyRating(b Book, r Rating) Book {
	ratings := make([]Rating, 0, len(b.Ratings)+1)
	ratings = append(ratings, b.Ratings...)
	ratings = append(ratings, r)

	sum := 0
	for _, item := range ratings {
		sum += item.Grade
	}

	b.Ratings = ratings
	b.AverageRating = roundAverage(float64(sum) / float64(len(ratings)))
	return b
}

// roundAverage keeps one decimal, matching what the API always exposed.
func roundAverage(v float64) float64 {
	return math.Round(v*10) / 10
}
