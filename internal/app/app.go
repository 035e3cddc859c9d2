package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"grimoire/internal/cleanup"
	"grimoire/internal/cover"
	"grimoire/internal/util"
	"grimoire/pkg/domain"
	"grimoire/pkg/storage"
	"grimoire/pkg/store"
)

const defaultTopRatedLimit = 3

// Deriver produces a durably written cover derivative from a raw upload.
type Deriver interface {
	Derive(rawPath string) (cover.Derived, error)
}

// Config wires the application's collaborators.
type Config struct {
	Store   store.Store
	Images  storage.ImageStore
	Deriver Deriver
	Janitor *cleanup.Janitor
	// TopRatedLimit caps the bestrating listing. Defaults to 3.
	TopRatedLimit int
}

// App is the book service: it owns the ownership gates, the ordering of
// cover derivation against persistence, and rating aggregation.
type App struct {
	store         store.Store
	images        storage.ImageStore
	deriver       Deriver
	janitor       *cleanup.Janitor
	topRatedLimit int
}

// New validates the wiring and constructs the service.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Images == nil {
		return nil, errors.New("image store is required")
	}
	if cfg.Deriver == nil {
		return nil, errors.New("deriver is required")
	}
	if cfg.Janitor == nil {
		return nil, errors.New("janitor is required")
	}
	limit := cfg.TopRatedLimit
	if limit <= 0 {
		limit = defaultTopRatedLimit
	}
	return &App{
		store:         cfg.Store,
		images:        cfg.Images,
		deriver:       cfg.Deriver,
		janitor:       cfg.Janitor,
		topRatedLimit: limit,
	}, nil
}

// CreatePayload carries caller-supplied book metadata. It deliberately
// has no id or owner field: whatever the client sends there is dropped
// at decode time.
type CreatePayload struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   int    `json:"year"`
	Genre  string `json:"genre"`
}

// UpdatePayload carries a partial metadata update; nil fields were
// absent from the request.
type UpdatePayload struct {
	Title  *string `json:"title"`
	Author *string `json:"author"`
	Year   *int    `json:"year"`
	Genre  *string `json:"genre"`
}

// Create derives the cover, places it, and only then persists the new
// record owned by the caller. A failed derivation leaves the raw upload
// on disk for inspection and persists nothing.
func (a *App) Create(ctx context.Context, callerID string, p CreatePayload, rawImagePath string) (domain.Book, error) {
	if strings.TrimSpace(rawImagePath) == "" {
		return domain.Book{}, fmt.Errorf("%w: cover image is required", ErrInvalidInput)
	}

	derived, err := a.deriver.Derive(rawImagePath)
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	imageURL, err := a.images.Place(ctx, derived.Filename, derived.Path)
	if err != nil {
		_ = os.Remove(derived.Path)
		return domain.Book{}, fmt.Errorf("%w: %v", ErrProcessing, err)
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:        util.NewID(),
		OwnerID:   callerID,
		Title:     p.Title,
		Author:    p.Author,
		Year:      p.Year,
		Genre:     p.Genre,
		ImageURL:  imageURL,
		Ratings:   []domain.Rating{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := a.store.Insert(ctx, book); err != nil {
		a.scheduleImageRemoval(imageURL)
		return domain.Book{}, fmt.Errorf("%w: save book: %v", ErrStorage, err)
	}

	// Phase 2: the derivative is durable and referenced, the raw
	// upload can go.
	a.scheduleFileRemoval(rawImagePath)
	util.LoggerFromContext(ctx).Info("book created", "book_id", book.ID, "owner_id", callerID)
	return book, nil
}

// Get returns a single record.
func (a *App) Get(ctx context.Context, id string) (domain.Book, error) {
	book, ok, err := a.store.FindByID(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return book, nil
}

// List returns every record in store order.
func (a *App) List(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return books, nil
}

// TopRated returns the best-rated records, at most the configured limit.
func (a *App) TopRated(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.FindTopRated(ctx, a.topRatedLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return books, nil
}

// Modify updates a record the caller owns. With a new image the payload
// fields plus the fresh imageUrl replace the stored metadata; without
// one, present payload fields merge over the stored record. Owner, id,
// and ratings always survive unchanged.
func (a *App) Modify(ctx context.Context, callerID, id string, p UpdatePayload, rawImagePath string) error {
	book, ok, err := a.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return ErrNotFound
	}
	if book.OwnerID != callerID {
		return ErrUnauthorized
	}

	previousURL := book.ImageURL
	withImage := strings.TrimSpace(rawImagePath) != ""
	if withImage {
		derived, err := a.deriver.Derive(rawImagePath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProcessing, err)
		}
		imageURL, err := a.images.Place(ctx, derived.Filename, derived.Path)
		if err != nil {
			_ = os.Remove(derived.Path)
			return fmt.Errorf("%w: %v", ErrProcessing, err)
		}
		book.Title = strValue(p.Title)
		book.Author = strValue(p.Author)
		book.Year = intValue(p.Year)
		book.Genre = strValue(p.Genre)
		book.ImageURL = imageURL
	} else {
		if p.Title != nil {
			book.Title = *p.Title
		}
		if p.Author != nil {
			book.Author = *p.Author
		}
		if p.Year != nil {
			book.Year = *p.Year
		}
		if p.Genre != nil {
			book.Genre = *p.Genre
		}
	}
	book.UpdatedAt = time.Now().UTC()

	if err := a.store.Replace(ctx, id, book); err != nil {
		if withImage {
			a.scheduleImageRemoval(book.ImageURL)
		}
		return fmt.Errorf("%w: update book: %v", ErrStorage, err)
	}

	if withImage {
		a.scheduleFileRemoval(rawImagePath)
		if previousURL != "" && previousURL != book.ImageURL {
			a.scheduleImageRemoval(previousURL)
		}
	}
	return nil
}

// Delete removes a record the caller owns. The derivative unlink is
// best-effort and never blocks the record deletion.
func (a *App) Delete(ctx context.Context, callerID, id string) error {
	book, ok, err := a.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return ErrNotFound
	}
	if book.OwnerID != callerID {
		return ErrUnauthorized
	}

	if book.ImageURL != "" {
		a.scheduleImageRemoval(book.ImageURL)
	}
	if err := a.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: delete book: %v", ErrStorage, err)
	}
	util.LoggerFromContext(ctx).Info("book deleted", "book_id", id, "owner_id", callerID)
	return nil
}

// Rate appends one rating per user and persists the recomputed average
// as a whole-document replace. Two concurrent calls for the same user
// can race past the duplicate check; the store's document atomicity is
// the accepted guard at expected load.
func (a *App) Rate(ctx context.Context, id, userID string, grade int) (domain.Book, error) {
	if !domain.ValidGrade(grade) {
		return domain.Book{}, fmt.Errorf("%w: grade must be an integer between %d and %d", ErrInvalidInput, domain.GradeMin, domain.GradeMax)
	}
	book, ok, err := a.store.FindByID(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	if book.RatedBy(userID) {
		return domain.Book{}, ErrConflict
	}

	updated := domain.ApplyRating(book, domain.Rating{UserID: userID, Grade: grade})
	if err := a.store.Replace(ctx, id, updated); err != nil {
		return domain.Book{}, fmt.Errorf("%w: save rating: %v", ErrStorage, err)
	}
	return updated, nil
}

func (a *App) scheduleFileRemoval(path string) {
	a.janitor.Schedule("unlink "+filepath.Base(path), func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func (a *App) scheduleImageRemoval(imageURL string) {
	a.janitor.Schedule("remove derivative "+imageURL, func() error {
		return a.images.Remove(context.Background(), imageURL)
	})
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intValue(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
