package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// Category is the classification of one bundle object against the store.
type Category string

const (
	CategoryAddition  Category = "addition"
	CategoryChange    Category = "change"
	CategoryDuplicate Category = "duplicate"
	CategoryError     Category = "error"
)

// Entry is the classification of one non-collection bundle object.
type Entry struct {
	Index    int
	Object   *models.Stix
	Category Category
	Error    *models.ImportError
	// Previous is the latest revision of the id before this object, either
	// stored or written earlier in the same bundle. Nil for additions.
	Previous *models.Object
}

// Classification is the result of classifying a whole bundle.
type Classification struct {
	Categories *models.ImportCategories
	Entries    []*Entry
	// Expect maps every id the import will write to the normalised modified
	// of its latest stored revision at classification time ("" when absent).
	Expect map[string]string
}

// Writes returns the entries that become new revisions, in bundle order.
func (c *Classification) Writes() []*Entry {
	var out []*Entry
	for _, e := range c.Entries {
		if e.Category == CategoryAddition || e.Category == CategoryChange {
			out = append(out, e)
		}
	}
	return out
}

// ProgressFunc receives one call per classified object.
type ProgressFunc func(ProgressEvent)

// ProgressEvent reports the category assigned to one object.
type ProgressEvent struct {
	Index          int                    `json:"index"`
	Total          int                    `json:"total"`
	ObjectRef      string                 `json:"object_ref"`
	ObjectModified string                 `json:"object_modified"`
	Category       Category               `json:"category"`
	ErrorType      models.ImportErrorType `json:"error_type,omitempty"`
}

// Classifier compares bundle objects with stored revisions.
type Classifier struct {
	store  store.ObjectStore
	logger *slog.Logger
}

// NewClassifier creates a classifier reading from st.
func NewClassifier(st store.ObjectStore, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{store: st, logger: logger}
}

// history tracks the revisions of one id: what is stored plus what this
// bundle has already queued for writing.
type history struct {
	stored   map[string]*models.Object // normalised modified -> revision
	latest   *models.Object
	latestAt string
	expect   string
}

func (h *history) push(obj *models.Object, norm string) {
	if h.latest == nil || norm > h.latestAt {
		h.latest = obj
		h.latestAt = norm
	}
}

// Classify assigns every non-collection object of b to exactly one category,
// in bundle order. Objects flagged by validation are errors unless the flag
// class is forced.
func (c *Classifier) Classify(ctx context.Context, b *models.Bundle, v *Validation, force models.ForceSet, progress ProgressFunc) (*Classification, error) {
	result := &Classification{
		Categories: models.NewImportCategories(),
		Expect:     make(map[string]string),
	}
	histories := make(map[string]*history)
	total := len(b.Objects)
	if v.CollectionIndex >= 0 {
		total--
	}

	for i, obj := range b.Objects {
		if i == v.CollectionIndex {
			continue
		}
		entry, err := c.classifyOne(ctx, i, obj, v, force, histories)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, entry)
		result.record(entry)

		if entry.Category == CategoryAddition || entry.Category == CategoryChange {
			result.Expect[obj.ID] = histories[obj.ID].expect
		}

		if progress != nil {
			ev := ProgressEvent{
				Index:          len(result.Entries),
				Total:          total,
				ObjectRef:      obj.ID,
				ObjectModified: obj.Modified,
				Category:       entry.Category,
			}
			if entry.Error != nil {
				ev.ErrorType = entry.Error.ErrorType
			}
			progress(ev)
		}
	}

	c.logger.Debug("bundle classified",
		"additions", len(result.Categories.Additions),
		"changes", len(result.Categories.Changes),
		"duplicates", len(result.Categories.Duplicates),
		"errors", len(result.Categories.Errors),
	)
	return result, nil
}

func (c *Classification) record(e *Entry) {
	switch e.Category {
	case CategoryAddition:
		c.Categories.Additions = append(c.Categories.Additions, e.Object.ID)
	case CategoryChange:
		c.Categories.Changes = append(c.Categories.Changes, e.Object.ID)
	case CategoryDuplicate:
		c.Categories.Duplicates = append(c.Categories.Duplicates, e.Object.ID)
	case CategoryError:
		c.Categories.Errors = append(c.Categories.Errors, *e.Error)
	}
}

func (c *Classifier) classifyOne(ctx context.Context, i int, obj *models.Stix, v *Validation, force models.ForceSet, histories map[string]*history) (*Entry, error) {
	entry := &Entry{Index: i, Object: obj}

	if issue, ok := v.Issue(i); ok && !forced(issue.ErrorType, force) {
		entry.Category = CategoryError
		entry.Error = &issue
		return entry, nil
	}

	norm, err := models.NormalizeModified(obj.Modified)
	if err != nil {
		// Validation flags unparsable timestamps, so this only happens for
		// callers that skipped it.
		return failed(entry, models.ErrorInvalidObject, err.Error()), nil
	}

	h, err := c.load(ctx, obj.ID, histories)
	if err != nil {
		return nil, err
	}

	if existing, ok := h.stored[norm]; ok {
		if existing.Stix.ContentHash() == obj.ContentHash() {
			entry.Category = CategoryDuplicate
			return entry, nil
		}
		return failed(entry, models.ErrorDuplicateID,
			"a revision with the same id and modified but different content already exists"), nil
	}

	if h.latest == nil {
		entry.Category = CategoryAddition
	} else if norm > h.latestAt {
		entry.Category = CategoryChange
		entry.Previous = h.latest
	} else {
		return failed(entry, models.ErrorOutOfDate,
			fmt.Sprintf("a newer revision (%s) already exists", h.latest.Stix.Modified)), nil
	}

	pending := &models.Object{Stix: obj}
	h.stored[norm] = pending
	h.push(pending, norm)
	return entry, nil
}

// load returns the revision history of id, reading the store once per id.
func (c *Classifier) load(ctx context.Context, id string, histories map[string]*history) (*history, error) {
	if h, ok := histories[id]; ok {
		return h, nil
	}
	versions, err := c.store.Versions(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load revisions of %s: %w", id, err)
	}
	h := &history{stored: make(map[string]*models.Object, len(versions))}
	for _, rev := range versions {
		norm, err := models.NormalizeModified(rev.Stix.Modified)
		if err != nil {
			return nil, fmt.Errorf("stored revision of %s: %w", id, err)
		}
		h.stored[norm] = rev
		h.push(rev, norm)
	}
	h.expect = h.latestAt
	histories[id] = h
	return h, nil
}

func forced(t models.ImportErrorType, force models.ForceSet) bool {
	switch t {
	case models.ErrorInvalidAttackSpecVersion, models.ErrorMissingAttackSpecVersion:
		return force.Has(models.ForceAttackSpecVersionViolations)
	}
	return false
}

func failed(e *Entry, t models.ImportErrorType, msg string) *Entry {
	e.Category = CategoryError
	e.Error = &models.ImportError{
		ObjectRef:      e.Object.ID,
		ObjectModified: e.Object.Modified,
		ErrorType:      t,
		ErrorMessage:   msg,
	}
	return e
}
