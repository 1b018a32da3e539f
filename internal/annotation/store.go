// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package annotation

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/cytosync/cytosync/internal/logging"
)

// ErrUnknownAnnotation is returned by Update and Remove for ids the store has
// never seen or has already removed. This indicates a caller bug (stale id
// reference), unlike validation rejections which are silent.
var ErrUnknownAnnotation = errors.New("unknown annotation id")

// CoordSystem identifies the coordinate system of incoming points.
type CoordSystem string

const (
	// CoordImage is the store's internal system: image pixels.
	CoordImage CoordSystem = "image"
	// CoordViewport marks points that must be converted through the
	// configured CoordConverter before use.
	CoordViewport CoordSystem = "viewport"
)

// CoordConverter converts viewport coordinates to image pixels. Viewport math
// lives in the viewer layer; the store only needs this one direction.
type CoordConverter interface {
	ToImage(p Point) Point
}

// Renderer receives visual-refresh notifications. The rendering layer is an
// external collaborator; a nil Renderer disables notifications.
type Renderer interface {
	// Refresh signals that annotations changed and should be redrawn.
	Refresh()
	// Clear signals that all rendered annotation state must be reset.
	// Rendered elements linger until their own exit animation completes, so
	// diffing on Refresh alone does not remove them.
	Clear()
	// AnnotationRemoved tells any open editor that its annotation is gone.
	AnnotationRemoved(id int)
}

// Transmitter receives finalized local mutations for outward send. Satisfied
// by transport.Client; a nil Transmitter makes all mutations local-only.
type Transmitter interface {
	SendAnnotationAdd(a Annotation)
	SendAnnotationUpdate(id int, a Annotation)
	SendAnnotationRemove(id int)
	SendAnnotationClear()
}

// Patch is a partial annotation update. Nil fields are left unchanged.
// Author is absent deliberately: it is immutable after creation.
type Patch struct {
	Points     []Point
	Z          *int
	MClass     *string
	Bookmarked *bool
	Comments   []Comment
	Prediction *float64
}

// FullPatch builds a patch carrying every mutable field of a, as used when a
// remote update arrives with a complete annotation object.
func FullPatch(a Annotation) Patch {
	z := a.Z
	mclass := a.MClass
	bookmarked := a.Bookmarked
	comments := a.Comments
	if comments == nil {
		comments = []Comment{}
	}
	return Patch{
		Points:     a.Points,
		Z:          &z,
		MClass:     &mclass,
		Bookmarked: &bookmarked,
		Comments:   comments,
		Prediction: a.Prediction,
	}
}

// Counts holds the store's running totals.
type Counts struct {
	Annotations int
	Markers     int
	Regions     int
	PerClass    map[string]int
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Width and Height are the image extent in pixels; mutations placing
	// any point outside are rejected.
	Width  float64
	Height float64

	// Classes is the active class configuration. Nil uses DefaultClasses.
	Classes *ClassConfig

	// Author is the local session identity stamped on annotations created
	// without one.
	Author string

	Renderer    Renderer
	Transmitter Transmitter
	Converter   CoordConverter
}

// Store is the in-memory annotation store for one image. It owns all
// annotation objects; every accessor returns clones.
//
// Store is not safe for concurrent use. Both its callers run on a single
// event loop: the browser-facing client applies mutations from one goroutine,
// and the server session drains its mailbox from one goroutine.
type Store struct {
	width, height float64
	classes       *ClassConfig
	author        string
	renderer      Renderer
	transmitter   Transmitter
	converter     CoordConverter

	byID     map[int]*Annotation
	list     []*Annotation
	index    *grid
	markers  int
	regions  int
	perClass map[string]int
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	classes := cfg.Classes
	if classes == nil {
		classes = NewClassConfig(nil)
	}
	return &Store{
		width:       cfg.Width,
		height:      cfg.Height,
		classes:     classes,
		author:      cfg.Author,
		renderer:    cfg.Renderer,
		transmitter: cfg.Transmitter,
		converter:   cfg.Converter,
		byID:        make(map[int]*Annotation),
		index:       newGrid(),
		perClass:    make(map[string]int),
	}
}

// Add inserts a batch of annotations. Out-of-bounds points and unrecognized
// classes are rejected per annotation (warning logged, annotation skipped).
// An annotation with the same z, class, and point sequence as an existing one
// routes to Update on the existing id instead of inserting. Explicitly
// supplied ids that collide are reassigned with the request preserved in
// OriginalID. Returns the ids actually stored, and notifies the renderer
// exactly once for the whole batch.
func (s *Store) Add(annotations []Annotation, coordSystem CoordSystem, transmit bool) []int {
	ids := make([]int, 0, len(annotations))
	for i := range annotations {
		if id, ok := s.addOne(annotations[i], coordSystem, transmit); ok {
			ids = append(ids, id)
		}
	}
	if s.renderer != nil {
		s.renderer.Refresh()
	}
	return ids
}

func (s *Store) addOne(a Annotation, coordSystem CoordSystem, transmit bool) (int, bool) {
	a.Points = s.normalize(a.Points, coordSystem)
	if len(a.Points) == 0 {
		logging.Warn().Msg("rejected annotation without points")
		return 0, false
	}
	if !InBounds(a.Points, s.width, s.height) {
		logging.Warn().Int("id", a.ID).Msg("rejected annotation outside image bounds")
		return 0, false
	}
	if !s.classes.Contains(a.MClass) {
		logging.Warn().Str("mclass", a.MClass).Msg("rejected annotation with unrecognized class")
		return 0, false
	}
	if a.IsRegion() && SelfIntersects(a.Points) {
		logging.Warn().Int("id", a.ID).Msg("rejected self-intersecting region")
		return 0, false
	}

	// Same geometry means this is a re-add of an existing annotation; treat
	// it as an update so collaborators clicking the same spot do not pile up
	// duplicate entries.
	if existing := s.findDuplicate(&a); existing != nil {
		patch := FullPatch(a)
		if err := s.Update(existing.ID, patch, CoordImage, transmit, false); err != nil {
			logging.Warn().Err(err).Int("id", existing.ID).Msg("duplicate add update failed")
			return 0, false
		}
		return existing.ID, true
	}

	switch {
	case a.ID == 0:
		a.ID = s.mintID()
	default:
		if _, taken := s.byID[a.ID]; taken {
			requested := a.ID
			a.OriginalID = &requested
			a.ID = s.mintID()
		}
	}

	if a.Author == "" {
		a.Author = s.author
	}
	if a.Comments == nil {
		a.Comments = []Comment{}
	}
	a.Centroid = ComputeCentroid(a.Points)
	a.Diameter = ComputeDiameter(a.Points)

	stored := a.Clone()
	s.byID[stored.ID] = &stored
	s.list = append(s.list, &stored)
	s.index.insert(&stored)
	s.bumpCounts(&stored, 1)

	if transmit && s.transmitter != nil {
		s.transmitter.SendAnnotationAdd(stored.Clone())
	}
	return stored.ID, true
}

// Update applies a partial patch to the annotation with the given id.
// Returns ErrUnknownAnnotation for unknown ids. Geometry violations
// (out-of-bounds or self-intersecting result) leave the annotation unchanged
// with a warning and a nil error.
func (s *Store) Update(id int, patch Patch, coordSystem CoordSystem, transmit, redraw bool) error {
	a, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAnnotation, id)
	}

	newPoints := a.Points
	if patch.Points != nil {
		newPoints = s.normalize(patch.Points, coordSystem)
		if len(newPoints) == 0 {
			logging.Warn().Int("id", id).Msg("rejected update removing all points")
			return nil
		}
		if !InBounds(newPoints, s.width, s.height) {
			logging.Warn().Int("id", id).Msg("rejected update moving points outside image bounds")
			return nil
		}
		if len(newPoints) >= 2 && SelfIntersects(newPoints) {
			logging.Warn().Int("id", id).Msg("rejected update producing self-intersecting region")
			return nil
		}
	}
	if patch.MClass != nil && !s.classes.Contains(*patch.MClass) {
		logging.Warn().Str("mclass", *patch.MClass).Msg("rejected update with unrecognized class")
		return nil
	}

	s.bumpCounts(a, -1)
	if patch.Points != nil {
		// The grid is keyed on the old first point; remove before mutating.
		s.index.remove(a)
		a.Points = make([]Point, len(newPoints))
		copy(a.Points, newPoints)
		s.index.insert(a)
	}
	if patch.Z != nil {
		a.Z = *patch.Z
	}
	if patch.MClass != nil {
		a.MClass = *patch.MClass
	}
	if patch.Bookmarked != nil {
		a.Bookmarked = *patch.Bookmarked
	}
	if patch.Comments != nil {
		a.Comments = make([]Comment, len(patch.Comments))
		copy(a.Comments, patch.Comments)
	}
	if patch.Prediction != nil {
		v := *patch.Prediction
		a.Prediction = &v
	}
	a.Centroid = ComputeCentroid(a.Points)
	a.Diameter = ComputeDiameter(a.Points)
	s.bumpCounts(a, 1)

	if transmit && s.transmitter != nil {
		s.transmitter.SendAnnotationUpdate(id, a.Clone())
	}
	if redraw && s.renderer != nil {
		s.renderer.Refresh()
	}
	return nil
}

// Remove deletes the annotations with the given ids. If any id is unknown the
// whole call fails without removing anything.
func (s *Store) Remove(ids []int, transmit bool) error {
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownAnnotation, id)
		}
	}
	for _, id := range ids {
		a := s.byID[id]
		delete(s.byID, id)
		s.index.remove(a)
		s.bumpCounts(a, -1)
		for i, entry := range s.list {
			if entry == a {
				s.list = append(s.list[:i], s.list[i+1:]...)
				break
			}
		}
		if s.renderer != nil {
			s.renderer.AnnotationRemoved(id)
		}
		if transmit && s.transmitter != nil {
			s.transmitter.SendAnnotationRemove(id)
		}
	}
	if s.renderer != nil {
		s.renderer.Refresh()
	}
	return nil
}

// Clear removes all annotations, then resets rendering state explicitly.
// When transmit is set a single clear message is sent rather than one remove
// per annotation.
func (s *Store) Clear(transmit bool) {
	ids := make([]int, 0, len(s.list))
	for _, a := range s.list {
		ids = append(ids, a.ID)
	}
	if err := s.Remove(ids, false); err != nil {
		// Unreachable: ids were just enumerated from the store.
		logging.Error().Err(err).Msg("clear failed to remove annotations")
	}
	if s.renderer != nil {
		s.renderer.Clear()
	}
	if transmit && s.transmitter != nil {
		s.transmitter.SendAnnotationClear()
	}
}

// GetByID returns a deep clone of the annotation with the given id.
func (s *Store) GetByID(id int) (Annotation, bool) {
	a, ok := s.byID[id]
	if !ok {
		return Annotation{}, false
	}
	return a.Clone(), true
}

// ForEach calls fn with a clone of every annotation in insertion order.
// Mutating the clone never affects store state.
func (s *Store) ForEach(fn func(a Annotation)) {
	for _, a := range s.list {
		fn(a.Clone())
	}
}

// Counts returns the store's running totals.
func (s *Store) Counts() Counts {
	perClass := make(map[string]int, len(s.perClass))
	for k, v := range s.perClass {
		perClass[k] = v
	}
	return Counts{
		Annotations: len(s.list),
		Markers:     s.markers,
		Regions:     s.regions,
		PerClass:    perClass,
	}
}

// StorageData returns clones of all annotations in the shape persisted by
// autosave snapshots.
func (s *Store) StorageData() []Annotation {
	out := make([]Annotation, 0, len(s.list))
	for _, a := range s.list {
		out = append(out, a.Clone())
	}
	return out
}

// AddStorageData loads previously persisted annotations into the store
// without transmitting.
func (s *Store) AddStorageData(annotations []Annotation) {
	s.Add(annotations, CoordImage, false)
}

func (s *Store) normalize(points []Point, coordSystem CoordSystem) []Point {
	if coordSystem != CoordViewport {
		return points
	}
	if s.converter == nil {
		logging.Warn().Msg("viewport coordinates without converter, treating as image pixels")
		return points
	}
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = s.converter.ToImage(p)
	}
	return out
}

func (s *Store) findDuplicate(a *Annotation) *Annotation {
	for _, other := range s.index.bucketFor(a.Points[0]) {
		if SameGeometry(a, other) {
			return other
		}
	}
	return nil
}

// mintID picks a random unused id. The candidate range's digit count scales
// with the current annotation count, keeping ids short while keeping the
// collision probability low as the set grows.
func (s *Store) mintID() int {
	limit := int(math.Pow(10, math.Ceil(math.Log10(float64((len(s.list)+1)*100)))))
	for {
		id := rand.IntN(limit-1) + 1
		if _, taken := s.byID[id]; !taken {
			return id
		}
	}
}

func (s *Store) bumpCounts(a *Annotation, delta int) {
	if a.IsMarker() {
		s.markers += delta
	} else {
		s.regions += delta
	}
	s.perClass[a.MClass] += delta
	if s.perClass[a.MClass] == 0 {
		delete(s.perClass, a.MClass)
	}
}
