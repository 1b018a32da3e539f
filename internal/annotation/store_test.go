// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package annotation

import (
	"io"
	"reflect"
	"testing"

	"github.com/cytosync/cytosync/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func newTestStore() *Store {
	return NewStore(StoreConfig{Width: 10000, Height: 10000, Author: "tester"})
}

type countingRenderer struct {
	refreshes int
	clears    int
	removed   []int
}

func (r *countingRenderer) Refresh()                 { r.refreshes++ }
func (r *countingRenderer) Clear()                   { r.clears++ }
func (r *countingRenderer) AnnotationRemoved(id int) { r.removed = append(r.removed, id) }

type recordingTransmitter struct {
	adds    []Annotation
	updates []int
	removes []int
	clears  int
}

func (t *recordingTransmitter) SendAnnotationAdd(a Annotation)           { t.adds = append(t.adds, a) }
func (t *recordingTransmitter) SendAnnotationUpdate(id int, _ Annotation) {
	t.updates = append(t.updates, id)
}
func (t *recordingTransmitter) SendAnnotationRemove(id int) { t.removes = append(t.removes, id) }
func (t *recordingTransmitter) SendAnnotationClear()        { t.clears++ }

func TestAddMarkerDefaults(t *testing.T) {
	s := newTestStore()

	ids := s.Add([]Annotation{{Points: []Point{{X: 100, Y: 100}}, Z: 0, MClass: "NILM"}}, CoordImage, false)
	if len(ids) != 1 {
		t.Fatalf("expected 1 stored annotation, got %d", len(ids))
	}

	a, ok := s.GetByID(ids[0])
	if !ok {
		t.Fatal("stored annotation not found by id")
	}
	if a.ID <= 0 {
		t.Errorf("expected positive integer id, got %d", a.ID)
	}
	if a.Centroid != (Point{X: 100, Y: 100}) {
		t.Errorf("centroid = %+v, want {100 100}", a.Centroid)
	}
	if a.Diameter != 0 {
		t.Errorf("diameter = %v, want 0", a.Diameter)
	}
	if a.Bookmarked {
		t.Error("bookmarked should default to false")
	}
	if a.Author != "tester" {
		t.Errorf("author = %q, want tester", a.Author)
	}
	if a.Comments == nil || len(a.Comments) != 0 {
		t.Errorf("comments should default to empty, got %v", a.Comments)
	}
}

func TestAddStructuralEquality(t *testing.T) {
	s := newTestStore()
	in := Annotation{
		Points:   []Point{{0, 0}, {40, 0}, {40, 30}},
		Z:        2,
		MClass:   "LSIL",
		Comments: []Comment{{Author: "tester", Body: "check this"}},
	}
	ids := s.Add([]Annotation{in}, CoordImage, false)
	got, _ := s.GetByID(ids[0])

	if !samePoints(got.Points, in.Points) {
		t.Errorf("points = %v, want %v", got.Points, in.Points)
	}
	if got.Z != in.Z || got.MClass != in.MClass {
		t.Errorf("z/mclass = %d/%s, want %d/%s", got.Z, got.MClass, in.Z, in.MClass)
	}
	if !reflect.DeepEqual(got.Comments, in.Comments) {
		t.Errorf("comments = %v, want %v", got.Comments, in.Comments)
	}
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	s := newTestStore()
	marker := Annotation{Points: []Point{{X: 100, Y: 100}}, Z: 0, MClass: "NILM"}

	first := s.Add([]Annotation{marker}, CoordImage, false)
	marker.Bookmarked = true
	second := s.Add([]Annotation{marker}, CoordImage, false)

	if s.Counts().Annotations != 1 {
		t.Fatalf("duplicate add changed stored count: %d", s.Counts().Annotations)
	}
	if first[0] != second[0] {
		t.Errorf("duplicate add changed id: %d vs %d", first[0], second[0])
	}
	got, _ := s.GetByID(first[0])
	if !got.Bookmarked {
		t.Error("duplicate add must overwrite mutable fields of the existing record")
	}
}

func TestIDCollision(t *testing.T) {
	s := newTestStore()
	s.Add([]Annotation{{ID: 42, Points: []Point{{X: 10, Y: 10}}, MClass: "NILM"}}, CoordImage, false)
	ids := s.Add([]Annotation{{ID: 42, Points: []Point{{X: 20, Y: 20}}, MClass: "NILM"}}, CoordImage, false)

	if len(ids) != 1 {
		t.Fatalf("colliding add was not stored")
	}
	if ids[0] == 42 {
		t.Fatal("colliding id was not reassigned")
	}
	got, _ := s.GetByID(ids[0])
	if got.OriginalID == nil || *got.OriginalID != 42 {
		t.Errorf("originalId = %v, want 42", got.OriginalID)
	}
	if s.Counts().Annotations != 2 {
		t.Errorf("expected 2 annotations, got %d", s.Counts().Annotations)
	}
}

func TestAddRejections(t *testing.T) {
	s := newTestStore()
	tests := []struct {
		name string
		a    Annotation
	}{
		{"out of bounds", Annotation{Points: []Point{{X: -5, Y: 10}}, MClass: "NILM"}},
		{"past extent", Annotation{Points: []Point{{X: 10001, Y: 10}}, MClass: "NILM"}},
		{"unknown class", Annotation{Points: []Point{{X: 10, Y: 10}}, MClass: "NOPE"}},
		{"no points", Annotation{MClass: "NILM"}},
		{"self-intersecting region", Annotation{Points: []Point{{0, 0}, {10, 10}, {10, 0}, {0, 10}}, MClass: "NILM"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ids := s.Add([]Annotation{tt.a}, CoordImage, false); len(ids) != 0 {
				t.Errorf("invalid annotation was stored: %v", ids)
			}
		})
	}
	if s.Counts().Annotations != 0 {
		t.Errorf("store should stay empty, got %d", s.Counts().Annotations)
	}
}

func TestUpdateUnknownID(t *testing.T) {
	s := newTestStore()
	if err := s.Update(999, Patch{}, CoordImage, false, false); err == nil {
		t.Fatal("expected error for unknown id")
	}
	if err := s.Remove([]int{999}, false); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestUpdateSelfIntersectionRejected(t *testing.T) {
	s := newTestStore()
	original := []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	ids := s.Add([]Annotation{{Points: original, MClass: "NILM"}}, CoordImage, false)

	crossed := []Point{{0, 0}, {10, 10}, {10, 0}, {0, 10}}
	if err := s.Update(ids[0], Patch{Points: crossed}, CoordImage, false, false); err != nil {
		t.Fatalf("validation rejection must not return an error: %v", err)
	}

	got, _ := s.GetByID(ids[0])
	if !samePoints(got.Points, original) {
		t.Errorf("points changed after rejected update: %v", got.Points)
	}
}

func TestUpdateOutOfBoundsRejected(t *testing.T) {
	s := newTestStore()
	ids := s.Add([]Annotation{{Points: []Point{{X: 100, Y: 100}}, MClass: "NILM"}}, CoordImage, false)

	if err := s.Update(ids[0], Patch{Points: []Point{{X: 10500, Y: 100}}}, CoordImage, false, false); err != nil {
		t.Fatalf("validation rejection must not return an error: %v", err)
	}
	got, _ := s.GetByID(ids[0])
	if got.Points[0] != (Point{X: 100, Y: 100}) {
		t.Errorf("points changed after rejected update: %v", got.Points)
	}
}

func TestUpdateRecomputesDerivedFields(t *testing.T) {
	s := newTestStore()
	ids := s.Add([]Annotation{{Points: []Point{{X: 0, Y: 0}}, MClass: "NILM"}}, CoordImage, false)

	newPoints := []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	if err := s.Update(ids[0], Patch{Points: newPoints}, CoordImage, false, false); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetByID(ids[0])
	if got.Centroid != (Point{X: 5, Y: 5}) {
		t.Errorf("centroid = %+v, want {5 5}", got.Centroid)
	}
	if got.Diameter == 0 {
		t.Error("diameter must be recomputed after point mutation")
	}
	counts := s.Counts()
	if counts.Markers != 0 || counts.Regions != 1 {
		t.Errorf("marker/region counts not updated: %+v", counts)
	}
}

func TestUpdateRelocatesGridCell(t *testing.T) {
	s := newTestStore()
	ids := s.Add([]Annotation{{Points: []Point{{X: 10, Y: 10}}, MClass: "NILM"}}, CoordImage, false)

	// Move far enough to land in a different grid cell, then re-add at the
	// new location: the duplicate check must find it there.
	if err := s.Update(ids[0], Patch{Points: []Point{{X: 5000, Y: 5000}}}, CoordImage, false, false); err != nil {
		t.Fatal(err)
	}
	again := s.Add([]Annotation{{Points: []Point{{X: 5000, Y: 5000}}, MClass: "NILM"}}, CoordImage, false)
	if again[0] != ids[0] {
		t.Errorf("duplicate at relocated cell not detected: %d vs %d", again[0], ids[0])
	}
	if s.Counts().Annotations != 1 {
		t.Errorf("expected 1 annotation after relocation re-add, got %d", s.Counts().Annotations)
	}
}

func TestUpdateClassChangeAdjustsCounts(t *testing.T) {
	s := newTestStore()
	ids := s.Add([]Annotation{{Points: []Point{{X: 10, Y: 10}}, MClass: "NILM"}}, CoordImage, false)

	mclass := "HSIL"
	if err := s.Update(ids[0], Patch{MClass: &mclass}, CoordImage, false, false); err != nil {
		t.Fatal(err)
	}
	counts := s.Counts()
	if counts.PerClass["NILM"] != 0 || counts.PerClass["HSIL"] != 1 {
		t.Errorf("per-class counts not adjusted: %+v", counts.PerClass)
	}
}

func TestRemoveNotifiesEditor(t *testing.T) {
	r := &countingRenderer{}
	s := NewStore(StoreConfig{Width: 1000, Height: 1000, Author: "tester", Renderer: r})
	ids := s.Add([]Annotation{{Points: []Point{{X: 10, Y: 10}}, MClass: "NILM"}}, CoordImage, false)

	if err := s.Remove(ids, false); err != nil {
		t.Fatal(err)
	}
	if len(r.removed) != 1 || r.removed[0] != ids[0] {
		t.Errorf("editor not notified of removal: %v", r.removed)
	}
	if _, ok := s.GetByID(ids[0]); ok {
		t.Error("annotation still present after remove")
	}
}

func TestBatchAddRefreshesOnce(t *testing.T) {
	r := &countingRenderer{}
	s := NewStore(StoreConfig{Width: 1000, Height: 1000, Author: "tester", Renderer: r})

	s.Add([]Annotation{
		{Points: []Point{{X: 1, Y: 1}}, MClass: "NILM"},
		{Points: []Point{{X: 2, Y: 2}}, MClass: "NILM"},
		{Points: []Point{{X: 3, Y: 3}}, MClass: "NILM"},
	}, CoordImage, false)

	if r.refreshes != 1 {
		t.Errorf("batch add refreshed %d times, want exactly 1", r.refreshes)
	}
}

func TestClear(t *testing.T) {
	r := &countingRenderer{}
	tx := &recordingTransmitter{}
	s := NewStore(StoreConfig{Width: 1000, Height: 1000, Author: "tester", Renderer: r, Transmitter: tx})

	s.Add([]Annotation{
		{Points: []Point{{X: 1, Y: 1}}, MClass: "NILM"},
		{Points: []Point{{X: 2, Y: 2}}, MClass: "HSIL"},
	}, CoordImage, false)
	s.Clear(true)

	if s.Counts().Annotations != 0 {
		t.Errorf("store not empty after clear: %d", s.Counts().Annotations)
	}
	if r.clears != 1 {
		t.Errorf("rendering state cleared %d times, want 1", r.clears)
	}
	if tx.clears != 1 || len(tx.removes) != 0 {
		t.Errorf("clear must transmit one clear message, got %d clears and %d removes", tx.clears, len(tx.removes))
	}
}

func TestTransmitFlag(t *testing.T) {
	tx := &recordingTransmitter{}
	s := NewStore(StoreConfig{Width: 1000, Height: 1000, Author: "tester", Transmitter: tx})

	ids := s.Add([]Annotation{{Points: []Point{{X: 1, Y: 1}}, MClass: "NILM"}}, CoordImage, false)
	if len(tx.adds) != 0 {
		t.Error("transmit=false must not send")
	}

	s.Add([]Annotation{{Points: []Point{{X: 2, Y: 2}}, MClass: "NILM"}}, CoordImage, true)
	if len(tx.adds) != 1 {
		t.Errorf("transmit=true sent %d adds, want 1", len(tx.adds))
	}

	bookmarked := true
	if err := s.Update(ids[0], Patch{Bookmarked: &bookmarked}, CoordImage, true, false); err != nil {
		t.Fatal(err)
	}
	if len(tx.updates) != 1 || tx.updates[0] != ids[0] {
		t.Errorf("update not transmitted: %v", tx.updates)
	}
}

func TestCloneBoundary(t *testing.T) {
	s := newTestStore()
	ids := s.Add([]Annotation{{Points: []Point{{X: 10, Y: 10}}, MClass: "NILM"}}, CoordImage, false)

	got, _ := s.GetByID(ids[0])
	got.Points[0] = Point{X: 999, Y: 999}
	got.MClass = "HSIL"

	again, _ := s.GetByID(ids[0])
	if again.Points[0] != (Point{X: 10, Y: 10}) || again.MClass != "NILM" {
		t.Error("mutating a returned clone affected store state")
	}

	s.ForEach(func(a Annotation) {
		a.Points[0] = Point{X: -1, Y: -1}
	})
	final, _ := s.GetByID(ids[0])
	if final.Points[0] != (Point{X: 10, Y: 10}) {
		t.Error("mutating a ForEach clone affected store state")
	}
}

func TestAuthorImmutable(t *testing.T) {
	s := newTestStore()
	ids := s.Add([]Annotation{{Points: []Point{{X: 10, Y: 10}}, MClass: "NILM", Author: "alice"}}, CoordImage, false)

	got, _ := s.GetByID(ids[0])
	if got.Author != "alice" {
		t.Errorf("explicit author overwritten: %q", got.Author)
	}

	// Patch carries no author field; a full-field update keeps the creator.
	if err := s.Update(ids[0], FullPatch(Annotation{Points: []Point{{X: 11, Y: 11}}, MClass: "NILM"}), CoordImage, false, false); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetByID(ids[0])
	if got.Author != "alice" {
		t.Errorf("author changed by update: %q", got.Author)
	}
}

func TestStorageDataRoundTrip(t *testing.T) {
	s := newTestStore()
	s.Add([]Annotation{
		{Points: []Point{{X: 100, Y: 100}}, Z: 1, MClass: "NILM"},
		{Points: []Point{{0, 0}, {50, 0}, {50, 50}, {0, 50}}, Z: 2, MClass: "HSIL",
			Comments: []Comment{{Author: "a", Body: "b"}}},
	}, CoordImage, false)

	data := s.StorageData()

	restored := newTestStore()
	restored.AddStorageData(data)

	if restored.Counts().Annotations != 2 {
		t.Fatalf("round trip lost annotations: %d", restored.Counts().Annotations)
	}
	for _, orig := range data {
		got, ok := restored.GetByID(orig.ID)
		if !ok {
			t.Fatalf("annotation %d missing after round trip", orig.ID)
		}
		if !SameGeometry(&orig, &got) {
			t.Errorf("geometry changed in round trip: %+v vs %+v", orig, got)
		}
		if !reflect.DeepEqual(orig.Comments, got.Comments) {
			t.Errorf("comments changed in round trip: %v vs %v", orig.Comments, got.Comments)
		}
	}
}

func TestMintIDDigitScaling(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 5; i++ {
		if id := s.mintID(); id < 1 || id >= 100 {
			t.Errorf("empty store id %d outside [1,100)", id)
		}
	}
}

type offsetConverter struct{ dx, dy float64 }

func (c offsetConverter) ToImage(p Point) Point { return Point{X: p.X + c.dx, Y: p.Y + c.dy} }

func TestViewportConversion(t *testing.T) {
	s := NewStore(StoreConfig{Width: 1000, Height: 1000, Author: "tester", Converter: offsetConverter{dx: 100, dy: 200}})

	ids := s.Add([]Annotation{{Points: []Point{{X: 10, Y: 10}}, MClass: "NILM"}}, CoordViewport, false)
	got, _ := s.GetByID(ids[0])
	if got.Points[0] != (Point{X: 110, Y: 210}) {
		t.Errorf("viewport points not converted: %+v", got.Points[0])
	}
}
