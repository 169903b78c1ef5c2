package extract

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/formscan/internal/acquire"
	"github.com/jackzampolin/formscan/internal/home"
	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/providers"
	"github.com/jackzampolin/formscan/internal/sampler"
	"github.com/jackzampolin/formscan/internal/schema"
	"github.com/jackzampolin/formscan/internal/testutil"
)

const (
	testApp  = "drop-out"
	testForm = "form-42"
	testUser = "user-7"
)

var (
	nameRect    = imaging.Rect(10, 10, 50, 20)
	financeRect = imaging.Rect(10, 50, 20, 20)
	healthRect  = imaging.Rect(40, 50, 20, 20)
)

// scenarioSchema has one WORD field and one CHECKBOX field whose boxes have a
// blank-form brightness of 200.
var scenarioSchema = schema.Document{
	{
		Name: "full_name", Type: "OCR_WORD", PageNumber: 1, DataType: "string",
		Correction: &schema.Correction{Type: "name", Details: ""},
		Regions:    []schema.DocumentRegion{{Region: nameRect}},
	},
	{
		Name: "reason", Type: "CHECK_BOX", PageNumber: 1, DataType: "list",
		Regions: []schema.DocumentRegion{
			{Region: financeRect, Entry: "financial", Brightness: ptr(200.0)},
			{Region: healthRect, Entry: "health", Brightness: ptr(200.0)},
		},
	},
}

func ptr[T any](v T) *T { return &v }

// scenarioPage samples 150 in the first box and 210 in the second.
func scenarioPage(t *testing.T) []byte {
	return testutil.PNG(t, testutil.Page(200, 100, testutil.Gray(255),
		testutil.FillBox(financeRect.X, financeRect.Y, financeRect.Width, financeRect.Height, 150),
		testutil.FillBox(healthRect.X, healthRect.Y, healthRect.Width, healthRect.Height, 210),
	))
}

type fixture struct {
	home   *home.Dir
	ocr    *providers.MockOCR
	server *testutil.PageServer
	orch   *Orchestrator
}

func newFixture(t *testing.T, doc schema.Document) *fixture {
	return newFixtureWithSampler(t, doc, nil)
}

func newFixtureWithSampler(t *testing.T, doc schema.Document, wrap func(Sampler) Sampler) *fixture {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New: %v", err)
	}
	if doc != nil {
		testutil.WriteJSON(t, h.SchemaPath(testApp), doc)
	}

	ocr := providers.NewMockOCR()
	cache := imaging.NewCachingDecoder(nil, 0)
	var s Sampler = sampler.New(sampler.Config{OCR: ocr, Images: cache})
	if wrap != nil {
		s = wrap(s)
	}

	orch, err := NewOrchestrator(Config{
		Home:       h,
		Downloader: acquire.NewDownloader(acquire.Config{Timeout: 5 * time.Second, Logger: testutil.Logger()}),
		Schemas:    schema.NewFileStore(h.SchemasDir(), testutil.Logger()),
		Engine:     NewEngine(EngineConfig{Sampler: s, Logger: testutil.Logger()}),
		Pages:      cache,
		Logger:     testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &fixture{home: h, ocr: ocr, server: testutil.NewPageServer(t), orch: orch}
}

func (f *fixture) request(urls ...string) Request {
	return Request{Application: testApp, FormID: testForm, ImageURLs: urls, UserID: testUser}
}

func TestExtract_Scenario(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	f.ocr.On(nameRect, "Lê Văn C\n")
	url := f.server.Add("/forms/42/page-1.png", scenarioPage(t))

	result, err := f.orch.Extract(context.Background(), f.request(url))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(result) != len(scenarioSchema) {
		t.Fatalf("expected %d entries, got %d", len(scenarioSchema), len(result))
	}
	if result[0].Name != "full_name" || result[1].Name != "reason" {
		t.Errorf("entries out of schema order: %s, %s", result[0].Name, result[1].Name)
	}
	if got := result[0].Text.String(); got != "Lê Văn C" {
		t.Errorf("word text = %q", got)
	}
	if got := result[1].Text.Entries(); !reflect.DeepEqual(got, []string{"financial"}) {
		t.Errorf("checkbox text = %v, want [financial]", got)
	}

	page := f.home.PageImagePath(testForm, testUser, 1, "png")
	if _, err := os.Stat(page); err != nil {
		t.Errorf("page not downloaded to %s: %v", page, err)
	}
	calls := f.ocr.Calls()
	if len(calls) != 1 || calls[0].ImagePath != page || calls[0].Rect != nameRect {
		t.Errorf("unexpected OCR calls %+v", calls)
	}

	persisted, err := LoadResult(f.home.ResultPath(testForm))
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if !reflect.DeepEqual(persisted, result) {
		t.Errorf("persisted result differs:\n got %+v\nwant %+v", persisted, result)
	}
}

func TestExtract_NoBoxTicked(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	url := f.server.Add("/blank.png", testutil.PNG(t, testutil.Page(200, 100, testutil.Gray(255))))

	result, err := f.orch.Extract(context.Background(), f.request(url))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := result[1].Text; !got.IsList() || got.Entries() == nil || len(got.Entries()) != 0 {
		t.Errorf("expected an empty list, got %#v", got)
	}
	data, err := os.ReadFile(f.home.ResultPath(testForm))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Contains(data, []byte(`"text": []`)) {
		t.Errorf("expected an empty text array in:\n%s", data)
	}
}

func TestExtract_CharAcrossPages(t *testing.T) {
	cells := []imaging.Rectangle{imaging.Rect(0, 0, 10, 10), imaging.Rect(10, 0, 10, 10), imaging.Rect(0, 0, 10, 10)}
	doc := schema.Document{{
		Name: "code", Type: "OCR_CHAR", PageNumber: 1, DataType: "string",
		Regions: []schema.DocumentRegion{
			{Region: cells[0]},
			{Region: cells[1]},
			{Region: cells[2], PageNumber: 2},
		},
	}}
	f := newFixture(t, doc)
	f.ocr.On(cells[0], "A\n").On(cells[1], "B\r\nC\n")
	page := testutil.PNG(t, testutil.Page(20, 10, testutil.Gray(255)))
	u1 := f.server.Add("/p1.png", page)
	u2 := f.server.Add("/p2.png", page)

	result, err := f.orch.Extract(context.Background(), f.request(u1, u2))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// cells[2] shares cells[0]'s rectangle, so both read "A"; the page differs.
	if got := result[0].Text.String(); got != "ABCA" {
		t.Errorf("char text = %q, want %q", got, "ABCA")
	}
	calls := f.ocr.Calls()
	if len(calls) != 3 || calls[2].ImagePath != f.home.PageImagePath(testForm, testUser, 2, "png") {
		t.Errorf("expected the last cell to be read from page 2, got %+v", calls)
	}
}

func TestExtract_Idempotent(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	f.ocr.On(nameRect, "Phạm D")
	url := f.server.Add("/page.png", scenarioPage(t))
	path := f.home.ResultPath(testForm)

	var outputs [][]byte
	for i := 0; i < 2; i++ {
		if _, err := f.orch.Extract(context.Background(), f.request(url)); err != nil {
			t.Fatalf("Extract #%d: %v", i+1, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read result: %v", err)
		}
		outputs = append(outputs, data)
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		t.Errorf("repeated extraction changed the output:\n%s\n---\n%s", outputs[0], outputs[1])
	}
}

func TestExtract_FallbackExtension(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	url := f.server.Add("/download", scenarioPage(t)) + "?id=42"

	if _, err := f.orch.Extract(context.Background(), f.request(url)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(f.home.PageImagePath(testForm, testUser, 1, "jpg")); err != nil {
		t.Errorf("expected page saved with the jpg fallback: %v", err)
	}
}

func TestExtract_DownloadFailure(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	page := scenarioPage(t)
	u1 := f.server.Add("/1.png", page)
	u2 := f.server.Fail("/2.png", http.StatusBadGateway)
	u3 := f.server.Add("/3.png", page)

	_, err := f.orch.Extract(context.Background(), f.request(u1, u2, u3))
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if e.Stage != StageAcquisition || e.URL != u2 {
		t.Errorf("unexpected failure %+v", e)
	}
	var de *acquire.DownloadError
	if !errors.As(err, &de) || de.Position != 2 {
		t.Errorf("expected DownloadError for page 2, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("download failures are retryable by the caller")
	}
	if _, err := os.Stat(f.home.ResultPath(testForm)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no result should be written, stat err = %v", err)
	}
	if len(f.ocr.Calls()) != 0 {
		t.Error("recognition ran after a failed download")
	}
}

func TestExtract_DroppedConnection(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	page := scenarioPage(t)
	u1 := f.server.Add("/1.png", page)
	u2 := f.server.Truncate("/2.png", page)
	u3 := f.server.Add("/3.png", page)

	_, err := f.orch.Extract(context.Background(), f.request(u1, u2, u3))
	var e *Error
	if !errors.As(err, &e) || e.Stage != StageAcquisition || e.URL != u2 {
		t.Fatalf("expected acquisition failure for %s, got %v", u2, err)
	}
	if !IsRetryable(err) {
		t.Error("a dropped connection is retryable by the caller")
	}
	if _, err := os.Stat(f.home.ResultPath(testForm)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no result should be written, stat err = %v", err)
	}
	if len(f.ocr.Calls()) != 0 {
		t.Error("recognition ran after a failed download")
	}
}

func TestExtract_SchemaFailures(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		f := newFixture(t, nil)
		url := f.server.Add("/1.png", scenarioPage(t))

		_, err := f.orch.Extract(context.Background(), f.request(url))
		if stage, _ := StageOf(err); stage != StageSchema || !errors.Is(err, schema.ErrNotFound) {
			t.Fatalf("expected schema not found, got %v", err)
		}
		if IsRetryable(err) {
			t.Error("schema failures are not retryable")
		}
		if _, err := os.Stat(f.home.ResultPath(testForm)); !errors.Is(err, os.ErrNotExist) {
			t.Error("no result should be written")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		f := newFixture(t, nil)
		testutil.WriteFile(t, f.home.SchemaPath(testApp), []byte(`[{"name":"x","type":"BARCODE","regions":[]}]`))
		url := f.server.Add("/1.png", scenarioPage(t))

		_, err := f.orch.Extract(context.Background(), f.request(url))
		var ve *schema.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if len(f.ocr.Calls()) != 0 {
			t.Error("recognition ran with an invalid schema")
		}
	})
}

func TestExtract_RecognitionFailures(t *testing.T) {
	t.Run("checkbox on a missing page", func(t *testing.T) {
		doc := append(schema.Document{}, scenarioSchema...)
		doc[1].PageNumber = 2
		f := newFixture(t, doc)
		url := f.server.Add("/1.png", scenarioPage(t))

		_, err := f.orch.Extract(context.Background(), f.request(url))
		var e *Error
		if !errors.As(err, &e) || e.Stage != StageRecognition || e.Field != "reason" {
			t.Fatalf("expected recognition failure on reason, got %v", err)
		}
		if !imaging.IsDecodeError(err) {
			t.Errorf("expected a decode error cause, got %v", err)
		}
		if _, err := os.Stat(f.home.ResultPath(testForm)); !errors.Is(err, os.ErrNotExist) {
			t.Error("no result should be written")
		}
	})

	t.Run("word OCR failure", func(t *testing.T) {
		f := newFixture(t, scenarioSchema)
		f.ocr.Fail(nameRect, errors.New("tesseract crashed"))
		url := f.server.Add("/1.png", scenarioPage(t))

		result, err := f.orch.Extract(context.Background(), f.request(url))
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if len(result) != 2 || result[0].Text.String() != "" {
			t.Errorf("expected empty word text, got %+v", result)
		}
	})
}

func TestExtract_BadRequests(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	url := f.server.Add("/1.png", scenarioPage(t))

	tests := []struct {
		name string
		req  Request
	}{
		{name: "no urls", req: Request{Application: testApp, FormID: testForm, UserID: testUser}},
		{name: "form id escapes", req: Request{Application: testApp, FormID: "../x", ImageURLs: []string{url}, UserID: testUser}},
		{name: "empty user", req: Request{Application: testApp, FormID: testForm, ImageURLs: []string{url}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Extract(context.Background(), tt.req)
			if stage, _ := StageOf(err); stage != StageAcquisition {
				t.Fatalf("expected acquisition failure, got %v", err)
			}
			if IsRetryable(err) {
				t.Error("bad requests are not retryable")
			}
		})
	}
	if f.server.Hits("/1.png") != 0 {
		t.Error("nothing should be downloaded for a bad request")
	}
}

func TestExtractLocal(t *testing.T) {
	f := newFixture(t, scenarioSchema)
	f.ocr.On(nameRect, "Võ E")
	testutil.WriteFile(t, f.home.PageImagePath(testForm, testUser, 1, "png"), scenarioPage(t))

	result, err := f.orch.ExtractLocal(context.Background(), LocalRequest{Application: testApp, FormID: testForm, UserID: testUser})
	if err != nil {
		t.Fatalf("ExtractLocal: %v", err)
	}
	if result[0].Text.String() != "Võ E" || result[1].Text.String() != "financial" {
		t.Errorf("unexpected result %+v", result)
	}
	if _, err := os.Stat(f.orch.ResultPath(testForm)); err != nil {
		t.Errorf("result not persisted: %v", err)
	}
}

// concurrencySampler records the most recognition calls seen in flight at once.
type concurrencySampler struct {
	Sampler
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *concurrencySampler) RecognizeText(ctx context.Context, path string, rect imaging.Rectangle) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return s.Sampler.RecognizeText(ctx, path, rect)
}

func TestExtract_SameFormSerialized(t *testing.T) {
	var tracker *concurrencySampler
	f := newFixtureWithSampler(t, scenarioSchema, func(s Sampler) Sampler {
		tracker = &concurrencySampler{Sampler: s}
		return tracker
	})
	url := f.server.Add("/1.png", scenarioPage(t))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Extract(context.Background(), f.request(url))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Extract: %v", err)
		}
	}
	if peak := tracker.peak.Load(); peak != 1 {
		t.Errorf("extractions of one form overlapped (peak %d)", peak)
	}
	if n := f.orch.forms.held(); n != 0 {
		t.Errorf("form locks leaked: %d", n)
	}
}

func TestFormLocks(t *testing.T) {
	locks := newFormLocks()
	unlock, err := locks.lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Other forms are independent.
	unlockB, err := locks.lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("lock b: %v", err)
	}
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected to time out waiting for a held form, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if n := locks.held(); n != 0 {
		t.Errorf("expected no locks held, got %d", n)
	}
}
