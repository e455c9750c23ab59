package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/srebi/intake/pkg/types"
)

// fakeTimer fires immediately and records every requested wait.
type fakeTimer struct {
	mu    sync.Mutex
	ch    chan time.Time
	waits []time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{ch: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.ch <- time.Now()
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

type fakeAPI struct {
	mu          sync.Mutex
	plan        types.InitUploadResponse
	initErr     error
	partURLErr  error
	completeErr error

	partURLCalls []int32
	completed    []types.CompleteUploadRequest
	aborted      []types.AbortUploadRequest
	abortCtxErr  error
}

func (f *fakeAPI) Init(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	plan := f.plan
	return &plan, nil
}

func (f *fakeAPI) PartURL(ctx context.Context, req types.PartURLRequest) (*types.PartURLResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partURLCalls = append(f.partURLCalls, req.PartNumber)
	if f.partURLErr != nil {
		return nil, f.partURLErr
	}
	return &types.PartURLResponse{URL: fmt.Sprintf("https://store.test/%s/%d", req.UploadID, req.PartNumber)}, nil
}

func (f *fakeAPI) Complete(ctx context.Context, req types.CompleteUploadRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	return f.completeErr
}

func (f *fakeAPI) Abort(ctx context.Context, req types.AbortUploadRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, req)
	f.abortCtxErr = ctx.Err()
	return nil
}

// fakeTransport answers each PUT from a per-URL script; an exhausted script
// succeeds with the default ETag.
type fakeTransport struct {
	mu      sync.Mutex
	script  map[string][]error
	etags   map[string]string
	puts    map[string]int
	sizes   []int64
	onPut   func()
	noETags bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		script: make(map[string][]error),
		etags:  make(map[string]string),
		puts:   make(map[string]int),
	}
}

func (f *fakeTransport) PutPart(ctx context.Context, url string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[url]++
	f.sizes = append(f.sizes, int64(len(body)))
	if f.onPut != nil {
		f.onPut()
	}
	if s := f.script[url]; len(s) > 0 {
		f.script[url] = s[1:]
		if s[0] != nil {
			return "", s[0]
		}
	}
	if f.noETags {
		return "", ErrMissingETag
	}
	if tag, ok := f.etags[url]; ok {
		return tag, nil
	}
	return `"etag"`, nil
}

// zeroFile is an io.ReaderAt of the given size filled with zeros.
type zeroFile int64

func (z zeroFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(z) {
		return 0, io.EOF
	}
	n := len(p)
	if remaining := int64(z) - off; int64(n) > remaining {
		n = int(remaining)
	}
	for i := range p[:n] {
		p[i] = 0
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func testPlan(size, chunk int64) types.InitUploadResponse {
	return types.InitUploadResponse{
		UploadID:   "up-1",
		ObjectKey:  "incidents/I1/video/1760000000000_evidence.mp4",
		ChunkSize:  chunk,
		TotalParts: types.TotalParts(size, chunk),
	}
}

func newTestDriver(api *fakeAPI, transport *fakeTransport, opts ...Option) (*Driver, *fakeTimer) {
	d := NewDriver(api, transport, opts...)
	timer := newFakeTimer()
	d.timer = timer
	return d, timer
}

func TestDriver_EndToEndScenario(t *testing.T) {
	const size = 25165824
	api := &fakeAPI{plan: testPlan(size, types.ChunkSize)}
	transport := newFakeTransport()
	for n, tag := range []string{"a", "b", "c"} {
		transport.etags[fmt.Sprintf("https://store.test/up-1/%d", n+1)] = tag
	}

	var progress []int
	d, _ := newTestDriver(api, transport, WithProgress(func(p int) { progress = append(progress, p) }))

	if d.State() != StateIdle {
		t.Fatalf("expected idle, got %s", d.State())
	}
	if err := d.Select("I1", types.RoleVideo, File{Name: "evidence.mp4", ContentType: "video/mp4", Size: size, Data: zeroFile(size)}); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.State() != StateReady {
		t.Fatalf("expected ready, got %s", d.State())
	}

	result, err := d.Upload(context.Background())
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if d.State() != StateSuccess {
		t.Errorf("expected success, got %s", d.State())
	}

	want := []types.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}, {PartNumber: 3, ETag: "c"}}
	if len(api.completed) != 1 {
		t.Fatalf("expected one complete call, got %d", len(api.completed))
	}
	got := api.completed[0]
	for i := range want {
		if got.Parts[i] != want[i] {
			t.Errorf("part %d: expected %+v, got %+v", i, want[i], got.Parts[i])
		}
	}
	if got.IncidentID != "I1" || got.Role != types.RoleVideo || got.Size != size || got.FileName != "evidence.mp4" {
		t.Errorf("complete did not carry file metadata: %+v", got)
	}
	if result.Size != size || len(result.Parts) != 3 {
		t.Errorf("unexpected result: %+v", result)
	}

	if transport.sizes[0] != types.ChunkSize || transport.sizes[2] != size-2*types.ChunkSize {
		t.Errorf("unexpected chunk sizes %v", transport.sizes)
	}
	wantProgress := []int{0, 42, 83, 100}
	if fmt.Sprint(progress) != fmt.Sprint(wantProgress) {
		t.Errorf("expected progress %v, got %v", wantProgress, progress)
	}
	if len(api.aborted) != 0 {
		t.Error("successful upload must not abort")
	}
}

func TestDriver_RetriesThenSucceeds(t *testing.T) {
	api := &fakeAPI{plan: testPlan(100, 100)}
	transport := newFakeTransport()
	url := "https://store.test/up-1/1"
	transport.script[url] = []error{errors.New("connection reset"), ErrMissingETag}

	d, timer := newTestDriver(api, transport)
	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 100, Data: zeroFile(100)})

	if _, err := d.Upload(context.Background()); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if transport.puts[url] != 3 {
		t.Errorf("expected 3 attempts, got %d", transport.puts[url])
	}
	if len(api.partURLCalls) != 3 {
		t.Errorf("each attempt should request a fresh URL, got %d requests", len(api.partURLCalls))
	}
	wantWaits := []time.Duration{500 * time.Millisecond, time.Second}
	if fmt.Sprint(timer.waits) != fmt.Sprint(wantWaits) {
		t.Errorf("expected waits %v, got %v", wantWaits, timer.waits)
	}
}

func TestDriver_AbortsAfterExhaustion(t *testing.T) {
	api := &fakeAPI{plan: testPlan(300, 100)}
	transport := newFakeTransport()
	url := "https://store.test/up-1/2"
	transport.script[url] = []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}

	d, timer := newTestDriver(api, transport)
	d.Select("I1", types.RoleLogs, File{Name: "a.zip", Size: 300, Data: zeroFile(300)})

	_, err := d.Upload(context.Background())
	var partErr *PartError
	if !errors.As(err, &partErr) || partErr.PartNumber != 2 || partErr.Attempts != 3 {
		t.Fatalf("expected PartError for part 2 after 3 attempts, got %v", err)
	}
	if d.State() != StateError || d.Err() == nil {
		t.Errorf("expected error state, got %s", d.State())
	}
	if len(api.completed) != 0 {
		t.Error("complete must not be called after part exhaustion")
	}
	if len(api.aborted) != 1 || api.aborted[0].UploadID != "up-1" || api.aborted[0].ObjectKey != api.plan.ObjectKey {
		t.Errorf("expected one abort with the init pair, got %+v", api.aborted)
	}
	if transport.puts["https://store.test/up-1/3"] != 0 {
		t.Error("later parts must not be attempted")
	}
	if len(timer.waits) != 2 {
		t.Errorf("expected no wait after the final attempt, got %v", timer.waits)
	}
}

func TestDriver_PermanentPartURLErrorStopsRetrying(t *testing.T) {
	api := &fakeAPI{
		plan:       testPlan(100, 100),
		partURLErr: &APIError{StatusCode: 400, Code: "INVALID_PART_NUMBER"},
	}
	d, timer := newTestDriver(api, newFakeTransport())
	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 100, Data: zeroFile(100)})

	_, err := d.Upload(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_PART_NUMBER" {
		t.Fatalf("expected APIError, got %v", err)
	}
	if len(api.partURLCalls) != 1 || len(timer.waits) != 0 {
		t.Errorf("expected a single attempt, got %d calls", len(api.partURLCalls))
	}
	if len(api.aborted) != 1 {
		t.Error("expected abort")
	}
}

func TestDriver_CompleteFailureDoesNotAbort(t *testing.T) {
	api := &fakeAPI{plan: testPlan(100, 100), completeErr: &APIError{StatusCode: 503}}
	d, _ := newTestDriver(api, newFakeTransport())
	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 100, Data: zeroFile(100)})

	if _, err := d.Upload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if d.State() != StateError {
		t.Errorf("expected error state, got %s", d.State())
	}
	if len(api.aborted) != 0 {
		t.Error("complete failure must not abort")
	}
}

func TestDriver_RetryCompleteReusesParts(t *testing.T) {
	api := &fakeAPI{plan: testPlan(300, 100), completeErr: &APIError{StatusCode: 503}}
	transport := newFakeTransport()
	d, _ := newTestDriver(api, transport)
	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 300, Data: zeroFile(300)})

	_, err := d.Upload(context.Background())
	var completeErr *CompleteError
	if !errors.As(err, &completeErr) || completeErr.UploadID != "up-1" {
		t.Fatalf("expected CompleteError, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("CompleteError should wrap the API error, got %v", err)
	}
	if d.State() != StateError {
		t.Fatalf("expected error state, got %s", d.State())
	}

	puts, urls := len(transport.sizes), len(api.partURLCalls)
	api.completeErr = nil
	result, err := d.RetryComplete(context.Background())
	if err != nil {
		t.Fatalf("RetryComplete failed: %v", err)
	}
	if d.State() != StateSuccess {
		t.Errorf("expected success, got %s", d.State())
	}
	if len(transport.sizes) != puts || len(api.partURLCalls) != urls {
		t.Error("retrying completion must not upload parts again")
	}
	if len(api.completed) != 2 || fmt.Sprint(api.completed[0]) != fmt.Sprint(api.completed[1]) {
		t.Errorf("expected the same completion to be resent, got %+v", api.completed)
	}
	if result.UploadID != "up-1" || len(result.Parts) != 3 || result.Size != 300 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(api.aborted) != 0 {
		t.Error("completion retry must not abort")
	}

	if _, err := d.RetryComplete(context.Background()); !errors.Is(err, ErrNoPending) {
		t.Errorf("expected ErrNoPending after success, got %v", err)
	}
}

func TestDriver_RetryCompleteWithoutPending(t *testing.T) {
	api := &fakeAPI{plan: testPlan(300, 100)}
	transport := newFakeTransport()
	transport.script["https://store.test/up-1/1"] = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	d, _ := newTestDriver(api, transport)

	if _, err := d.RetryComplete(context.Background()); !errors.Is(err, ErrNoPending) {
		t.Errorf("expected ErrNoPending before any upload, got %v", err)
	}

	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 300, Data: zeroFile(300)})
	if _, err := d.Upload(context.Background()); err == nil {
		t.Fatal("expected part failure")
	}
	// An aborted upload has nothing to complete.
	if _, err := d.RetryComplete(context.Background()); !errors.Is(err, ErrNoPending) {
		t.Errorf("expected ErrNoPending after abort, got %v", err)
	}
	if len(api.completed) != 0 {
		t.Error("complete must not be sent")
	}
}

func TestDriver_AbortSurvivesCancellation(t *testing.T) {
	api := &fakeAPI{plan: testPlan(200, 100)}
	transport := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	transport.onPut = cancel
	transport.script["https://store.test/up-1/1"] = []error{context.Canceled}

	d, _ := newTestDriver(api, transport)
	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 200, Data: zeroFile(200)})

	if _, err := d.Upload(ctx); err == nil {
		t.Fatal("expected error")
	}
	if len(api.aborted) != 1 {
		t.Fatalf("expected abort after cancellation, got %d", len(api.aborted))
	}
	if api.abortCtxErr != nil {
		t.Errorf("abort context should be live, got %v", api.abortCtxErr)
	}
}

func TestDriver_InitFailure(t *testing.T) {
	api := &fakeAPI{initErr: &APIError{StatusCode: 404, Code: "INCIDENT_NOT_FOUND"}}
	d, _ := newTestDriver(api, newFakeTransport())
	d.Select("missing", types.RoleLogs, File{Name: "a.log", Size: 1, Data: zeroFile(1)})

	if _, err := d.Upload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(api.aborted) != 0 || len(api.partURLCalls) != 0 {
		t.Error("nothing to abort when init fails")
	}
}

func TestDriver_InconsistentPlanAborts(t *testing.T) {
	plan := testPlan(100, 10)
	plan.TotalParts = 3
	api := &fakeAPI{plan: plan}
	d, _ := newTestDriver(api, newFakeTransport())
	d.Select("I1", types.RoleLogs, File{Name: "a.log", Size: 100, Data: zeroFile(100)})

	if _, err := d.Upload(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(api.aborted) != 1 || len(api.partURLCalls) != 0 {
		t.Errorf("expected abort before any part, got %d aborts", len(api.aborted))
	}
}

func TestDriver_SelectValidation(t *testing.T) {
	api := &fakeAPI{}
	d, _ := newTestDriver(api, newFakeTransport(), WithMaxFileSize(1000))

	tests := []struct {
		name string
		role types.Role
		file File
		want error
	}{
		{"wrong extension", types.RoleVideo, File{Name: "clip.mov", ContentType: "video/quicktime", Size: 10, Data: zeroFile(10)}, ErrInvalidType},
		{"unknown role", types.Role("audio"), File{Name: "a.mp4", Size: 10, Data: zeroFile(10)}, ErrInvalidType},
		{"too large", types.RoleLogs, File{Name: "a.zip", Size: 1001, Data: zeroFile(1001)}, ErrTooLarge},
		{"empty", types.RoleLogs, File{Name: "a.zip", Size: 0, Data: zeroFile(0)}, ErrEmptyFile},
		{"mime only", types.RoleLogs, File{Name: "bundle", ContentType: "application/zip", Size: 10, Data: zeroFile(10)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Select("I1", tt.role, tt.file)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(api.partURLCalls) != 0 || len(api.completed) != 0 {
		t.Error("validation must not contact the server")
	}
}

func TestDriver_UploadWithoutSelection(t *testing.T) {
	d, _ := newTestDriver(&fakeAPI{}, newFakeTransport())
	if _, err := d.Upload(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestDriver_SelectAfterErrorResets(t *testing.T) {
	api := &fakeAPI{plan: testPlan(100, 100), completeErr: errors.New("down")}
	d, _ := newTestDriver(api, newFakeTransport())
	file := File{Name: "a.log", Size: 100, Data: bytes.NewReader(make([]byte, 100))}
	d.Select("I1", types.RoleLogs, file)
	d.Upload(context.Background())

	api.completeErr = nil
	if err := d.Select("I1", types.RoleLogs, file); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if d.Err() != nil {
		t.Error("Select should clear the previous error")
	}
	if _, err := d.Upload(context.Background()); err != nil {
		t.Fatalf("retry upload failed: %v", err)
	}
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := RetryPolicy{}.normalized()
	if p != DefaultRetryPolicy() {
		t.Errorf("expected defaults, got %+v", p)
	}
}
