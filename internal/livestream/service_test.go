package livestream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kiosk-relay/internal/clients"
	"kiosk-relay/internal/platform/logger"
	"kiosk-relay/internal/platform/metrics"

	"github.com/spf13/afero"
)

func newTestService(t *testing.T, cfg Config) (*Service, *FSStore) {
	t.Helper()
	store := NewFSStore(afero.NewMemMapFs())
	svc := NewService(store, NewInMemoryStatusRepository(), cfg, nil, logger.Discard(), nil)
	return svc, store
}

func upload(t *testing.T, svc *Service, clientID ClientID, name string, size int) {
	t.Helper()
	if _, err := svc.Upload(context.Background(), clientID, name, segmentData(size), UploadMeta{}); err != nil {
		t.Fatalf("Upload %s: %v", name, err)
	}
}

func manifest(t *testing.T, store *FSStore, clientID ClientID) string {
	t.Helper()
	b, err := store.ReadManifest(clientID)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	return string(b)
}

func TestService_Upload_builds_manifest(t *testing.T) {
	svc, store := newTestService(t, Config{})

	upload(t, svc, "c1", "segment_1.ts", 1500)
	upload(t, svc, "c1", "segment_2.ts", 1500)

	m := manifest(t, store, "c1")
	if !strings.Contains(m, "#EXT-X-MEDIA-SEQUENCE:1\n") {
		t.Errorf("media sequence: %s", m)
	}
	if strings.Index(m, "segment_1.ts") > strings.Index(m, "segment_2.ts") {
		t.Errorf("segments out of order:\n%s", m)
	}
}

func TestService_Upload_retention(t *testing.T) {
	svc, store := newTestService(t, Config{KeepN: 4})

	for i := 1; i <= 5; i++ {
		upload(t, svc, "c1", fmt.Sprintf("segment_%d.ts", i), 1500)
	}

	m := manifest(t, store, "c1")
	if !strings.Contains(m, "#EXT-X-MEDIA-SEQUENCE:2\n") {
		t.Errorf("media sequence:\n%s", m)
	}
	if strings.Contains(m, "segment_1.ts") {
		t.Errorf("segment_1 still listed:\n%s", m)
	}
	if ok, _ := afero.Exists(store.fs, "/c1/segment_1.ts"); ok {
		t.Error("segment_1.ts not deleted from storage")
	}
	if n := strings.Count(m, "#EXTINF:"); n != 4 {
		t.Errorf("got %d entries, want 4", n)
	}
}

func TestService_Upload_small_segment_not_listed(t *testing.T) {
	svc, store := newTestService(t, Config{})

	upload(t, svc, "c1", "segment_1.ts", 1500)
	upload(t, svc, "c1", "segment_2.ts", 500)

	m := manifest(t, store, "c1")
	if strings.Contains(m, "segment_2.ts") {
		t.Errorf("small segment listed:\n%s", m)
	}
	if ok, _ := afero.Exists(store.fs, "/c1/segment_2.ts"); !ok {
		t.Error("small segment should stay on disk")
	}
}

func TestService_Upload_rejects(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID ClientID
		filename string
		want     error
	}{
		{"wrong container", "c1", "segment_1.mp4", ErrUnsupportedMediaType},
		{"unknown extension", "c1", "segment_1.avi", ErrUnsupportedMediaType},
		{"bad name", "c1", "video.ts", ErrInvalidSegmentName},
		{"bad client", "../x", "segment_1.ts", ErrInvalidClientID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tt.clientID, tt.filename, segmentData(1500), UploadMeta{})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_Upload_unknown_client(t *testing.T) {
	store := NewFSStore(afero.NewMemMapFs())
	svc := NewService(store, NewInMemoryStatusRepository(), Config{}, clients.NewAllowlist([]string{"c1"}), logger.Discard(), nil)

	_, err := svc.Upload(context.Background(), "c2", "segment_1.ts", segmentData(1500), UploadMeta{})
	if !errors.Is(err, clients.ErrUnknownClient) {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
	if names, _ := store.List("c2"); len(names) != 0 {
		t.Errorf("nothing should be stored for an unknown client, got %v", names)
	}
}

func TestService_Upload_duplicate_policy(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		svc, _ := newTestService(t, Config{DuplicatePolicy: DuplicateReject})
		upload(t, svc, "c1", "segment_1.ts", 1500)

		_, err := svc.Upload(context.Background(), "c1", "segment_1.ts", segmentData(1500), UploadMeta{})
		if !errors.Is(err, ErrDuplicateSegment) {
			t.Errorf("expected ErrDuplicateSegment, got %v", err)
		}
	})
	t.Run("overwrite", func(t *testing.T) {
		svc, store := newTestService(t, Config{})
		upload(t, svc, "c1", "segment_1.ts", 1500)
		upload(t, svc, "c1", "segment_1.ts", 2500)

		fi, err := store.ReadMetadata("c1", "segment_1.ts")
		if err != nil || fi.Size != 2500 {
			t.Errorf("size=%d err=%v", fi.Size, err)
		}
	})
}

func TestService_Upload_explicit_metadata(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	seq := int64(40)

	upload(t, svc, "c1", "segment_1.ts", 1500)
	if _, err := svc.Upload(context.Background(), "c1", "segment_2.ts", segmentData(1500), UploadMeta{Sequence: &seq, Timestamp: &ts}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	m := manifest(t, store, "c1")
	if !strings.Contains(m, "#EXT-X-PROGRAM-DATE-TIME:2024-06-01T08:00:00.000Z\n#EXTINF:6.0,\nsegment_2.ts") {
		t.Errorf("explicit timestamp not used:\n%s", m)
	}
}

func TestService_Upload_sequence_regression_accepted(t *testing.T) {
	svc, store := newTestService(t, Config{})

	upload(t, svc, "c1", "segment_5.ts", 1500)
	upload(t, svc, "c1", "segment_3.ts", 1500)

	m := manifest(t, store, "c1")
	if !strings.Contains(m, "#EXT-X-MEDIA-SEQUENCE:3\n") {
		t.Errorf("manifest:\n%s", m)
	}
	st, _ := svc.Status("c1")
	if st.LastSequence != 5 || st.Uploads != 2 {
		t.Errorf("status: %+v", st)
	}
}

func TestService_Cleanup_keep_files(t *testing.T) {
	svc, store := newTestService(t, Config{})
	for i := 1; i <= 5; i++ {
		upload(t, svc, "c1", fmt.Sprintf("segment_%d.ts", i), 1500)
	}
	// Upload retention already removed segment_1; put it back so cleanup sees all five.
	_ = store.Put("c1", "segment_1.ts", segmentData(1500), SegmentMeta{Sequence: 1}, true)

	res, err := svc.Cleanup(context.Background(), "c1", []string{"segment_3.ts", "segment_99.ts"}, 0, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := fmt.Sprint(res.Deleted); got != "[segment_1.ts segment_2.ts segment_4.ts segment_5.ts]" {
		t.Errorf("deleted: %s", got)
	}
	if got := fmt.Sprint(res.Kept); got != "[segment_3.ts]" {
		t.Errorf("kept: %s", got)
	}

	m := manifest(t, store, "c1")
	if !strings.Contains(m, "#EXT-X-MEDIA-SEQUENCE:3\n") || strings.Count(m, "#EXTINF:") != 1 {
		t.Errorf("manifest:\n%s", m)
	}
}

func TestService_Cleanup_keep_nothing(t *testing.T) {
	svc, store := newTestService(t, Config{})
	upload(t, svc, "c1", "segment_1.ts", 1500)
	upload(t, svc, "c1", "segment_2.ts", 1500)

	res, err := svc.Cleanup(context.Background(), "c1", nil, 0, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(res.Deleted) != 2 || len(res.Kept) != 0 {
		t.Errorf("result: %+v", res)
	}
	want := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n"
	if m := manifest(t, store, "c1"); m != want {
		t.Errorf("manifest:\n%s", m)
	}
}

func TestService_Cleanup_overrides(t *testing.T) {
	svc, store := newTestService(t, Config{})
	for i := 1; i <= 3; i++ {
		upload(t, svc, "c1", fmt.Sprintf("segment_%d.ts", i), 1500)
	}

	res, err := svc.Cleanup(context.Background(), "c1", []string{"segment_1.ts", "segment_2.ts", "segment_3.ts"}, 2, 10)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if got := fmt.Sprint(res.Deleted); got != "[segment_1.ts]" {
		t.Errorf("deleted: %s", got)
	}
	if got := fmt.Sprint(res.Kept); got != "[segment_2.ts segment_3.ts]" {
		t.Errorf("kept: %s", got)
	}
	if m := manifest(t, store, "c1"); !strings.Contains(m, "#EXT-X-TARGETDURATION:10\n") {
		t.Errorf("duration override ignored:\n%s", m)
	}
}

func TestService_LastSegmentInfo(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	if _, err := svc.LastSegmentInfo("c1"); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}

	upload(t, svc, "c1", "segment_1.ts", 1500)
	upload(t, svc, "c1", "segment_2_20240301T123005Z.ts", 1500)

	first, err := svc.LastSegmentInfo("c1")
	if err != nil {
		t.Fatalf("LastSegmentInfo: %v", err)
	}
	if first.Segment != "segment_2_20240301T123005Z.ts" {
		t.Errorf("segment: %s", first.Segment)
	}
	if first.Timestamp != "2024-03-01T12:30:05.000000Z" {
		t.Errorf("timestamp: %s", first.Timestamp)
	}
	if first.Epoch != float64(time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC).Unix()) {
		t.Errorf("epoch: %f", first.Epoch)
	}

	second, err := svc.LastSegmentInfo("c1")
	if err != nil || second != first {
		t.Errorf("second call: %+v, %v", second, err)
	}
}

func TestService_LastSegmentInfo_empty_and_missing(t *testing.T) {
	svc, store := newTestService(t, Config{})
	upload(t, svc, "c1", "segment_1.ts", 1500)

	if err := store.Remove("c1", "segment_1.ts"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.LastSegmentInfo("c1"); !errors.Is(err, ErrSegmentMissing) {
		t.Errorf("expected ErrSegmentMissing, got %v", err)
	}

	if _, err := svc.Cleanup(context.Background(), "c1", nil, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.LastSegmentInfo("c1"); !errors.Is(err, ErrNoSegments) {
		t.Errorf("expected ErrNoSegments, got %v", err)
	}
}

func TestService_Reset(t *testing.T) {
	svc, store := newTestService(t, Config{})

	existed, err := svc.Reset(context.Background(), "c1")
	if err != nil || existed {
		t.Fatalf("reset without uploads: existed=%v err=%v", existed, err)
	}

	upload(t, svc, "c1", "segment_1.ts", 1500)
	existed, err = svc.Reset(context.Background(), "c1")
	if err != nil || !existed {
		t.Fatalf("reset: existed=%v err=%v", existed, err)
	}
	if _, err := store.ReadManifest("c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("manifest survived reset: %v", err)
	}
	if _, err := svc.LastSegmentInfo("c1"); !errors.Is(err, ErrNoManifest) {
		t.Errorf("expected ErrNoManifest after reset, got %v", err)
	}
	if st, _ := svc.Status("c1"); st.Uploads != 0 {
		t.Errorf("status not forgotten: %+v", st)
	}
}

func TestService_Stop_Start(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ctx := context.Background()
	upload(t, svc, "c1", "segment_1.ts", 1500)

	st, err := svc.Stop(ctx, "c1")
	if err != nil || !st.Stopped || st.Active {
		t.Fatalf("Stop: %+v, %v", st, err)
	}
	if m := manifest(t, store, "c1"); !strings.HasSuffix(m, "#EXT-X-ENDLIST\n") {
		t.Errorf("manifest not ended:\n%s", m)
	}
	if _, err := svc.Upload(ctx, "c1", "segment_2.ts", segmentData(1500), UploadMeta{}); !errors.Is(err, ErrStreamStopped) {
		t.Errorf("upload after stop: %v", err)
	}

	if _, err := svc.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m := manifest(t, store, "c1"); strings.Contains(m, "#EXT-X-ENDLIST") {
		t.Errorf("manifest still ended:\n%s", m)
	}
	upload(t, svc, "c1", "segment_2.ts", 1500)
}

func TestService_Stop_unknown_client_creates_nothing(t *testing.T) {
	svc, store := newTestService(t, Config{})

	if _, err := svc.Stop(context.Background(), "c9"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ok, _ := afero.DirExists(store.fs, "/c9"); ok {
		t.Error("stop created a client directory")
	}
}

func TestService_clients_are_isolated(t *testing.T) {
	svc, store := newTestService(t, Config{})
	upload(t, svc, "a", "segment_1.ts", 1500)
	upload(t, svc, "b", "segment_7.ts", 1500)

	if _, err := svc.Cleanup(context.Background(), "a", nil, 0, 0); err != nil {
		t.Fatal(err)
	}
	if m := manifest(t, store, "b"); !strings.Contains(m, "segment_7.ts") {
		t.Errorf("cleanup of a touched b:\n%s", m)
	}
}

func TestService_concurrent_uploads(t *testing.T) {
	svc, store := newTestService(t, Config{KeepN: 4})

	var wg sync.WaitGroup
	for _, id := range []ClientID{"a", "b"} {
		for i := 1; i <= 10; i++ {
			wg.Add(1)
			go func(id ClientID, i int) {
				defer wg.Done()
				_, _ = svc.Upload(context.Background(), id, fmt.Sprintf("segment_%d.ts", i), segmentData(1500), UploadMeta{})
			}(id, i)
		}
	}
	wg.Wait()

	for _, id := range []ClientID{"a", "b"} {
		if _, err := svc.Cleanup(context.Background(), id, []string{"segment_7.ts", "segment_8.ts", "segment_9.ts", "segment_10.ts"}, 4, 0); err != nil {
			t.Fatal(err)
		}
		m := manifest(t, store, id)
		if strings.Count(m, "#EXTINF:") > 4 {
			t.Errorf("%s: manifest lists more than keep_n segments:\n%s", id, m)
		}
	}
	if svc.locks.size() != 0 {
		t.Errorf("lock entries leaked: %d", svc.locks.size())
	}
}

// manifestFailStore fails WriteManifest while fail is set.
type manifestFailStore struct {
	*FSStore
	fail bool
}

func (s *manifestFailStore) WriteManifest(clientID ClientID, data []byte) error {
	if s.fail {
		return &StorageError{Op: "write manifest", Err: errors.New("disk full")}
	}
	return s.FSStore.WriteManifest(clientID, data)
}

func TestService_Upload_manifest_failure_keeps_upload(t *testing.T) {
	store := &manifestFailStore{FSStore: NewFSStore(afero.NewMemMapFs())}
	var logs bytes.Buffer
	m := metrics.New()
	svc := NewService(store, NewInMemoryStatusRepository(), Config{}, nil, logger.NewWithWriter(&logs, "info", "json"), m)

	upload(t, svc, "c1", "segment_1.ts", 1500)
	before := manifest(t, store.FSStore, "c1")

	store.fail = true
	if _, err := svc.Upload(context.Background(), "c1", "segment_2.ts", segmentData(1500), UploadMeta{}); err != nil {
		t.Fatalf("upload failed with manifest error: %v", err)
	}

	if _, err := store.ReadMetadata("c1", "segment_2.ts"); err != nil {
		t.Errorf("segment not stored: %v", err)
	}
	if got := manifest(t, store.FSStore, "c1"); got != before {
		t.Errorf("previous manifest replaced:\n%s", got)
	}
	if !strings.Contains(logs.String(), "manifest rebuild failed") {
		t.Errorf("failure not logged: %s", logs.String())
	}

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hls_manifest_rebuild_failures_total 1") {
		t.Errorf("failure not counted:\n%s", body)
	}
}

func TestService_Cleanup_unknown_client(t *testing.T) {
	store := NewFSStore(afero.NewMemMapFs())
	svc := NewService(store, NewInMemoryStatusRepository(), Config{}, clients.NewAllowlist([]string{"c1"}), logger.Discard(), nil)

	if _, err := svc.Cleanup(context.Background(), "c2", nil, 0, 0); !errors.Is(err, clients.ErrUnknownClient) {
		t.Errorf("expected ErrUnknownClient, got %v", err)
	}
}

func TestService_Cleanup_never_uploaded_creates_nothing(t *testing.T) {
	svc, store := newTestService(t, Config{})

	res, err := svc.Cleanup(context.Background(), "c1", nil, 0, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(res.Deleted) != 0 || len(res.Kept) != 0 {
		t.Errorf("result: %+v", res)
	}
	if _, err := store.ReadManifest("c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("manifest created: %v", err)
	}
	existed, err := svc.Reset(context.Background(), "c1")
	if err != nil || existed {
		t.Errorf("reset after empty cleanup: existed=%v err=%v", existed, err)
	}
}
